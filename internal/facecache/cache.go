// Package facecache keeps one user's face embeddings in sync with their
// gallery.
//
// A Cache rebuilds incrementally: only images whose content hash changed (or
// that were explicitly invalidated) go to the embedder. Every successful
// rebuild persists a complete document and then publishes an immutable
// Snapshot; readers keep whatever snapshot they loaded for as long as they
// need it.
package facecache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/embedder"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/gallery"
	"github.com/kozaktomas/facegallery/internal/imageutil"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/metrics"
)

// ErrWrongUser is returned when a cache is rebuilt from another user's gallery.
var ErrWrongUser = errors.New("gallery belongs to another user")

// Gallery is the part of gallery.Store the cache reads.
type Gallery interface {
	UserID() string
	Images(ctx context.Context) ([]gallery.ImageRecord, error)
	ReadImage(rec gallery.ImageRecord) ([]byte, error)
}

// Options configures a Cache.
type Options struct {
	UserID       string
	Store        DocumentStore
	Embedder     embedder.Embedder
	Concurrency  int           // parallel embedder calls, default 4
	ImageTimeout time.Duration // per image, default 30s
	MaxImageSize int           // longest side sent to the embedder, default 1920
}

// Result summarizes one rebuild.
type Result struct {
	Updated   int `json:"updated"`   // embedded (new, changed or invalidated)
	Removed   int `json:"removed"`   // purged because the image left the gallery
	Moved     int `json:"moved"`     // re-keyed to another person without recomputation
	Unchanged int `json:"unchanged"` // hash matched
	Failed    int `json:"failed"`    // unreadable or embedder failure, retried next time
	Faces     int `json:"faces"`     // reference faces in the published snapshot
}

// Progress reports rebuild progress over the images that need embedding.
type Progress struct {
	Done    int
	Total   int
	ImageID string
}

// RebuildOption customizes a single rebuild.
type RebuildOption func(*rebuildOptions)

type rebuildOptions struct {
	progress func(Progress)
}

// WithProgress calls fn after each embedded image. fn may be called from
// several goroutines.
func WithProgress(fn func(Progress)) RebuildOption {
	return func(o *rebuildOptions) { o.progress = fn }
}

// Stats describes the current snapshot.
type Stats struct {
	UserID       string    `json:"user_id"`
	Images       int       `json:"images"`
	Faces        int       `json:"faces"`
	People       int       `json:"people"`
	BuiltAt      time.Time `json:"built_at"`
	Invalidated  int       `json:"invalidated"`
	Persisted    bool      `json:"persisted"`
	NeedsRebuild bool      `json:"needs_rebuild"`
}

// Cache is one user's encoding cache.
type Cache struct {
	userID       string
	store        DocumentStore
	emb          embedder.Embedder
	concurrency  int
	imageTimeout time.Duration
	maxImageSize int

	snap atomic.Pointer[Snapshot]

	// work serializes Load and rebuilds; both replace the snapshot.
	work sync.Mutex

	mu          sync.Mutex
	invalidated map[string]struct{}
	docSum      [sha256.Size]byte
	persisted   bool
	discarded   bool // persisted document was unusable, no rebuild has succeeded since
}

// New creates a cache with an empty snapshot. Call Load to pick up the
// persisted document.
func New(opts Options) *Cache {
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.DefaultEmbedderConcurrency
	}
	if opts.ImageTimeout <= 0 {
		opts.ImageTimeout = constants.DefaultEmbedderTimeout
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = constants.MaxImageSize
	}
	c := &Cache{
		userID:       opts.UserID,
		store:        opts.Store,
		emb:          opts.Embedder,
		concurrency:  opts.Concurrency,
		imageTimeout: opts.ImageTimeout,
		maxImageSize: opts.MaxImageSize,
		invalidated:  make(map[string]struct{}),
	}
	c.snap.Store(newSnapshot(opts.UserID, nil, time.Time{}))
	return c
}

// UserID returns the cache owner.
func (c *Cache) UserID() string { return c.userID }

// Snapshot returns the last published snapshot. Never nil.
func (c *Cache) Snapshot() *Snapshot { return c.snap.Load() }

// Stats describes the current snapshot.
func (c *Cache) Stats() Stats {
	s := c.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		UserID:       c.userID,
		Images:       s.Len(),
		Faces:        len(s.Refs()),
		People:       s.People(),
		BuiltAt:      s.BuiltAt(),
		Invalidated:  len(c.invalidated),
		Persisted:    c.persisted,
		NeedsRebuild: c.discarded,
	}
}

// Load replaces the snapshot with the persisted document. A missing document
// leaves the cache empty. An unreadable, foreign or outdated document is
// discarded and logged, and NeedsRebuild reports true until a rebuild
// succeeds.
func (c *Cache) Load(ctx context.Context) error {
	c.work.Lock()
	defer c.work.Unlock()

	data, err := c.store.Load(ctx, c.userID)
	switch {
	case errors.Is(err, ErrNoDocument):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		c.discard(ctx, err)
		return nil
	}

	entries, err := decodeDocument(data, c.userID)
	if err != nil {
		c.discard(ctx, err)
		return nil
	}

	c.mu.Lock()
	c.docSum = sha256.Sum256(data)
	c.persisted = true
	c.discarded = false
	c.mu.Unlock()

	s := newSnapshot(c.userID, entries, time.Now())
	c.snap.Store(s)
	metrics.CacheFaces.Set(float64(len(s.Refs())))
	logging.Ctx(ctx).Debug().Str("user", c.userID).Int("images", s.Len()).Int("faces", len(s.Refs())).
		Msg("encoding cache loaded")
	return nil
}

func (c *Cache) discard(ctx context.Context, cause error) {
	metrics.CacheCorruptions.Inc()
	logging.Ctx(ctx).Warn().Err(facerr.CacheCorruption("facecache.load", cause)).Str("user", c.userID).
		Msg("discarding persisted encoding cache, next rebuild embeds every image")

	c.mu.Lock()
	c.docSum = [sha256.Size]byte{}
	c.persisted = false
	c.discarded = true
	c.mu.Unlock()
	c.snap.Store(newSnapshot(c.userID, nil, time.Time{}))
}

// NeedsRebuild reports whether Load discarded the persisted document and no
// rebuild has replaced it yet.
func (c *Cache) NeedsRebuild() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discarded
}

// Invalidate marks images for recomputation by the next rebuild even if
// their content is unchanged.
func (c *Cache) Invalidate(imageIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range imageIDs {
		c.invalidated[id] = struct{}{}
	}
}

func (c *Cache) isInvalidated(imageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.invalidated[imageID]
	return ok
}

// IsStale reports whether img would be recomputed by the next rebuild.
func (c *Cache) IsStale(ctx context.Context, img gallery.ImageRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e, ok := c.Snapshot().Entry(img.ID)
	if !ok || c.isInvalidated(img.ID) {
		return true, nil
	}
	hash, err := gallery.HashFile(img.Path)
	if err != nil {
		return false, facerr.GalleryIO("facecache.is_stale", img.ID, err)
	}
	return hash != e.Hash, nil
}

// Rebuild brings the cache in line with g. Concurrent calls run one after
// another, each with its own ctx and progress callback; a later run only
// embeds what the earlier one left stale. On error the previous snapshot
// stays published.
func (c *Cache) Rebuild(ctx context.Context, g Gallery, opts ...RebuildOption) (Result, error) {
	if g.UserID() != c.userID {
		return Result{}, fmt.Errorf("%w: cache %s, gallery %s", ErrWrongUser, c.userID, g.UserID())
	}
	var o rebuildOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.work.Lock()
	defer c.work.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return c.rebuild(ctx, g, o)
}

type embedJob struct {
	img  gallery.ImageRecord
	hash string
	prev *Entry
}

func (c *Cache) rebuild(ctx context.Context, g Gallery, o rebuildOptions) (res Result, err error) {
	start := time.Now()
	log := logging.Ctx(ctx).With().Str("user", c.userID).Logger()
	defer func() {
		metrics.RebuildDuration.Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			metrics.RebuildsTotal.WithLabelValues("ok").Inc()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			metrics.RebuildsTotal.WithLabelValues("cancelled").Inc()
		default:
			metrics.RebuildsTotal.WithLabelValues("error").Inc()
		}
	}()

	images, err := g.Images(ctx)
	if err != nil {
		return Result{}, err
	}

	prev := c.Snapshot()
	c.mu.Lock()
	consumed := make(map[string]struct{}, len(c.invalidated))
	for id := range c.invalidated {
		consumed[id] = struct{}{}
	}
	c.mu.Unlock()

	entries := make([]Entry, 0, len(images))
	present := make(map[string]struct{}, len(images))
	var jobs []embedJob
	retry := make(map[string]struct{})

	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		present[img.ID] = struct{}{}

		var old *Entry
		if e, ok := prev.Entry(img.ID); ok {
			old = &e
		}

		hash, herr := gallery.HashFile(img.Path)
		if herr != nil {
			log.Warn().Err(facerr.GalleryIO("facecache.hash", img.ID, herr)).Msg("skipping unreadable image")
			res.Failed++
			if old != nil {
				entries = append(entries, *old)
			}
			continue
		}

		_, invalid := consumed[img.ID]
		if old == nil || old.Hash != hash || invalid {
			jobs = append(jobs, embedJob{img: img, hash: hash, prev: old})
			continue
		}

		e := *old
		modTime := img.ModTime.UTC()
		if e.Person != img.Person || e.Seq != img.Seq {
			e.Person, e.Seq = img.Person, img.Seq
			res.Moved++
		} else {
			res.Unchanged++
		}
		e.ModTime = modTime
		entries = append(entries, e)
	}

	for _, e := range prev.Entries() {
		if _, ok := present[e.ImageID]; !ok {
			res.Removed++
		}
	}

	embedded, failed, err := c.embedAll(ctx, g, jobs, o)
	if err != nil {
		log.Info().Err(err).Int("pending", len(jobs)).Msg("rebuild interrupted, keeping previous snapshot")
		return Result{}, err
	}
	for i, j := range jobs {
		if e := embedded[i]; e != nil {
			entries = append(entries, *e)
			res.Updated++
			continue
		}
		res.Failed++
		if failed[i] && j.prev != nil {
			// Keep serving the old embeddings until a retry succeeds.
			entries = append(entries, *j.prev)
			retry[j.img.ID] = struct{}{}
		}
	}

	next := newSnapshot(c.userID, entries, time.Now())
	res.Faces = len(next.Refs())

	if err := c.persist(ctx, next.Entries()); err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	c.discarded = false
	for id := range consumed {
		if _, again := retry[id]; !again {
			delete(c.invalidated, id)
		}
	}
	c.mu.Unlock()

	c.snap.Store(next)
	metrics.CacheFaces.Set(float64(res.Faces))
	metrics.RebuildImages.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.RebuildImages.WithLabelValues("removed").Add(float64(res.Removed))
	metrics.RebuildImages.WithLabelValues("moved").Add(float64(res.Moved))
	metrics.RebuildImages.WithLabelValues("unchanged").Add(float64(res.Unchanged))
	metrics.RebuildImages.WithLabelValues("failed").Add(float64(res.Failed))

	log.Info().
		Int("updated", res.Updated).
		Int("removed", res.Removed).
		Int("moved", res.Moved).
		Int("unchanged", res.Unchanged).
		Int("failed", res.Failed).
		Int("faces", res.Faces).
		Dur("took", time.Since(start)).
		Msg("encoding cache rebuilt")
	return res, nil
}

// persist writes the document unless the store still holds a byte-identical
// copy.
func (c *Cache) persist(ctx context.Context, entries []Entry) error {
	data, err := encodeDocument(c.userID, entries)
	if err != nil {
		return facerr.CacheWrite("facecache.encode", err)
	}
	sum := sha256.Sum256(data)

	c.mu.Lock()
	same := c.persisted && sum == c.docSum
	c.mu.Unlock()
	if same && c.storedSumIs(ctx, sum) {
		return nil
	}

	if err := c.store.Save(ctx, c.userID, data); err != nil {
		return facerr.CacheWrite("facecache.save", err)
	}
	c.mu.Lock()
	c.docSum = sum
	c.persisted = true
	c.mu.Unlock()
	return nil
}

// storedSumIs reports whether the store's current document hashes to sum.
// A document removed or replaced behind the cache's back gets rewritten.
func (c *Cache) storedSumIs(ctx context.Context, sum [sha256.Size]byte) bool {
	data, err := c.store.Load(ctx, c.userID)
	return err == nil && sha256.Sum256(data) == sum
}

// embedAll runs the embedder over jobs with bounded concurrency. A nil
// result means the image was skipped; failed[i] is set when a retry might
// succeed. Only cancellation of ctx is returned as an error.
func (c *Cache) embedAll(ctx context.Context, g Gallery, jobs []embedJob, o rebuildOptions) ([]*Entry, []bool, error) {
	out := make([]*Entry, len(jobs))
	failed := make([]bool, len(jobs))
	if len(jobs) == 0 {
		return out, failed, nil
	}

	var done atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.concurrency)
	for i, job := range jobs {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			e, err := c.embedOne(egCtx, g, job)
			if egCtx.Err() != nil {
				return egCtx.Err()
			}
			if err != nil {
				logging.Ctx(ctx).Warn().Err(err).Str("user", c.userID).Str("image", job.img.ID).
					Msg("skipping image")
				failed[i] = true
			} else {
				out[i] = e
			}
			if o.progress != nil {
				o.progress(Progress{Done: int(done.Add(1)), Total: len(jobs), ImageID: job.img.ID})
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return out, failed, nil
}

func (c *Cache) embedOne(ctx context.Context, g Gallery, job embedJob) (*Entry, error) {
	data, err := g.ReadImage(job.img)
	if err != nil {
		return nil, err
	}
	prep, err := imageutil.Prepare(data, c.maxImageSize)
	if err != nil {
		return nil, facerr.GalleryIO("facecache.decode", job.img.ID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.imageTimeout)
	defer cancel()
	result, err := c.emb.EmbedFaces(callCtx, prep.Data)
	if err != nil {
		if facerr.KindOf(err) == facerr.KindUnknown {
			err = facerr.Embedder("facecache.embed", err)
		}
		return nil, err
	}

	e := &Entry{
		Person:  job.img.Person,
		ImageID: job.img.ID,
		Seq:     job.img.Seq,
		Hash:    job.hash,
		ModTime: job.img.ModTime.UTC(),
	}
	for _, f := range result.Faces {
		if len(f.Embedding) == 0 {
			continue
		}
		e.Faces = append(e.Faces, Face{
			Index:     f.Index,
			Embedding: f.Embedding,
			BBox:      imageutil.ScaleBBox(f.BBox, prep),
			DetScore:  f.DetScore,
		})
	}
	if len(e.Faces) == 0 {
		logging.Ctx(ctx).Info().Str("user", c.userID).Str("image", job.img.ID).Str("person", job.img.Person).
			Msg("no usable face in reference image")
	}
	return e, nil
}
