package facecache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/facegallery/internal/embedder/mock"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/gallery"
)

type fixture struct {
	gal   *gallery.Store
	emb   *mock.Embedder
	store *FileStore
	dir   string
}

func newFixture(t *testing.T, userID string) *fixture {
	t.Helper()
	root := t.TempDir()
	gal, err := gallery.Open(filepath.Join(root, "gallery"), userID)
	require.NoError(t, err)
	dir := filepath.Join(root, "cache")
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	return &fixture{gal: gal, emb: mock.New(), store: store, dir: dir}
}

func (f *fixture) cache() *Cache {
	return New(Options{UserID: f.gal.UserID(), Store: f.store, Embedder: f.emb, Concurrency: 2})
}

func (f *fixture) add(t *testing.T, person string, shade uint8, vectors ...[]float32) gallery.ImageRecord {
	t.Helper()
	f.emb.Set(shade, vectors...)
	rec, err := f.gal.AddImage(context.Background(), person, mock.PNG(shade))
	require.NoError(t, err)
	return rec
}

func (f *fixture) document(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, f.gal.UserID()+".gob"))
	require.NoError(t, err)
	return data
}

func TestRebuild_SecondRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.add(t, "Ada", 10, []float32{1, 0, 0})
	f.add(t, "Bob", 20, []float32{0, 1, 0}, []float32{0, 0, 1})
	c := f.cache()

	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, Result{Updated: 2, Faces: 3}, res)
	assert.Equal(t, 2, f.emb.Calls())
	first := f.document(t)

	res, err = c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, Result{Unchanged: 2, Faces: 3}, res)
	assert.Equal(t, 2, f.emb.Calls(), "no recomputation on the second run")
	assert.Equal(t, first, f.document(t))

	// A fresh process loading the document behaves the same way.
	reloaded := f.cache()
	require.NoError(t, reloaded.Load(ctx))
	res, err = reloaded.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Unchanged)
	assert.Equal(t, 2, f.emb.Calls())
	assert.Equal(t, first, f.document(t))
}

func TestRebuild_AddingImageAddsItsFaces(t *testing.T) {
	tests := []struct {
		name  string
		faces int
	}{
		{"no faces", 0},
		{"one face", 1},
		{"three faces", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, "alice")
			f.add(t, "Ada", 10, []float32{1, 0})
			c := f.cache()
			_, err := c.Rebuild(ctx, f.gal)
			require.NoError(t, err)
			before := len(c.Snapshot().Refs())

			vectors := make([][]float32, tt.faces)
			for i := range vectors {
				vectors[i] = []float32{float32(i + 1), 1}
			}
			rec := f.add(t, "Bob", 30, vectors...)

			res, err := c.Rebuild(ctx, f.gal)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Updated)
			assert.Equal(t, before+tt.faces, len(c.Snapshot().Refs()))

			e, ok := c.Snapshot().Entry(rec.ID)
			require.True(t, ok, "zero-face images are still recorded")
			assert.Len(t, e.Faces, tt.faces)
		})
	}
}

func TestRebuild_RemovingImagePurgesOnlyItsEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	keep := f.add(t, "Ada", 10, []float32{1, 0})
	gone := f.add(t, "Ada", 11, []float32{0, 1}, []float32{1, 1})
	c := f.cache()
	_, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)

	require.NoError(t, f.gal.RemoveImage(ctx, gone.ID))
	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, Result{Removed: 1, Unchanged: 1, Faces: 1}, res)

	s := c.Snapshot()
	_, ok := s.Entry(gone.ID)
	assert.False(t, ok)
	for _, r := range s.Refs() {
		assert.Equal(t, keep.ID, r.ImageID)
	}
}

func TestRebuild_ChangedContentIsRecomputed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	rec := f.add(t, "Ada", 10, []float32{1, 0})
	other := f.add(t, "Bob", 20, []float32{0, 1})
	c := f.cache()
	_, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)

	stale, err := c.IsStale(ctx, rec)
	require.NoError(t, err)
	assert.False(t, stale)

	f.emb.Set(12, []float32{0.5, 0.5})
	require.NoError(t, os.WriteFile(rec.Path, mock.PNG(12), 0o600))
	stale, err = c.IsStale(ctx, rec)
	require.NoError(t, err)
	assert.True(t, stale)

	f.emb.ResetCalls()
	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, f.emb.Calls())

	e, _ := c.Snapshot().Entry(rec.ID)
	assert.Equal(t, []float32{0.5, 0.5}, e.Faces[0].Embedding)
	_, ok := c.Snapshot().Entry(other.ID)
	assert.True(t, ok)
}

func TestRebuild_MoveRekeysWithoutEmbedding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	rec := f.add(t, "Ada", 10, []float32{1, 0})
	c := f.cache()
	_, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)

	_, err = f.gal.MoveImage(ctx, rec.ID, "Grace")
	require.NoError(t, err)
	f.emb.ResetCalls()

	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
	assert.Zero(t, f.emb.Calls())
	assert.Equal(t, "Grace", c.Snapshot().Refs()[0].Person)
}

func TestInvalidate_RecomputesOnlyListedImages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	a := f.add(t, "Ada", 10, []float32{1, 0})
	f.add(t, "Bob", 20, []float32{0, 1})
	c := f.cache()
	_, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)

	c.Invalidate(a.ID)
	stale, err := c.IsStale(ctx, a)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, 1, c.Stats().Invalidated)

	f.emb.ResetCalls()
	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, 1, f.emb.Calls())
	assert.Zero(t, c.Stats().Invalidated)
}

func TestRebuild_EmbedderFailureSkipsOnlyThatImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	bad := f.add(t, "Ada", 10, []float32{1, 0})
	f.add(t, "Bob", 20, []float32{0, 1})
	f.emb.Fail(10, errors.New("model crashed"))
	c := f.cache()

	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Failed)
	_, ok := c.Snapshot().Entry(bad.ID)
	assert.False(t, ok)

	// The failed image is retried and picked up once the embedder recovers.
	f.emb.Set(10, []float32{1, 0})
	res, err = c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	_, ok = c.Snapshot().Entry(bad.ID)
	assert.True(t, ok)
}

func TestRebuild_FailedRecomputationKeepsOldEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	rec := f.add(t, "Ada", 10, []float32{1, 0})
	c := f.cache()
	_, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)

	c.Invalidate(rec.ID)
	f.emb.Fail(10, errors.New("unavailable"))
	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, c.Snapshot().Refs(), 1)
	assert.Equal(t, 1, c.Stats().Invalidated, "still marked for the next rebuild")
}

func TestRebuild_PerImageTimeoutDoesNotAbortRebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.add(t, "Ada", 10, []float32{1, 0})
	f.emb.Delay = time.Second
	c := New(Options{UserID: "alice", Store: f.store, Embedder: f.emb, ImageTimeout: 20 * time.Millisecond})

	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
}

type failingStore struct {
	DocumentStore
	err error
}

func (s failingStore) Save(context.Context, string, []byte) error { return s.err }

func TestRebuild_WriteFailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.add(t, "Ada", 10, []float32{1, 0})
	c := f.cache()
	_, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	before := c.Snapshot()
	doc := f.document(t)

	c.store = failingStore{DocumentStore: f.store, err: errors.New("disk full")}
	f.add(t, "Bob", 20, []float32{0, 1})

	_, err = c.Rebuild(ctx, f.gal)
	require.Error(t, err)
	assert.ErrorIs(t, err, facerr.ErrCacheWrite)
	assert.Same(t, before, c.Snapshot())
	assert.Equal(t, doc, f.document(t))
}

func TestRebuild_CancelledKeepsPreviousSnapshot(t *testing.T) {
	f := newFixture(t, "alice")
	f.add(t, "Ada", 10, []float32{1, 0})
	c := f.cache()
	_, err := c.Rebuild(context.Background(), f.gal)
	require.NoError(t, err)
	before := c.Snapshot()

	f.add(t, "Bob", 20, []float32{0, 1})
	f.emb.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = c.Rebuild(ctx, f.gal)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Same(t, before, c.Snapshot())
}

func TestRebuild_HeldSnapshotIsUnaffected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.add(t, "Ada", 10, []float32{1, 0})
	c := f.cache()
	_, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)

	held := c.Snapshot()
	f.add(t, "Bob", 20, []float32{0, 1})
	_, err = c.Rebuild(ctx, f.gal)
	require.NoError(t, err)

	assert.Len(t, held.Refs(), 1)
	assert.Len(t, c.Snapshot().Refs(), 2)
}

func TestRebuild_RejectsForeignGallery(t *testing.T) {
	f := newFixture(t, "alice")
	c := New(Options{UserID: "bob", Store: f.store, Embedder: f.emb})

	_, err := c.Rebuild(context.Background(), f.gal)
	assert.ErrorIs(t, err, ErrWrongUser)
}

func TestLoad_DiscardsUnusableDocuments(t *testing.T) {
	foreign, err := encodeDocument("bob", []Entry{{Person: "Eve", ImageID: "x", Hash: "h"}})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("this is not gob")},
		{"truncated", foreign[:len(foreign)/2]},
		{"other user", foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, "alice")
			rec := f.add(t, "Ada", 10, []float32{1, 0})
			require.NoError(t, f.store.Save(ctx, "alice", tt.data))

			c := f.cache()
			require.NoError(t, c.Load(ctx))
			assert.Zero(t, c.Snapshot().Len())
			assert.True(t, c.NeedsRebuild())
			assert.True(t, c.Stats().NeedsRebuild)

			res, err := c.Rebuild(ctx, f.gal)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Updated, "full rebuild after discarding")
			_, ok := c.Snapshot().Entry(rec.ID)
			assert.True(t, ok)
			assert.False(t, c.NeedsRebuild())

			require.NoError(t, f.cache().Load(ctx))
		})
	}
}

func TestLoad_VersionMismatchIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.add(t, "Ada", 10, []float32{1, 0})

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(document{
		Version: DocumentVersion + 1,
		UserID:  "alice",
		Entries: []Entry{{Person: "Ada", ImageID: "x", Hash: "h"}},
	}))
	_, err := decodeDocument(buf.Bytes(), "alice")
	require.ErrorIs(t, err, errVersionMismatch)

	require.NoError(t, f.store.Save(ctx, "alice", buf.Bytes()))
	c := f.cache()
	require.NoError(t, c.Load(ctx))
	assert.Zero(t, c.Snapshot().Len())

	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
}

func TestLoad_MissingDocumentIsEmpty(t *testing.T) {
	f := newFixture(t, "alice")
	c := f.cache()
	require.NoError(t, c.Load(context.Background()))
	assert.Zero(t, c.Snapshot().Len())
	assert.False(t, c.Stats().Persisted)
	assert.False(t, c.NeedsRebuild(), "nothing was discarded")
}

func TestRebuild_RewritesDeletedDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")
	f.add(t, "Ada", 10, []float32{1, 0})
	c := f.cache()
	_, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	doc := f.document(t)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "alice.gob")))
	res, err := c.Rebuild(ctx, f.gal)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, doc, f.document(t))
}

// enteredGallery closes entered once the first rebuild starts listing images.
type enteredGallery struct {
	Gallery
	once    sync.Once
	entered chan struct{}
}

func (g *enteredGallery) Images(ctx context.Context) ([]gallery.ImageRecord, error) {
	g.once.Do(func() { close(g.entered) })
	return g.Gallery.Images(ctx)
}

func TestRebuild_ConcurrentCallersKeepTheirOwnContext(t *testing.T) {
	f := newFixture(t, "alice")
	rec := f.add(t, "Ada", 10, []float32{1, 0})
	f.emb.Delay = 100 * time.Millisecond
	c := f.cache()
	g := &enteredGallery{Gallery: f.gal, entered: make(chan struct{})}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Rebuild(cancelCtx, g)
		firstErr <- err
	}()
	<-g.entered

	var progressed atomic.Int32
	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Rebuild(context.Background(), g, WithProgress(func(Progress) { progressed.Add(1) }))
		secondErr <- err
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-secondErr, "cancelling one caller must not fail the other")
	assert.Equal(t, int32(1), progressed.Load())
	_, ok := c.Snapshot().Entry(rec.ID)
	assert.True(t, ok)
}
