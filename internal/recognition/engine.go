// Package recognition matches the faces of a query photo against a user's
// encoding cache snapshot.
package recognition

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/embedder"
	"github.com/kozaktomas/facegallery/internal/facecache"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/imageutil"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/metrics"
)

// MatchResult is the verdict for one detected face.
type MatchResult struct {
	FaceIndex  int       `json:"face_index"`
	BBox       []float64 `json:"bbox"`     // [x1, y1, x2, y2] in upright original pixels
	BBoxRel    []float64 `json:"bbox_rel"` // the same box relative to width and height (0-1)
	Person     string    `json:"person"`
	Known      bool      `json:"known"`
	ImageID    string    `json:"image_id,omitempty"` // nearest reference image
	Distance   float64   `json:"distance"`
	Confidence float64   `json:"confidence"`
	DetScore   float64   `json:"det_score"`
	Embedding  []float32 `json:"-"`
}

// Candidate is one person considered for a face.
type Candidate struct {
	Person     string  `json:"person"`
	ImageID    string  `json:"image_id"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	Match      bool    `json:"match"` // within the threshold
}

// FaceCandidates lists the closest people for one detected face.
type FaceCandidates struct {
	FaceIndex  int         `json:"face_index"`
	BBox       []float64   `json:"bbox"`
	BBoxRel    []float64   `json:"bbox_rel"`
	DetScore   float64     `json:"det_score"`
	Candidates []Candidate `json:"candidates"`
}

// Options configures an Engine.
type Options struct {
	Threshold    float64       // maximum distance for a match, (0, 2]
	MaxImageSize int           // longest side sent to the embedder
	Timeout      time.Duration // per query embedder call
}

// Engine runs recognition. It holds no per-user state; the snapshot passed
// to each call decides whose gallery is searched.
type Engine struct {
	emb          embedder.Embedder
	threshold    float64
	maxImageSize int
	timeout      time.Duration
}

// NewEngine validates the threshold and returns an engine.
func NewEngine(emb embedder.Embedder, opts Options) (*Engine, error) {
	if opts.Threshold == 0 {
		opts.Threshold = constants.DefaultDistanceThreshold
	}
	if opts.Threshold < 0 || opts.Threshold > constants.MaxDistanceThreshold {
		return nil, facerr.Configuration("recognition.new_engine",
			fmt.Errorf("threshold %.3f outside (0, %.1f]", opts.Threshold, constants.MaxDistanceThreshold))
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = constants.MaxImageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultEmbedderTimeout
	}
	return &Engine{emb: emb, threshold: opts.Threshold, maxImageSize: opts.MaxImageSize, timeout: opts.Timeout}, nil
}

// Threshold returns the distance threshold in use.
func (e *Engine) Threshold() float64 { return e.threshold }

type queryFace struct {
	index     int
	bbox      []float64
	bboxRel   []float64
	detScore  float64
	embedding []float32
}

// detect normalizes orientation, embeds the query and maps boxes back onto
// the upright original.
func (e *Engine) detect(ctx context.Context, imageData []byte) ([]queryFace, error) {
	prep, err := imageutil.Prepare(imageData, e.maxImageSize)
	if err != nil {
		return nil, facerr.GalleryIO("recognition.decode", "query", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	res, err := e.emb.EmbedFaces(callCtx, prep.Data)
	if err != nil {
		if facerr.KindOf(err) == facerr.KindUnknown {
			err = facerr.Embedder("recognition.embed", err)
		}
		return nil, err
	}

	faces := make([]queryFace, 0, len(res.Faces))
	for _, f := range res.Faces {
		if len(f.Embedding) == 0 {
			logging.Ctx(ctx).Debug().Int("face", f.Index).Msg("skipping face without embedding")
			metrics.RecognizedFaces.WithLabelValues("skipped").Inc()
			continue
		}
		bbox := imageutil.ScaleBBox(f.BBox, prep)
		faces = append(faces, queryFace{
			index:     f.Index,
			bbox:      bbox,
			bboxRel:   imageutil.ConvertPixelBBoxToRelative(bbox, prep.Width, prep.Height),
			detScore:  f.DetScore,
			embedding: f.Embedding,
		})
	}
	return faces, nil
}

// Recognize matches every face of the query against snap. Results keep
// detection order. A photo without faces yields an empty list.
func (e *Engine) Recognize(ctx context.Context, snap *facecache.Snapshot, imageData []byte) ([]MatchResult, error) {
	faces, err := e.detect(ctx, imageData)
	if err != nil {
		return nil, err
	}

	refs := snap.Refs()
	results := make([]MatchResult, 0, len(faces))
	for _, f := range faces {
		r := MatchResult{
			FaceIndex: f.index,
			BBox:      f.bbox,
			BBoxRel:   f.bboxRel,
			Person:    constants.UnknownPerson,
			Distance:  constants.MaxDistanceThreshold,
			DetScore:  f.detScore,
			Embedding: f.embedding,
		}
		if best, d, ok := nearest(refs, f.embedding); ok {
			r.ImageID = best.ImageID
			r.Distance = d
			if d <= e.threshold {
				r.Person = best.Person
				r.Known = true
			}
		}
		r.Confidence = Confidence(r.Distance, e.threshold)

		if r.Known {
			metrics.RecognizedFaces.WithLabelValues("known").Inc()
		} else {
			metrics.RecognizedFaces.WithLabelValues("unknown").Inc()
		}
		results = append(results, r)
	}

	logging.Ctx(ctx).Debug().Str("user", snap.UserID()).Int("faces", len(results)).Int("refs", len(refs)).
		Msg("recognized query")
	return results, nil
}

// nearest scans every reference. refs are ordered by enrollment sequence
// and face index, so the strict comparison resolves ties to the earliest
// enrolled reference.
func nearest(refs []facecache.Ref, query []float32) (facecache.Ref, float64, bool) {
	var (
		best  facecache.Ref
		bestD float64
		found bool
	)
	for _, r := range refs {
		d := CosineDistance(query, r.Embedding)
		if !found || d < bestD {
			best, bestD, found = r, d, true
		}
	}
	return best, bestD, found
}

// Candidates returns, per face, the topN closest distinct people. An HNSW
// index over the snapshot narrows the search; distances are exact.
func (e *Engine) Candidates(ctx context.Context, snap *facecache.Snapshot, imageData []byte, topN int) ([]FaceCandidates, error) {
	if topN <= 0 {
		topN = constants.DefaultCandidateCount
	}
	faces, err := e.detect(ctx, imageData)
	if err != nil {
		return nil, err
	}

	out := make([]FaceCandidates, 0, len(faces))
	for _, f := range faces {
		out = append(out, FaceCandidates{
			FaceIndex:  f.index,
			BBox:       f.bbox,
			BBoxRel:    f.bboxRel,
			DetScore:   f.detScore,
			Candidates: e.rank(snap, f.embedding, topN),
		})
	}
	return out, nil
}

func (e *Engine) rank(snap *facecache.Snapshot, query []float32, topN int) []Candidate {
	refs := snap.Refs()
	pool := refs
	if k := topN * constants.HNSWSearchMultiplier; len(refs) > constants.HNSWEfSearch && k < len(refs) {
		if near := snap.Nearest(query, k); len(near) > 0 {
			pool = near
		}
	}

	type scored struct {
		ref facecache.Ref
		d   float64
	}
	best := make(map[string]scored)
	for _, r := range pool {
		d := CosineDistance(query, r.Embedding)
		cur, ok := best[r.Person]
		if !ok || d < cur.d || (d == cur.d && r.Seq < cur.ref.Seq) {
			best[r.Person] = scored{ref: r, d: d}
		}
	}

	ranked := make([]scored, 0, len(best))
	for _, s := range best {
		ranked = append(ranked, s)
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		return cmp.Or(cmp.Compare(a.d, b.d), cmp.Compare(a.ref.Seq, b.ref.Seq), cmp.Compare(a.ref.FaceIndex, b.ref.FaceIndex))
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}

	cands := make([]Candidate, len(ranked))
	for i, s := range ranked {
		cands[i] = Candidate{
			Person:     s.ref.Person,
			ImageID:    s.ref.ImageID,
			Distance:   s.d,
			Confidence: Confidence(s.d, e.threshold),
			Match:      s.d <= e.threshold,
		}
	}
	return cands
}
