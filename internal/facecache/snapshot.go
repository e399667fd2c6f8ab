package facecache

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/facegallery/internal/constants"
)

// Face is one embedded face of a reference image.
type Face struct {
	Index     int
	Embedding []float32
	BBox      []float64
	DetScore  float64
}

// Entry is the cached state of one reference image. Hash decides staleness;
// ModTime is informational.
type Entry struct {
	Person  string
	ImageID string
	Seq     uint64
	Hash    string
	ModTime time.Time
	Faces   []Face
}

// Ref is one reference embedding, owned by exactly one (person, image, face index).
type Ref struct {
	Person    string
	ImageID   string
	Seq       uint64
	FaceIndex int
	Embedding []float32
}

// Snapshot is an immutable view of a user's cache. Callers must not modify
// anything they get from it.
type Snapshot struct {
	userID  string
	builtAt time.Time
	entries []Entry // by Seq
	byID    map[string]int
	refs    []Ref // by Seq, then FaceIndex

	indexOnce sync.Once
	index     *hnsw.Graph[int]
	indexDim  int
}

func newSnapshot(userID string, entries []Entry, builtAt time.Time) *Snapshot {
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.Seq, b.Seq), cmp.Compare(a.ImageID, b.ImageID))
	})

	s := &Snapshot{
		userID:  userID,
		builtAt: builtAt,
		entries: entries,
		byID:    make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		s.byID[e.ImageID] = i
		for _, f := range e.Faces {
			if len(f.Embedding) == 0 {
				continue
			}
			s.refs = append(s.refs, Ref{
				Person:    e.Person,
				ImageID:   e.ImageID,
				Seq:       e.Seq,
				FaceIndex: f.Index,
				Embedding: f.Embedding,
			})
		}
	}
	slices.SortStableFunc(s.refs, func(a, b Ref) int {
		return cmp.Or(cmp.Compare(a.Seq, b.Seq), cmp.Compare(a.FaceIndex, b.FaceIndex))
	})
	return s
}

// UserID returns the owner of the snapshot.
func (s *Snapshot) UserID() string { return s.userID }

// BuiltAt returns when the snapshot was published.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Len returns the number of cached images.
func (s *Snapshot) Len() int { return len(s.entries) }

// Refs returns every reference embedding ordered by enrollment sequence,
// then face index. The slice is shared.
func (s *Snapshot) Refs() []Ref { return s.refs }

// Entries returns the cached images in enrollment order. The slice is shared.
func (s *Snapshot) Entries() []Entry { return s.entries }

// Entry returns the cached state of one image.
func (s *Snapshot) Entry(imageID string) (Entry, bool) {
	i, ok := s.byID[imageID]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// People returns the number of distinct people with at least one reference face.
func (s *Snapshot) People() int {
	seen := make(map[string]struct{})
	for _, r := range s.refs {
		seen[r.Person] = struct{}{}
	}
	return len(seen)
}

// Nearest returns up to k references close to query using an HNSW graph built
// on first use. Results are approximate and unordered by distance; callers
// re-rank. References whose dimension differs from the majority are not indexed.
func (s *Snapshot) Nearest(query []float32, k int) []Ref {
	s.indexOnce.Do(s.buildIndex)
	if s.index == nil || len(query) != s.indexDim || k <= 0 {
		return nil
	}
	nodes := s.index.Search(query, k)
	out := make([]Ref, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, s.refs[n.Key])
	}
	return out
}

func (s *Snapshot) buildIndex() {
	if len(s.refs) == 0 {
		return
	}
	dims := make(map[int]int)
	for _, r := range s.refs {
		dims[len(r.Embedding)]++
	}
	for d, n := range dims {
		if n > dims[s.indexDim] || (n == dims[s.indexDim] && d < s.indexDim) {
			s.indexDim = d
		}
	}

	g := hnsw.NewGraph[int]()
	g.M = constants.HNSWMaxNeighbors
	g.Ml = 1.0 / float64(constants.HNSWMaxNeighbors)
	g.EfSearch = constants.HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	for i, r := range s.refs {
		if len(r.Embedding) != s.indexDim {
			continue
		}
		g.Add(hnsw.MakeNode(i, r.Embedding))
	}
	s.index = g
}
