package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/database"
	dbmock "github.com/kozaktomas/facegallery/internal/database/mock"
	"github.com/kozaktomas/facegallery/internal/embedder/mock"
	"github.com/kozaktomas/facegallery/internal/facecache"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/gallery"
	"github.com/kozaktomas/facegallery/internal/recognition"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

type recorder struct {
	mu    sync.Mutex
	users []string
}

func (r *recorder) Schedule(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return true
}

type fixture struct {
	db      *dbmock.MockBackend
	emb     *mock.Embedder
	manager *workspace.Manager
	sched   *recorder
	ledger  *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := facecache.NewFileStore(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	f := &fixture{db: dbmock.NewMockBackend(), emb: mock.New(), sched: &recorder{}}
	f.manager = workspace.NewManager(workspace.Options{
		GalleryRoot: filepath.Join(dir, "gallery"), Store: store, Embedder: f.emb,
	})
	f.ledger = New(f.db, f.manager, f.sched)
	return f
}

func (f *fixture) enroll(t *testing.T, userID, person string, shade uint8, vec []float32) gallery.ImageRecord {
	t.Helper()
	ws, err := f.manager.Get(context.Background(), userID)
	require.NoError(t, err)
	f.emb.Set(shade, vec)
	rec, err := ws.Gallery.AddImage(context.Background(), person, mock.PNG(shade))
	require.NoError(t, err)
	return rec
}

func result(person, imageID string) recognition.MatchResult {
	return recognition.MatchResult{
		FaceIndex: 0, BBox: []float64{1, 2, 3, 4}, Person: person, Known: person != "unknown",
		ImageID: imageID, Distance: 0.2, Confidence: 0.86, Embedding: []float32{1, 0},
	}
}

func TestRecord_AppendsAndHistoryIsNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id1, err := f.ledger.Record(ctx, "alice", result("Ada", "img-1"), database.VerdictCorrect)
	require.NoError(t, err)
	id2, err := f.ledger.Record(ctx, "alice", result("unknown", ""), database.VerdictIncorrect)
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, "bob", result("Ada", "img-9"), database.VerdictCorrect)
	require.NoError(t, err)

	history, err := f.ledger.History(ctx, "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, id2, history[0].ID)
	assert.Equal(t, id1, history[1].ID)
	assert.Equal(t, database.VerdictCorrect, history[1].Verdict)
	assert.Equal(t, []float32{1, 0}, history[1].Embedding)
	assert.Equal(t, []float64{1, 2, 3, 4}, history[1].BBox)

	ada, err := f.ledger.History(ctx, "alice", "Ada", 0)
	require.NoError(t, err)
	require.Len(t, ada, 1)
	assert.Equal(t, id1, ada[0].ID)

	n, err := f.ledger.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecord_RejectsVerdicts(t *testing.T) {
	f := newFixture(t)
	for _, v := range []database.Verdict{database.VerdictRelabeled, "maybe", ""} {
		_, err := f.ledger.Record(context.Background(), "alice", result("Ada", "img-1"), v)
		assert.ErrorIs(t, err, ErrInvalidVerdict, string(v))
	}
	assert.Equal(t, 0, f.db.AppendCalls)
}

func TestRecord_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.db.AppendConfirmationError = errors.New("disk full")
	_, err := f.ledger.Record(context.Background(), "alice", result("Ada", "img-1"), database.VerdictCorrect)
	assert.Error(t, err)
}

func TestRelabel_MovesImageInvalidatesAndSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "alice", "Ada", 10, []float32{1, 0})
	wrong := f.enroll(t, "alice", "Bob", 20, []float32{0, 1})

	ws, err := f.manager.Get(ctx, "alice")
	require.NoError(t, err)
	_, err = ws.Rebuild(ctx)
	require.NoError(t, err)
	before := ws.Cache.Snapshot()

	id, err := f.ledger.Relabel(ctx, "alice", result("Bob", wrong.ID), "Ada")
	require.NoError(t, err)

	history, err := f.ledger.History(ctx, "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)
	assert.Equal(t, database.VerdictRelabeled, history[0].Verdict)
	assert.Equal(t, "Bob", history[0].Person)
	assert.Equal(t, "Ada", history[0].CorrectedPerson)

	moved, err := ws.Gallery.Image(ctx, wrong.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", moved.Person)

	stale, err := ws.Cache.IsStale(ctx, moved)
	require.NoError(t, err)
	assert.True(t, stale, "relabeled image is invalidated")
	assert.Equal(t, []string{"alice"}, f.sched.users)

	// The published snapshot is untouched until the rebuild runs.
	assert.Same(t, before, ws.Cache.Snapshot())

	_, err = ws.Rebuild(ctx)
	require.NoError(t, err)
	e, ok := ws.Cache.Snapshot().Entry(wrong.ID)
	require.True(t, ok)
	assert.Equal(t, "Ada", e.Person)
}

func TestRelabel_ImageGoneIsStaleSnapshotRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.enroll(t, "alice", "Bob", 20, []float32{0, 1})
	ws, err := f.manager.Get(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, ws.Gallery.RemoveImage(ctx, rec.ID))

	_, err = f.ledger.Relabel(ctx, "alice", result("Bob", rec.ID), "Ada")
	require.Error(t, err)
	assert.ErrorIs(t, err, facerr.ErrStaleSnapshotRace)
	assert.Equal(t, 0, f.db.AppendCalls)
	assert.Empty(t, f.sched.users)
}

func TestRelabel_WithoutReferenceOnlyRecords(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Relabel(context.Background(), "alice", result("unknown", ""), "  Ada  Lovelace ")
	require.NoError(t, err)

	history, err := f.ledger.History(context.Background(), "alice", "Ada Lovelace", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Empty(t, f.sched.users)
}

func TestRelabel_KeepReferenceLeavesGallery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ref := f.enroll(t, "alice", "Ada", 10, []float32{1, 0})

	_, err := f.ledger.Relabel(ctx, "alice", result("Ada", ref.ID), "Grace", KeepReference())
	require.NoError(t, err)

	history, err := f.ledger.History(ctx, "alice", "Grace", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ref.ID, history[0].ImageID)

	ws, err := f.manager.Get(ctx, "alice")
	require.NoError(t, err)
	still, err := ws.Gallery.Image(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", still.Person)
	assert.Empty(t, f.sched.users)
}

func TestRelabel_InvalidPerson(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"", "   ", "unknown", "Unknown"} {
		_, err := f.ledger.Relabel(context.Background(), "alice", result("Bob", ""), p)
		assert.ErrorIs(t, err, ErrInvalidPerson, p)
	}
}

func TestRecord_DoesNotAffectMatching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "alice", "Ada", 10, []float32{1, 0})
	ws, err := f.manager.Get(ctx, "alice")
	require.NoError(t, err)
	_, err = ws.Rebuild(ctx)
	require.NoError(t, err)

	engine, err := recognition.NewEngine(f.emb, recognition.Options{})
	require.NoError(t, err)
	f.emb.Set(200, []float32{1, 0.1})

	before, err := engine.Recognize(ctx, ws.Cache.Snapshot(), mock.PNG(200))
	require.NoError(t, err)
	require.Len(t, before, 1)

	_, err = f.ledger.Record(ctx, "alice", before[0], database.VerdictIncorrect)
	require.NoError(t, err)

	after, err := engine.Recognize(ctx, ws.Cache.Snapshot(), mock.PNG(200))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHistory_Limit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.ledger.Record(ctx, "alice", result("Ada", ""), database.VerdictCorrect)
		require.NoError(t, err)
	}
	got, err := f.ledger.History(ctx, "alice", "", 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestAll_IsUnbounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < constants.DefaultHistoryLimit+5; i++ {
		_, err := f.ledger.Record(ctx, "alice", result("Ada", ""), database.VerdictCorrect)
		require.NoError(t, err)
	}
	got, err := f.ledger.All(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, got, constants.DefaultHistoryLimit+5)

	history, err := f.ledger.History(ctx, "alice", "", 0)
	require.NoError(t, err)
	assert.Len(t, history, constants.DefaultHistoryLimit)
}
