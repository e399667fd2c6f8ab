// Package dbtest holds the behaviour every database.Backend must share.
// Backend packages run it against their own store.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/facegallery/internal/database"
)

// Run exercises b. The backend must be freshly migrated and empty.
func Run(t *testing.T, b database.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("Accounts", func(t *testing.T) { testAccounts(ctx, t, b) })
	t.Run("Confirmations", func(t *testing.T) { testConfirmations(ctx, t, b) })
	t.Run("Sessions", func(t *testing.T) { testSessions(ctx, t, b) })
	t.Run("Ping", func(t *testing.T) { assert.NoError(t, b.Ping(ctx)) })
}

func testAccounts(ctx context.Context, t *testing.T, b database.Backend) {
	created := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	a := &database.Account{ID: "u-alice", Username: "alice", PasswordHash: "$2a$12$hash", CreatedAt: created}
	require.NoError(t, b.CreateAccount(ctx, a))

	got, err := b.AccountByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-alice", got.ID)
	assert.Equal(t, "$2a$12$hash", got.PasswordHash)
	assert.True(t, created.Equal(got.CreatedAt), "created_at %v", got.CreatedAt)

	got, err = b.AccountByID(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	err = b.CreateAccount(ctx, &database.Account{ID: "u-other", Username: "alice", PasswordHash: "x"})
	assert.True(t, errors.Is(err, database.ErrDuplicate), "got %v", err)

	_, err = b.AccountByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = b.AccountByID(ctx, "u-nobody")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func testConfirmations(ctx context.Context, t *testing.T, b database.Backend) {
	for _, id := range []string{"u-c1", "u-c2"} {
		require.NoError(t, b.CreateAccount(ctx, &database.Account{ID: id, Username: "user_" + id[2:], PasswordHash: "x"}))
	}

	emb := []float32{0.25, -0.5, 1, 0}
	records := []database.Confirmation{
		{Person: "alice", ImageID: "img-1", Verdict: database.VerdictCorrect, Distance: 0.1, Confidence: 0.96, Embedding: emb},
		{Person: "unknown", Verdict: database.VerdictIncorrect, Distance: 2},
		{Person: "bob", ImageID: "img-2", Verdict: database.VerdictRelabeled, CorrectedPerson: "alice", Distance: 0.3, Confidence: 0.74},
		{Person: "bob", ImageID: "img-3", Verdict: database.VerdictCorrect, Distance: 0.2, Confidence: 0.86},
	}
	for i := range records {
		c := records[i]
		c.ID = fmt.Sprintf("conf-%d", i)
		c.UserID = "u-c1"
		c.FaceIndex = i
		c.BBox = []float64{float64(i), 1.5, 10, 20}
		require.NoError(t, b.AppendConfirmation(ctx, &c))
	}
	require.NoError(t, b.AppendConfirmation(ctx, &database.Confirmation{
		ID: "conf-other", UserID: "u-c2", Person: "alice", Verdict: database.VerdictCorrect,
	}))

	all, err := b.Confirmations(ctx, "u-c1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	// Newest first.
	assert.Equal(t, []string{"conf-3", "conf-2", "conf-1", "conf-0"}, ids(all))

	first := all[3]
	assert.Equal(t, "alice", first.Person)
	assert.Equal(t, "img-1", first.ImageID)
	assert.Equal(t, database.VerdictCorrect, first.Verdict)
	assert.Equal(t, []float64{0, 1.5, 10, 20}, first.BBox)
	assert.InDeltaSlice(t, emb, first.Embedding, 1e-6)
	assert.InDelta(t, 0.96, first.Confidence, 1e-9)
	assert.False(t, first.CreatedAt.IsZero())

	assert.Empty(t, all[2].ImageID)
	assert.Empty(t, all[2].Embedding)
	assert.Equal(t, "alice", all[1].CorrectedPerson)

	alice, err := b.Confirmations(ctx, "u-c1", "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"conf-2", "conf-0"}, ids(alice))

	limited, err := b.Confirmations(ctx, "u-c1", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"conf-3", "conf-2"}, ids(limited))

	other, err := b.Confirmations(ctx, "u-c2", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"conf-other"}, ids(other))

	n, err := b.CountConfirmations(ctx, "u-c1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	none, err := b.Confirmations(ctx, "u-none", "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSessions(ctx context.Context, t *testing.T, b database.Backend) {
	store := b.Sessions()
	now := time.Now().UTC()

	live := database.StoredSession{ID: "s-live", UserID: "u-alice", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	expired := database.StoredSession{ID: "s-old", UserID: "u-alice", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, store.Save(ctx, live))
	require.NoError(t, store.Save(ctx, expired))

	got, err := store.Get(ctx, "s-live")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u-alice", got.UserID)

	got, err = store.Get(ctx, "s-old")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Get(ctx, "s-missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Saving again replaces the row.
	live.UserID = "u-bob"
	require.NoError(t, store.Save(ctx, live))
	got, err = store.Get(ctx, "s-live")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u-bob", got.UserID)

	n, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.Delete(ctx, "s-live"))
	got, err = store.Get(ctx, "s-live")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func ids(cs []database.Confirmation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
