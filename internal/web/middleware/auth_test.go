package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbmock "github.com/kozaktomas/facegallery/internal/database/mock"
)

func newTestManager(t *testing.T) *SessionManager {
	t.Helper()
	sm := NewSessionManager("test-secret", nil)
	t.Cleanup(sm.Stop)
	return sm
}

func mustSession(t *testing.T, sm *SessionManager, userID string) *Session {
	t.Helper()
	s, err := sm.CreateSession(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func findCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestNewSessionManager_GeneratesSecret(t *testing.T) {
	a := NewSessionManager("", nil)
	t.Cleanup(a.Stop)
	b := NewSessionManager("", nil)
	t.Cleanup(b.Stop)

	require.NotEmpty(t, a.secret)
	assert.NotEqual(t, a.secret, b.secret)
}

func TestSessionManager_Lifecycle(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	s := mustSession(t, sm, "user-1")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "user-1", s.UserID)
	assert.True(t, s.ExpiresAt.After(time.Now()))

	got := sm.GetSession(ctx, s.ID)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	assert.Nil(t, sm.GetSession(ctx, "nonexistent-id"))

	sm.DeleteSession(ctx, s.ID)
	assert.Nil(t, sm.GetSession(ctx, s.ID))
}

func TestSessionManager_ExpiredSessionIsEvicted(t *testing.T) {
	sm := newTestManager(t)
	ctx := context.Background()

	s := mustSession(t, sm, "user-1")
	s.ExpiresAt = time.Now().Add(-time.Minute)

	assert.Nil(t, sm.GetSession(ctx, s.ID))
	assert.NotContains(t, sm.sessions, s.ID)
}

func TestSessionManager_SurvivesRestartWithStore(t *testing.T) {
	store := dbmock.NewMockSessionStore()
	ctx := context.Background()

	first := NewSessionManager("test-secret", store)
	t.Cleanup(first.Stop)
	s := mustSession(t, first, "user-1")

	second := NewSessionManager("test-secret", store)
	t.Cleanup(second.Stop)
	restored := second.GetSession(ctx, s.ID)
	require.NotNil(t, restored)
	assert.Equal(t, "user-1", restored.UserID)

	second.DeleteSession(ctx, s.ID)
	stored, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSessionManager_StoreSaveError(t *testing.T) {
	store := dbmock.NewMockSessionStore()
	store.SaveError = context.DeadlineExceeded
	sm := NewSessionManager("test-secret", store)
	t.Cleanup(sm.Stop)

	_, err := sm.CreateSession(context.Background(), "user-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, sm.sessions)
}

func TestSessionManager_CookieRoundTrip(t *testing.T) {
	sm := newTestManager(t)
	s := mustSession(t, sm, "user-1")

	w := httptest.NewRecorder()
	sm.SetSessionCookie(w, httptest.NewRequest(http.MethodGet, "/", nil), s)
	c := findCookie(t, w)
	assert.True(t, c.HttpOnly)
	assert.False(t, c.Secure, "plain http request")
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	got := sm.GetSessionFromRequest(req)
	require.NotNil(t, got)
	assert.Equal(t, s.ID, got.ID)
}

func TestSessionManager_RejectsTamperedCookie(t *testing.T) {
	sm := newTestManager(t)
	s := mustSession(t, sm, "user-1")
	other := NewSessionManager("other-secret", nil)
	t.Cleanup(other.Stop)

	for name, value := range map[string]string{
		"bad signature":   s.ID + ".invalid-signature",
		"unknown session": "invalid-session." + sm.sign("invalid-session"),
		"no signature":    s.ID,
		"foreign secret":  s.ID + "." + other.sign(s.ID),
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: value})
			assert.Nil(t, sm.GetSessionFromRequest(req))
		})
	}
}

func TestSessionManager_BearerToken(t *testing.T) {
	sm := newTestManager(t)
	s := mustSession(t, sm, "user-1")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+s.ID)
	got := sm.GetSessionFromRequest(req)
	require.NotNil(t, got)
	assert.Equal(t, s.ID, got.ID)

	req.Header.Set("Authorization", "Bearer ")
	assert.Nil(t, sm.GetSessionFromRequest(req))
}

func TestSessionManager_ClearSessionCookie(t *testing.T) {
	sm := newTestManager(t)
	w := httptest.NewRecorder()
	sm.ClearSessionCookie(w)

	c := findCookie(t, w)
	assert.Equal(t, -1, c.MaxAge)
	assert.Empty(t, c.Value)
}

func TestRequireAuth(t *testing.T) {
	sm := newTestManager(t)
	s := mustSession(t, sm, "user-1")

	var seen string
	h := RequireAuth(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid session", func(t *testing.T) {
		seen = ""
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+s.ID)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-1", seen)
	})

	t.Run("no session", func(t *testing.T) {
		seen = ""
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
		assert.Empty(t, seen)
	})
}

func TestSessionContext(t *testing.T) {
	ctx := SetSessionInContext(context.Background(), &Session{ID: "test123", UserID: "user-9"})

	got := GetSessionFromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "test123", got.ID)
	assert.Equal(t, "user-9", UserIDFromContext(ctx))

	assert.Nil(t, GetSessionFromContext(context.Background()))
	assert.Empty(t, UserIDFromContext(context.Background()))
}
