package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/logging"
)

const (
	sessionCookieName = "facegallery_session"
	sessionDuration   = 24 * time.Hour
	cleanupInterval   = time.Hour
)

// Session represents a user session
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionManager handles session creation and validation. Sessions are
// cached in memory and, when a store is given, persisted so they survive
// restarts.
type SessionManager struct {
	secret   []byte
	store    database.SessionStore
	sessions map[string]*Session
	mu       sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionManager creates a new session manager. store may be nil.
func NewSessionManager(secret string, store database.SessionStore) *SessionManager {
	if secret == "" {
		// Sessions will not survive a restart without a configured secret.
		random := make([]byte, 32)
		_, _ = rand.Read(random)
		secret = base64.RawURLEncoding.EncodeToString(random)
		logging.Warn().Msg("WEB_SESSION_SECRET not set, using a random secret")
	}
	sm := &SessionManager{
		secret:   []byte(secret),
		store:    store,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go sm.cleanupLoop()
	return sm
}

// Stop ends the background cleanup.
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stop) })
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case <-ticker.C:
			sm.cleanup()
		}
	}
}

func (sm *SessionManager) cleanup() {
	now := time.Now()
	sm.mu.Lock()
	for id, s := range sm.sessions {
		if now.After(s.ExpiresAt) {
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	if sm.store == nil {
		return
	}
	n, err := sm.store.DeleteExpired(context.Background())
	if err != nil {
		logging.Warn().Err(err).Msg("failed to delete expired sessions")
		return
	}
	if n > 0 {
		logging.Debug().Int64("count", n).Msg("deleted expired sessions")
	}
}

// CreateSession creates a new session for a user
func (sm *SessionManager) CreateSession(ctx context.Context, userID string) (*Session, error) {
	idBytes := make([]byte, 32)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}
	sessionID := base64.URLEncoding.EncodeToString(idBytes)

	now := time.Now()
	session := &Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionDuration),
	}

	if sm.store != nil {
		if err := sm.store.Save(ctx, database.StoredSession{
			ID: session.ID, UserID: userID, CreatedAt: session.CreatedAt, ExpiresAt: session.ExpiresAt,
		}); err != nil {
			return nil, err
		}
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by ID
func (sm *SessionManager) GetSession(ctx context.Context, sessionID string) *Session {
	sm.mu.RLock()
	session, ok := sm.sessions[sessionID]
	sm.mu.RUnlock()

	if ok {
		if time.Now().After(session.ExpiresAt) {
			sm.DeleteSession(ctx, sessionID)
			return nil
		}
		return session
	}

	if sm.store == nil {
		return nil
	}
	stored, err := sm.store.Get(ctx, sessionID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to load session")
		return nil
	}
	if stored == nil {
		return nil
	}
	session = &Session{
		ID:        stored.ID,
		UserID:    stored.UserID,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}
	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()
	return session
}

// DeleteSession removes a session
func (sm *SessionManager) DeleteSession(ctx context.Context, sessionID string) {
	sm.mu.Lock()
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if sm.store != nil {
		if err := sm.store.Delete(ctx, sessionID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to delete session")
		}
	}
}

func (sm *SessionManager) cookie(value string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

// SetSessionCookie writes "<id>.<hmac>" so a cookie cannot name a session
// the server did not issue.
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, r *http.Request, session *Session) {
	value := session.ID + "." + sm.sign(session.ID)
	http.SetCookie(w, sm.cookie(value, int(sessionDuration.Seconds()), r.TLS != nil))
}

func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie("", -1, false))
}

// GetSessionFromRequest resolves the session from the signed cookie, then
// from an "Authorization: Bearer <id>" header.
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) *Session {
	if id, ok := sm.cookieSessionID(r); ok {
		if s := sm.GetSession(r.Context(), id); s != nil {
			return s
		}
	}
	if id, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && id != "" {
		return sm.GetSession(r.Context(), id)
	}
	return nil
}

func (sm *SessionManager) cookieSessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	id, sig, ok := strings.Cut(c.Value, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(sm.sign(id))) {
		return "", false
	}
	return id, true
}

func (sm *SessionManager) sign(id string) string {
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(id))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
