package handlers

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/facegallery/internal/recognition"
)

// defaultResultTTL bounds how long a recognition can be confirmed or relabeled.
const defaultResultTTL = 30 * time.Minute

type storedResults struct {
	userID    string
	results   []recognition.MatchResult
	expiresAt time.Time
}

// ResultStore keeps recent recognition results server-side so confirmations
// can reference them by id. Query embeddings never leave the server.
type ResultStore struct {
	ttl     time.Duration
	now     func() time.Time
	entries map[string]storedResults
	mu      sync.Mutex
}

// NewResultStore creates a result store. ttl <= 0 uses 30 minutes.
func NewResultStore(ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &ResultStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]storedResults),
	}
}

// Put stores results and returns their recognition id.
func (s *ResultStore) Put(userID string, results []recognition.MatchResult) string {
	id := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[id] = storedResults{userID: userID, results: results, expiresAt: now.Add(s.ttl)}
	return id
}

// Get returns one face of a stored recognition. Other users' ids and
// expired ids are not found.
func (s *ResultStore) Get(userID, recognitionID string, faceIndex int) (recognition.MatchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[recognitionID]
	if !ok || e.userID != userID {
		return recognition.MatchResult{}, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, recognitionID)
		return recognition.MatchResult{}, false
	}
	for _, r := range e.results {
		if r.FaceIndex == faceIndex {
			return r, true
		}
	}
	return recognition.MatchResult{}, false
}

// Len returns the number of stored recognitions, expired ones included.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
