package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/facegallery/internal/config"
	dbmock "github.com/kozaktomas/facegallery/internal/database/mock"
	"github.com/kozaktomas/facegallery/internal/embedder/mock"
	"github.com/kozaktomas/facegallery/internal/facecache"
	"github.com/kozaktomas/facegallery/internal/gallery"
	"github.com/kozaktomas/facegallery/internal/ledger"
	"github.com/kozaktomas/facegallery/internal/recognition"
	"github.com/kozaktomas/facegallery/internal/web/middleware"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	return config.Default()
}

// recordingScheduler stands in for the background rebuild scheduler
type recordingScheduler struct {
	mu    sync.Mutex
	users []string
}

func (s *recordingScheduler) Schedule(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, userID)
	return true
}

func (s *recordingScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// testEnv wires real galleries and caches over temp dirs with a mock
// embedder and an in-memory database
type testEnv struct {
	db      *dbmock.MockBackend
	emb     *mock.Embedder
	manager *workspace.Manager
	engine  *recognition.Engine
	ledger  *ledger.Ledger
	results *ResultStore
	jobs    *JobManager
	sched   *recordingScheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := facecache.NewFileStore(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("failed to create cache store: %v", err)
	}

	env := &testEnv{
		db:      dbmock.NewMockBackend(),
		emb:     mock.New(),
		results: NewResultStore(0),
		jobs:    NewJobManager(),
		sched:   &recordingScheduler{},
	}
	env.manager = workspace.NewManager(workspace.Options{
		GalleryRoot: filepath.Join(dir, "gallery"),
		Store:       store,
		Embedder:    env.emb,
	})
	env.engine, err = recognition.NewEngine(env.emb, recognition.Options{Threshold: 0.5})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	env.ledger = ledger.New(env.db, env.manager, env.sched)
	return env
}

// enroll adds a reference image whose single face embeds to vec
func (e *testEnv) enroll(t *testing.T, userID, person string, shade uint8, vec []float32) gallery.ImageRecord {
	t.Helper()
	ws := e.workspace(t, userID)
	e.emb.Set(shade, vec)
	rec, err := ws.Gallery.AddImage(context.Background(), person, mock.PNG(shade))
	if err != nil {
		t.Fatalf("failed to enroll: %v", err)
	}
	return rec
}

func (e *testEnv) workspace(t *testing.T, userID string) *workspace.Workspace {
	t.Helper()
	ws, err := e.manager.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to open workspace: %v", err)
	}
	return ws
}

func (e *testEnv) rebuild(t *testing.T, userID string) {
	t.Helper()
	if _, err := e.workspace(t, userID).Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
}

// asUser attaches an authenticated session for userID
func asUser(r *http.Request, userID string) *http.Request {
	ctx := middleware.SetSessionInContext(r.Context(), &middleware.Session{ID: "test-session", UserID: userID})
	return r.WithContext(ctx)
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// jsonRequest creates a request with a JSON body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// multipartRequest creates a request uploading files under one form field
func multipartRequest(t *testing.T, path, field string, files ...[]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, data := range files {
		fw, err := mw.CreateFormFile(field, "photo"+string(rune('a'+i))+".png")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
