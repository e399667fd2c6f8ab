package handlers

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// recognizeOnce enrolls Ada, rebuilds and recognizes a matching query
func recognizeOnce(t *testing.T, env *testEnv) RecognizeResponse {
	t.Helper()
	env.enroll(t, "alice", "Ada", 1, []float32{1, 0})
	env.rebuild(t, "alice")
	env.emb.Set(9, []float32{1, 0})
	recorder, resp := recognize(t, newRecognitionHandler(env), "alice", 9)
	assertStatusCode(t, recorder, http.StatusOK)
	return resp
}

func TestConfirmationHandler_RecordAndHistory(t *testing.T) {
	env := newTestEnv(t)
	resp := recognizeOnce(t, env)
	handler := NewConfirmationHandler(env.ledger, env.results)

	recorder := httptest.NewRecorder()
	handler.Record(recorder, asUser(jsonRequest(t, "POST", "/api/v1/confirmations", map[string]any{
		"recognition_id": resp.RecognitionID, "face_index": 0, "verdict": "correct",
	}), "alice"))
	assertStatusCode(t, recorder, http.StatusCreated)

	recorder = httptest.NewRecorder()
	handler.History(recorder, asUser(httptest.NewRequest("GET", "/api/v1/confirmations?person=Ada", nil), "alice"))
	assertStatusCode(t, recorder, http.StatusOK)

	var history struct {
		Records []ConfirmationView `json:"records"`
		Total   int                `json:"total"`
	}
	parseJSONResponse(t, recorder, &history)
	if history.Total != 1 || len(history.Records) != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
	rec := history.Records[0]
	if rec.Verdict != "correct" || rec.Person != "Ada" || rec.Confidence != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if strings.Contains(recorder.Body.String(), "embedding") {
		t.Error("history must not expose embeddings")
	}

	stored := env.db.AppendCalls
	if stored != 1 {
		t.Errorf("expected 1 append, got %d", stored)
	}
}

func TestConfirmationHandler_Record_Rejections(t *testing.T) {
	env := newTestEnv(t)
	resp := recognizeOnce(t, env)
	handler := NewConfirmationHandler(env.ledger, env.results)

	tests := []struct {
		name string
		user string
		body map[string]any
		want int
	}{
		{"relabeled verdict", "alice", map[string]any{"recognition_id": resp.RecognitionID, "verdict": "relabeled"}, http.StatusBadRequest},
		{"bogus verdict", "alice", map[string]any{"recognition_id": resp.RecognitionID, "verdict": "maybe"}, http.StatusBadRequest},
		{"missing id", "alice", map[string]any{"verdict": "correct"}, http.StatusBadRequest},
		{"unknown id", "alice", map[string]any{"recognition_id": "nope", "verdict": "correct"}, http.StatusNotFound},
		{"unknown face", "alice", map[string]any{"recognition_id": resp.RecognitionID, "face_index": 3, "verdict": "correct"}, http.StatusNotFound},
		{"other user", "bob", map[string]any{"recognition_id": resp.RecognitionID, "verdict": "correct"}, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.Record(recorder, asUser(jsonRequest(t, "POST", "/api/v1/confirmations", tc.body), tc.user))
			assertStatusCode(t, recorder, tc.want)
		})
	}
	if env.db.AppendCalls != 0 {
		t.Errorf("rejected requests must not append, got %d", env.db.AppendCalls)
	}
}

func TestConfirmationHandler_Relabel(t *testing.T) {
	env := newTestEnv(t)
	resp := recognizeOnce(t, env)
	handler := NewConfirmationHandler(env.ledger, env.results)

	recorder := httptest.NewRecorder()
	handler.Relabel(recorder, asUser(jsonRequest(t, "POST", "/api/v1/confirmations/relabel", map[string]any{
		"recognition_id": resp.RecognitionID, "face_index": 0, "person": "Grace",
	}), "alice"))
	assertStatusCode(t, recorder, http.StatusCreated)

	moved, err := env.workspace(t, "alice").Gallery.Image(t.Context(), resp.Faces[0].ImageID)
	if err != nil {
		t.Fatalf("image lookup failed: %v", err)
	}
	if moved.Person != "Grace" {
		t.Errorf("reference image should move to Grace, got %s", moved.Person)
	}
	if env.sched.Pending() != 1 {
		t.Errorf("relabel should schedule a rebuild, got %d", env.sched.Pending())
	}

	// Relabeling again after the image is gone is a stale race.
	if err := env.workspace(t, "alice").Gallery.RemoveImage(t.Context(), moved.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	recorder = httptest.NewRecorder()
	handler.Relabel(recorder, asUser(jsonRequest(t, "POST", "/api/v1/confirmations/relabel", map[string]any{
		"recognition_id": resp.RecognitionID, "face_index": 0, "person": "Linus",
	}), "alice"))
	assertStatusCode(t, recorder, http.StatusConflict)

	recorder = httptest.NewRecorder()
	handler.Relabel(recorder, asUser(jsonRequest(t, "POST", "/api/v1/confirmations/relabel", map[string]any{
		"recognition_id": resp.RecognitionID, "face_index": 0, "person": "unknown",
	}), "alice"))
	assertStatusCode(t, recorder, http.StatusBadRequest)
}

func TestConfirmationHandler_RelabelKeepReference(t *testing.T) {
	env := newTestEnv(t)
	resp := recognizeOnce(t, env)
	handler := NewConfirmationHandler(env.ledger, env.results)

	recorder := httptest.NewRecorder()
	handler.Relabel(recorder, asUser(jsonRequest(t, "POST", "/api/v1/confirmations/relabel", map[string]any{
		"recognition_id": resp.RecognitionID, "face_index": 0, "person": "Grace", "keep_reference": true,
	}), "alice"))
	assertStatusCode(t, recorder, http.StatusCreated)

	ref, err := env.workspace(t, "alice").Gallery.Image(t.Context(), resp.Faces[0].ImageID)
	if err != nil {
		t.Fatalf("image lookup failed: %v", err)
	}
	if ref.Person != resp.Faces[0].Person {
		t.Errorf("reference image should stay with %s, got %s", resp.Faces[0].Person, ref.Person)
	}
	if env.sched.Pending() != 0 {
		t.Errorf("keep_reference should not schedule a rebuild, got %d", env.sched.Pending())
	}
}

func TestConfirmationHandler_Export(t *testing.T) {
	env := newTestEnv(t)
	resp := recognizeOnce(t, env)
	handler := NewConfirmationHandler(env.ledger, env.results)

	for _, verdict := range []string{"correct", "incorrect", "correct"} {
		recorder := httptest.NewRecorder()
		handler.Record(recorder, asUser(jsonRequest(t, "POST", "/api/v1/confirmations", map[string]any{
			"recognition_id": resp.RecognitionID, "face_index": 0, "verdict": verdict,
		}), "alice"))
		assertStatusCode(t, recorder, http.StatusCreated)
	}

	recorder := httptest.NewRecorder()
	handler.Export(recorder, asUser(httptest.NewRequest("GET", "/api/v1/confirmations/export", nil), "alice"))
	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/x-ndjson")

	var verdicts []string
	scanner := bufio.NewScanner(strings.NewReader(recorder.Body.String()))
	for scanner.Scan() {
		var v ConfirmationView
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		verdicts = append(verdicts, v.Verdict)
	}
	if strings.Join(verdicts, ",") != "correct,incorrect,correct" {
		t.Errorf("expected newest first, got %v", verdicts)
	}
}
