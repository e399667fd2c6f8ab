package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/recognition"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

// RecognitionHandler handles recognize and candidates queries.
type RecognitionHandler struct {
	workspaces workspace.Opener
	engine     *recognition.Engine
	results    *ResultStore
	maxUpload  int64
	candidates int
}

// NewRecognitionHandler creates a new recognition handler. candidates is the
// default top-N of the candidates endpoint.
func NewRecognitionHandler(workspaces workspace.Opener, engine *recognition.Engine, results *ResultStore, maxUpload int64, candidates int) *RecognitionHandler {
	if maxUpload <= 0 {
		maxUpload = constants.DefaultMaxUploadMB << 20
	}
	if candidates <= 0 {
		candidates = constants.DefaultCandidateCount
	}
	return &RecognitionHandler{
		workspaces: workspaces,
		engine:     engine,
		results:    results,
		maxUpload:  maxUpload,
		candidates: candidates,
	}
}

// RecognizeResponse is the result of one query photo.
type RecognizeResponse struct {
	RecognitionID   string                    `json:"recognition_id"`
	Faces           []recognition.MatchResult `json:"faces"`
	Threshold       float64                   `json:"threshold"`
	SnapshotBuiltAt time.Time                 `json:"snapshot_built_at"`
	ReferenceFaces  int                       `json:"reference_faces"`
}

// CandidatesResponse lists the closest people per detected face.
type CandidatesResponse struct {
	Faces     []recognition.FaceCandidates `json:"faces"`
	Threshold float64                      `json:"threshold"`
}

// readQueryImage reads the multipart "file" of a query request.
func (h *RecognitionHandler) readQueryImage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+constants.MultipartMemory)
	if err := r.ParseMultipartForm(constants.MultipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return nil, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no file provided")
		return nil, false
	}
	data, err := readUpload(files[0], h.maxUpload)
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, err.Error())
		return nil, false
	}
	return data, true
}

// Recognize matches every face of the uploaded photo against the user's
// current snapshot.
func (h *RecognitionHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	data, ok := h.readQueryImage(w, r)
	if !ok {
		return
	}

	uid := userID(r)
	ws, err := h.workspaces.Get(r.Context(), uid)
	if err != nil {
		respondDomainError(w, r, "open workspace", err)
		return
	}

	snap := ws.Cache.Snapshot()
	faces, err := h.engine.Recognize(r.Context(), snap, data)
	if err != nil {
		respondDomainError(w, r, "recognize", err)
		return
	}
	if faces == nil {
		faces = []recognition.MatchResult{}
	}

	respondJSON(w, http.StatusOK, RecognizeResponse{
		RecognitionID:   h.results.Put(uid, faces),
		Faces:           faces,
		Threshold:       h.engine.Threshold(),
		SnapshotBuiltAt: snap.BuiltAt(),
		ReferenceFaces:  len(snap.Refs()),
	})
}

// Candidates returns the top-N closest people for each face. The "top"
// form value overrides the configured default.
func (h *RecognitionHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	data, ok := h.readQueryImage(w, r)
	if !ok {
		return
	}

	topN := queryInt(r, "top", h.candidates)
	if topN <= 0 || topN > 50 {
		respondError(w, http.StatusBadRequest, "top must be between 1 and 50")
		return
	}

	ws, err := h.workspaces.Get(r.Context(), userID(r))
	if err != nil {
		respondDomainError(w, r, "open workspace", err)
		return
	}

	faces, err := h.engine.Candidates(r.Context(), ws.Cache.Snapshot(), data, topN)
	if err != nil {
		respondDomainError(w, r, "candidates", err)
		return
	}
	if faces == nil {
		faces = []recognition.FaceCandidates{}
	}
	respondJSON(w, http.StatusOK, CandidatesResponse{Faces: faces, Threshold: h.engine.Threshold()})
}
