package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/ledger"
)

// ConfirmationHandler records verdicts on recognition results.
type ConfirmationHandler struct {
	ledger  *ledger.Ledger
	results *ResultStore
}

// NewConfirmationHandler creates a new confirmation handler
func NewConfirmationHandler(l *ledger.Ledger, results *ResultStore) *ConfirmationHandler {
	return &ConfirmationHandler{ledger: l, results: results}
}

type confirmRequest struct {
	RecognitionID string `json:"recognition_id"`
	FaceIndex     int    `json:"face_index"`
	Verdict       string `json:"verdict"`
	Person        string `json:"person"`         // relabel only
	KeepReference bool   `json:"keep_reference"` // relabel only: the matched reference image is filed correctly
}

// ConfirmationView is the JSON form of a ledger record.
type ConfirmationView struct {
	ID              string    `json:"id"`
	FaceIndex       int       `json:"face_index"`
	BBox            []float64 `json:"bbox"`
	Person          string    `json:"person"`
	ImageID         string    `json:"image_id,omitempty"`
	Distance        float64   `json:"distance"`
	Confidence      float64   `json:"confidence"`
	Verdict         string    `json:"verdict"`
	CorrectedPerson string    `json:"corrected_person,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func viewOf(c database.Confirmation) ConfirmationView {
	return ConfirmationView{
		ID:              c.ID,
		FaceIndex:       c.FaceIndex,
		BBox:            c.BBox,
		Person:          c.Person,
		ImageID:         c.ImageID,
		Distance:        c.Distance,
		Confidence:      c.Confidence,
		Verdict:         string(c.Verdict),
		CorrectedPerson: c.CorrectedPerson,
		CreatedAt:       c.CreatedAt,
	}
}

// lookup decodes the request and resolves the referenced face.
func (h *ConfirmationHandler) lookup(w http.ResponseWriter, r *http.Request) (confirmRequest, bool) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return req, false
	}
	if req.RecognitionID == "" {
		respondError(w, http.StatusBadRequest, "recognition_id is required")
		return req, false
	}
	return req, true
}

// Record stores a correct or incorrect verdict
func (h *ConfirmationHandler) Record(w http.ResponseWriter, r *http.Request) {
	req, ok := h.lookup(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	result, found := h.results.Get(uid, req.RecognitionID, req.FaceIndex)
	if !found {
		respondError(w, http.StatusNotFound, "recognition result not found or expired")
		return
	}

	id, err := h.ledger.Record(r.Context(), uid, result, database.Verdict(req.Verdict))
	if err != nil {
		respondDomainError(w, r, "record confirmation", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// Relabel records the correct person and moves the nearest reference image
// to them, unless keep_reference is set
func (h *ConfirmationHandler) Relabel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.lookup(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	result, found := h.results.Get(uid, req.RecognitionID, req.FaceIndex)
	if !found {
		respondError(w, http.StatusNotFound, "recognition result not found or expired")
		return
	}

	var opts []ledger.RelabelOption
	if req.KeepReference {
		opts = append(opts, ledger.KeepReference())
	}
	id, err := h.ledger.Relabel(r.Context(), uid, result, req.Person, opts...)
	if err != nil {
		if id != "" {
			// Recorded, but the gallery could not follow.
			respondJSON(w, statusFor(err), map[string]string{"id": id, "error": err.Error()})
			return
		}
		respondDomainError(w, r, "relabel", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// History lists records newest first, filtered by ?person= and capped by ?limit=
func (h *ConfirmationHandler) History(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	records, err := h.ledger.History(r.Context(), uid, r.URL.Query().Get("person"), queryInt(r, "limit", 0))
	if err != nil {
		respondDomainError(w, r, "history", err)
		return
	}
	total, err := h.ledger.Count(r.Context(), uid)
	if err != nil {
		respondDomainError(w, r, "history", err)
		return
	}

	views := make([]ConfirmationView, len(records))
	for i, c := range records {
		views[i] = viewOf(c)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records": views,
		"total":   total,
	})
}

// Export streams every record as newline-delimited JSON
func (h *ConfirmationHandler) Export(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	records, err := h.ledger.All(r.Context(), uid, r.URL.Query().Get("person"))
	if err != nil {
		respondDomainError(w, r, "export", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "confirmations.ndjson"))
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, c := range records {
		if err := enc.Encode(viewOf(c)); err != nil {
			return
		}
	}
}
