package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kozaktomas/facegallery/internal/auth"
	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/gallery"
	"github.com/kozaktomas/facegallery/internal/imageutil"
	"github.com/kozaktomas/facegallery/internal/ledger"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/web/middleware"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch facerr.KindOf(err) {
	case facerr.KindAuthFailure:
		return http.StatusUnauthorized
	case facerr.KindStaleSnapshotRace:
		return http.StatusConflict
	}

	switch {
	case errors.Is(err, gallery.ErrPersonNotFound),
		errors.Is(err, gallery.ErrImageNotFound),
		errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gallery.ErrPersonExists),
		errors.Is(err, auth.ErrUsernameTaken),
		errors.Is(err, database.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, gallery.ErrInvalidName),
		errors.Is(err, gallery.ErrInvalidUser),
		errors.Is(err, gallery.ErrUnsupportedImage),
		errors.Is(err, imageutil.ErrInvalidImage),
		errors.Is(err, auth.ErrInvalidRegistration),
		errors.Is(err, ledger.ErrInvalidVerdict),
		errors.Is(err, ledger.ErrInvalidPerson):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	if facerr.KindOf(err) == facerr.KindEmbedder {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondDomainError logs err and answers with the mapped status. Server
// errors get a generic message; client errors echo the cause.
func respondDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	log := logging.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Int("status", status).Msg("request failed")
		message := op + " failed"
		if k := facerr.KindOf(err); k != facerr.KindUnknown {
			message += ": " + k.String()
		}
		respondError(w, status, message)
		return
	}
	log.Debug().Err(err).Str("op", op).Int("status", status).Msg("request rejected")
	respondError(w, status, err.Error())
}

// userID returns the authenticated user of the request.
func userID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// queryInt parses an integer query parameter, returning def when absent or invalid.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Pinger is the health dependency of HealthHandler.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness and database reachability.
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a health handler. db may be nil.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check handles the health check endpoint.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if h.db == nil {
		respondJSON(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("health check: database unreachable")
		resp["status"] = "degraded"
		resp["database"] = "unreachable"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["database"] = "ok"
	respondJSON(w, http.StatusOK, resp)
}
