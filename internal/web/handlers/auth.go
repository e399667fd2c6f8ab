package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/facegallery/internal/auth"
	"github.com/kozaktomas/facegallery/internal/web/middleware"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	auth           *auth.Service
	sessionManager *middleware.SessionManager
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(svc *auth.Service, sm *middleware.SessionManager) *AuthHandler {
	return &AuthHandler{
		auth:           svc,
		sessionManager: sm,
	}
}

// credentialsRequest is the body of register and login requests
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Success   bool   `json:"success"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Register creates an account
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	account, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		respondDomainError(w, r, "register", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{
		"user_id":  account.ID,
		"username": account.Username,
	})
}

// Login handles user login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	// Require both username and password
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	uid, err := h.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if statusFor(err) == http.StatusUnauthorized {
			respondJSON(w, http.StatusUnauthorized, LoginResponse{
				Success: false,
				Error:   "invalid credentials",
			})
			return
		}
		respondDomainError(w, r, "login", err)
		return
	}

	session, err := h.sessionManager.CreateSession(r.Context(), uid)
	if err != nil {
		respondDomainError(w, r, "create session", err)
		return
	}

	h.sessionManager.SetSessionCookie(w, r, session)

	respondJSON(w, http.StatusOK, LoginResponse{
		Success:   true,
		UserID:    uid,
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Logout handles user logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session := h.sessionManager.GetSessionFromRequest(r); session != nil {
		h.sessionManager.DeleteSession(r.Context(), session.ID)
	}

	h.sessionManager.ClearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StatusResponse represents the auth status response
type StatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	Username      string `json:"username,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// Status checks if the user is authenticated by validating the session.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	session := h.sessionManager.GetSessionFromRequest(r)
	if session == nil {
		respondJSON(w, http.StatusOK, StatusResponse{Authenticated: false})
		return
	}

	resp := StatusResponse{
		Authenticated: true,
		UserID:        session.UserID,
		ExpiresAt:     session.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if account, err := h.auth.Account(r.Context(), session.UserID); err == nil {
		resp.Username = account.Username
	}
	respondJSON(w, http.StatusOK, resp)
}
