package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/facegallery/internal/auth"
	dbmock "github.com/kozaktomas/facegallery/internal/database/mock"
	"github.com/kozaktomas/facegallery/internal/web/middleware"
)

func newAuthHandler(t *testing.T) (*AuthHandler, *middleware.SessionManager) {
	t.Helper()
	svc, err := auth.NewService(dbmock.NewMockBackend(), auth.WithCost(4))
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}
	sm := middleware.NewSessionManager("test-secret", nil)
	t.Cleanup(sm.Stop)
	return NewAuthHandler(svc, sm), sm
}

func register(t *testing.T, h *AuthHandler, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	h.Register(recorder, jsonRequest(t, "POST", "/api/v1/auth/register", map[string]string{
		"username": username, "password": password,
	}))
	return recorder
}

func TestAuthHandler_RegisterAndLogin(t *testing.T) {
	handler, sm := newAuthHandler(t)

	recorder := register(t, handler, "alice", "wonderland")
	assertStatusCode(t, recorder, http.StatusCreated)
	var account map[string]string
	parseJSONResponse(t, recorder, &account)
	if account["user_id"] == "" || account["username"] != "alice" {
		t.Fatalf("unexpected register response: %v", account)
	}

	recorder = httptest.NewRecorder()
	handler.Login(recorder, jsonRequest(t, "POST", "/api/v1/auth/login", map[string]string{
		"username": "alice", "password": "wonderland",
	}))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")

	var response LoginResponse
	parseJSONResponse(t, recorder, &response)
	if !response.Success {
		t.Error("expected success to be true")
	}
	if response.UserID != account["user_id"] {
		t.Errorf("expected user_id %s, got %s", account["user_id"], response.UserID)
	}
	if response.SessionID == "" || response.ExpiresAt == "" {
		t.Error("expected session_id and expires_at to be set")
	}

	session := sm.GetSession(context.Background(), response.SessionID)
	if session == nil || session.UserID != account["user_id"] {
		t.Error("login should create a session bound to the user")
	}
	if len(recorder.Result().Cookies()) == 0 {
		t.Error("expected session cookie")
	}
}

func TestAuthHandler_Register_Rejections(t *testing.T) {
	handler, _ := newAuthHandler(t)
	assertStatusCode(t, register(t, handler, "alice", "wonderland"), http.StatusCreated)

	tests := []struct {
		name     string
		username string
		password string
		want     int
	}{
		{"duplicate", "alice", "another1", http.StatusConflict},
		{"short username", "al", "wonderland", http.StatusBadRequest},
		{"bad characters", "al ice", "wonderland", http.StatusBadRequest},
		{"short password", "bob", "12345", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assertStatusCode(t, register(t, handler, tc.username, tc.password), tc.want)
		})
	}
}

func TestAuthHandler_Login_MissingCredentials(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing username", `{"password": "testpass"}`},
		{"missing password", `{"username": "testuser"}`},
		{"empty body", `{}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler, _ := newAuthHandler(t)
			req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewBufferString(tc.body))
			recorder := httptest.NewRecorder()

			handler.Login(recorder, req)

			assertStatusCode(t, recorder, http.StatusBadRequest)
			assertJSONError(t, recorder, "username and password are required")
		})
	}
}

func TestAuthHandler_Login_InvalidJSON(t *testing.T) {
	handler, _ := newAuthHandler(t)
	req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewBufferString("not json"))
	recorder := httptest.NewRecorder()

	handler.Login(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, errInvalidRequestBody)
}

func TestAuthHandler_Login_WrongCredentials(t *testing.T) {
	handler, _ := newAuthHandler(t)
	register(t, handler, "alice", "wonderland")

	for _, creds := range []map[string]string{
		{"username": "alice", "password": "wrong-password"},
		{"username": "nobody", "password": "wonderland"},
	} {
		recorder := httptest.NewRecorder()
		handler.Login(recorder, jsonRequest(t, "POST", "/api/v1/auth/login", creds))

		assertStatusCode(t, recorder, http.StatusUnauthorized)
		var response LoginResponse
		parseJSONResponse(t, recorder, &response)
		if response.Success || response.Error != "invalid credentials" {
			t.Errorf("unexpected response for %s: %+v", creds["username"], response)
		}
	}
}

func TestAuthHandler_LogoutAndStatus(t *testing.T) {
	handler, sm := newAuthHandler(t)
	register(t, handler, "alice", "wonderland")

	recorder := httptest.NewRecorder()
	handler.Login(recorder, jsonRequest(t, "POST", "/api/v1/auth/login", map[string]string{
		"username": "alice", "password": "wonderland",
	}))
	var login LoginResponse
	parseJSONResponse(t, recorder, &login)

	statusReq := func() StatusResponse {
		req := httptest.NewRequest("GET", "/api/v1/auth/status", nil)
		req.Header.Set("Authorization", "Bearer "+login.SessionID)
		rec := httptest.NewRecorder()
		handler.Status(rec, req)
		assertStatusCode(t, rec, http.StatusOK)
		var status StatusResponse
		parseJSONResponse(t, rec, &status)
		return status
	}

	status := statusReq()
	if !status.Authenticated || status.Username != "alice" || status.UserID != login.UserID {
		t.Fatalf("unexpected status: %+v", status)
	}

	req := httptest.NewRequest("POST", "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+login.SessionID)
	recorder = httptest.NewRecorder()
	handler.Logout(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)

	if sm.GetSession(context.Background(), login.SessionID) != nil {
		t.Error("logout should delete the session")
	}
	if statusReq().Authenticated {
		t.Error("expected unauthenticated after logout")
	}
}
