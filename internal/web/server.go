package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/facegallery/internal/auth"
	"github.com/kozaktomas/facegallery/internal/config"
	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/ledger"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/recognition"
	"github.com/kozaktomas/facegallery/internal/web/handlers"
	"github.com/kozaktomas/facegallery/internal/web/middleware"
	"github.com/kozaktomas/facegallery/internal/workspace"
)

const defaultShutdownTimeout = 30 * time.Second

// Deps are the services the HTTP API exposes.
type Deps struct {
	Auth       *auth.Service
	DB         database.Backend
	Workspaces workspace.Opener
	Scheduler  handlers.PendingCounter // optional
	Engine     *recognition.Engine
	Ledger     *ledger.Ledger
}

// Server represents the web server
type Server struct {
	config          *config.Config
	deps            Deps
	router          *chi.Mux
	httpServer      *http.Server
	jobManager      *handlers.JobManager
	results         *handlers.ResultStore
	sessionManager  *middleware.SessionManager
	shutdownTimeout time.Duration
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, deps Deps) *Server {
	r := chi.NewRouter()

	var sessions database.SessionStore
	if deps.DB != nil {
		sessions = deps.DB.Sessions()
	}

	s := &Server{
		config:          cfg,
		deps:            deps,
		router:          r,
		jobManager:      handlers.NewJobManager(),
		results:         handlers.NewResultStore(0),
		sessionManager:  middleware.NewSessionManager(cfg.Web.SessionSecret, sessions),
		shutdownTimeout: defaultShutdownTimeout,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,  // uploads
		WriteTimeout:      30 * time.Minute, // SSE streams of long rebuilds
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Serve runs the server until ctx is cancelled, then shuts it down
// gracefully. It satisfies suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.httpServer.Addr).Msg("starting web server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "web-server" }

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info().Msg("shutting down web server")

	s.jobManager.CancelAll()
	s.sessionManager.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Sessions returns the session manager
func (s *Server) Sessions() *middleware.SessionManager {
	return s.sessionManager
}
