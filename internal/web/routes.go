package web

import (
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/facegallery/internal/web/handlers"
	"github.com/kozaktomas/facegallery/internal/web/middleware"
	"github.com/kozaktomas/facegallery/internal/web/static"
)

func (s *Server) setupRoutes() {
	cfg := s.config
	maxUpload := cfg.Gallery.MaxUploadBytes()

	backendName := ""
	var pinger handlers.Pinger
	if s.deps.DB != nil {
		backendName = s.deps.DB.Name()
		pinger = s.deps.DB
	}

	// Create handlers
	authHandler := handlers.NewAuthHandler(s.deps.Auth, s.sessionManager)
	healthHandler := handlers.NewHealthHandler(pinger)
	galleryHandler := handlers.NewGalleryHandler(s.deps.Workspaces, maxUpload)
	cacheHandler := handlers.NewCacheHandler(s.deps.Workspaces, s.jobManager, s.deps.Scheduler)
	recognitionHandler := handlers.NewRecognitionHandler(s.deps.Workspaces, s.deps.Engine, s.results, maxUpload, cfg.Match.Candidates)
	confirmationHandler := handlers.NewConfirmationHandler(s.deps.Ledger, s.results)
	configHandler := handlers.NewConfigHandler(cfg, backendName)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", healthHandler.Check)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/status", authHandler.Status)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.sessionManager))

			// People and their reference images
			r.Get("/people", galleryHandler.ListPeople)
			r.Post("/people", galleryHandler.CreatePerson)
			r.Delete("/people/{name}", galleryHandler.DeletePerson)
			r.Get("/people/{name}/images", galleryHandler.ListImages)
			r.Post("/people/{name}/images", galleryHandler.UploadImages)

			r.Get("/images/{imageId}", galleryHandler.GetImage)
			r.Get("/images/{imageId}/file", galleryHandler.ImageFile)
			r.Delete("/images/{imageId}", galleryHandler.DeleteImage)
			r.Post("/images/{imageId}/move", galleryHandler.MoveImage)

			// Encoding cache (long-running rebuilds)
			r.Get("/cache", cacheHandler.Status)
			r.Post("/cache/rebuild", cacheHandler.StartRebuild)
			r.Get("/cache/rebuild/{jobId}", cacheHandler.GetJob)
			r.Get("/cache/rebuild/{jobId}/events", cacheHandler.Events)
			r.Delete("/cache/rebuild/{jobId}", cacheHandler.CancelJob)

			// Recognition calls the embedding service, so it is rate limited per client
			r.Group(func(r chi.Router) {
				if cfg.Web.RateLimit > 0 {
					r.Use(httprate.LimitByIP(cfg.Web.RateLimit, time.Minute))
				}
				r.Post("/recognize", recognitionHandler.Recognize)
				r.Post("/candidates", recognitionHandler.Candidates)
			})

			// Confirmation ledger
			r.Post("/confirmations", confirmationHandler.Record)
			r.Post("/confirmations/relabel", confirmationHandler.Relabel)
			r.Get("/confirmations", confirmationHandler.History)
			r.Get("/confirmations/export", confirmationHandler.Export)

			r.Get("/config", configHandler.Get)
		})
	})

	// Serve static files for frontend (SPA)
	s.router.Get("/*", s.serveSPA)
}

var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "application/javascript; charset=utf-8",
	".json":  "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".ico":   "image/x-icon",
	".woff2": "font/woff2",
	".woff":  "font/woff",
}

// serveSPA serves the single-page application
func (s *Server) serveSPA(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	if static.HasDist() {
		fs := static.GetFileSystem()
		p := r.URL.Path
		if p == "/" {
			p = "/index.html"
		}

		if f, err := fs.Open(p); err == nil {
			defer f.Close()
			if stat, err := f.Stat(); err == nil && !stat.IsDir() {
				contentType, ok := contentTypes[strings.ToLower(path.Ext(p))]
				if !ok {
					contentType = "application/octet-stream"
				}
				w.Header().Set("Content-Type", contentType)

				// Add cache headers for static assets
				if strings.HasPrefix(p, "/assets/") {
					w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
				}

				w.WriteHeader(http.StatusOK)
				_, _ = io.Copy(w, f)
				return
			}
		}

		// For SPA routing, serve index.html for non-asset paths
		if !strings.HasPrefix(p, "/assets/") {
			if indexFile, err := fs.Open("/index.html"); err == nil {
				defer indexFile.Close()
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusOK)
				_, _ = io.Copy(w, indexFile)
				return
			}
		}
		http.NotFound(w, r)
		return
	}

	// Fallback: placeholder page if no frontend is built
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(placeholderPage))
}

const placeholderPage = `<!DOCTYPE html>
<html>
<head>
    <title>Face Gallery</title>
    <style>
        body { font-family: system-ui, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #1a1a2e; color: #eee; }
        .container { text-align: center; }
        h1 { color: #00d9ff; }
        p { color: #aaa; }
        a { color: #00d9ff; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Face Gallery</h1>
        <p>No web frontend is bundled with this build.</p>
        <p>API is available at <a href="/api/v1/health">/api/v1/health</a></p>
    </div>
</body>
</html>`
