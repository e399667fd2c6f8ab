package handlers

import (
	"net/http"

	"github.com/kozaktomas/facegallery/internal/config"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config  *config.Config
	backend string
}

// NewConfigHandler creates a new config handler. backend names the active
// database backend.
func NewConfigHandler(cfg *config.Config, backend string) *ConfigHandler {
	return &ConfigHandler{
		config:  cfg,
		backend: backend,
	}
}

// ConfigResponse exposes the settings a client needs. Nothing secret.
type ConfigResponse struct {
	Threshold       float64 `json:"threshold"`
	Candidates      int     `json:"candidates"`
	EmbeddingDim    int     `json:"embedding_dim"`
	CacheBackend    string  `json:"cache_backend"`
	DatabaseBackend string  `json:"database_backend"`
	MaxUploadMB     int     `json:"max_upload_mb"`
	WatchGallery    bool    `json:"watch_gallery"`
}

// Get returns the public configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ConfigResponse{
		Threshold:       h.config.Match.Threshold,
		Candidates:      h.config.Match.Candidates,
		EmbeddingDim:    h.config.Embedding.Dim,
		CacheBackend:    h.config.Cache.Backend,
		DatabaseBackend: h.backend,
		MaxUploadMB:     h.config.Gallery.MaxUploadMB,
		WatchGallery:    h.config.Gallery.Watch,
	})
}
