package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kozaktomas/facegallery/internal/facerr"
)

// isolate runs the test in an empty directory so no config file is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(ConfigPathEnvVar, "")
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Match.Threshold != 0.5 {
		t.Errorf("expected default threshold 0.5, got %v", cfg.Match.Threshold)
	}
	if cfg.Embedding.Timeout != 30*time.Second {
		t.Errorf("expected default embedder timeout 30s, got %v", cfg.Embedding.Timeout)
	}
	if cfg.Cache.Backend != "file" {
		t.Errorf("expected default cache backend 'file', got %q", cfg.Cache.Backend)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("FACE_MATCH_THRESHOLD", "0.42")
	t.Setenv("EMBEDDER_TIMEOUT", "5s")
	t.Setenv("EMBEDDER_CONCURRENCY", "8")
	t.Setenv("CACHE_BACKEND", "badger")
	t.Setenv("WEB_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Match.Threshold != 0.42 {
		t.Errorf("threshold = %v, want 0.42", cfg.Match.Threshold)
	}
	if cfg.Embedding.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", cfg.Embedding.Timeout)
	}
	if cfg.Embedding.Concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", cfg.Embedding.Concurrency)
	}
	if cfg.Cache.Backend != "badger" {
		t.Errorf("backend = %q, want badger", cfg.Cache.Backend)
	}
	if len(cfg.Web.AllowedOrigins) != 2 || cfg.Web.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("allowed origins = %v", cfg.Web.AllowedOrigins)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	content := "match:\n  threshold: 0.3\ngallery:\n  root: /srv/gallery\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("GALLERY_ROOT", "/override")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Match.Threshold != 0.3 {
		t.Errorf("threshold from file = %v, want 0.3", cfg.Match.Threshold)
	}
	if cfg.Gallery.Root != "/override" {
		t.Errorf("env should win over file, got %q", cfg.Gallery.Root)
	}
}

func TestLoad_InvalidThresholdIsConfigurationError(t *testing.T) {
	tests := []string{"0", "-0.1", "2.5"}
	for _, v := range tests {
		t.Run(v, func(t *testing.T) {
			isolate(t)
			t.Setenv("FACE_MATCH_THRESHOLD", v)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error for out-of-range threshold")
			}
			if !errors.Is(err, facerr.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestSplitDatabaseURL(t *testing.T) {
	tests := []struct {
		in         string
		wantScheme string
		wantDSN    string
		wantErr    bool
	}{
		{"sqlite://./data/fg.db", "sqlite", "./data/fg.db", false},
		{"postgres://u:p@db:5432/fg?sslmode=disable", "postgres", "postgres://u:p@db:5432/fg?sslmode=disable", false},
		{"mariadb://u:p@tcp(db:3306)/fg", "mariadb", "u:p@tcp(db:3306)/fg", false},
		{"redis://localhost", "", "", true},
		{"no-scheme", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			scheme, dsn, err := SplitDatabaseURL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if scheme != tt.wantScheme || dsn != tt.wantDSN {
				t.Errorf("got (%q, %q), want (%q, %q)", scheme, dsn, tt.wantScheme, tt.wantDSN)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Web.SessionSecret = "hunter2"
	cfg.Database.URL = "postgres://fg:secret@db:5432/fg"

	r := cfg.Redacted()
	if r.Web.SessionSecret != "<redacted>" {
		t.Errorf("session secret not redacted: %q", r.Web.SessionSecret)
	}
	if r.Database.URL != "postgres://fg:<redacted>@db:5432/fg" {
		t.Errorf("database url not redacted: %q", r.Database.URL)
	}
	if cfg.Web.SessionSecret != "hunter2" {
		t.Error("Redacted must not modify the original")
	}
}
