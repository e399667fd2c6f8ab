package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/kozaktomas/facegallery/internal/facerr"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"facegallery.yaml",
	"facegallery.yml",
	"/etc/facegallery/config.yaml",
}

// envKeys maps environment variables to config paths. Anything else in the
// environment is ignored.
var envKeys = map[string]string{
	"GALLERY_ROOT":            "gallery.root",
	"MAX_UPLOAD_MB":           "gallery.max_upload_mb",
	"WATCH_GALLERY":           "gallery.watch",
	"WATCH_DEBOUNCE":          "gallery.watch_debounce",
	"CACHE_BACKEND":           "cache.backend",
	"CACHE_DIR":               "cache.dir",
	"FACE_MATCH_THRESHOLD":    "match.threshold",
	"MATCH_CANDIDATES":        "match.candidates",
	"EMBEDDING_URL":           "embedding.url",
	"EMBEDDING_DIM":           "embedding.dim",
	"EMBEDDER_TIMEOUT":        "embedding.timeout",
	"EMBEDDER_CONCURRENCY":    "embedding.concurrency",
	"EMBEDDER_RATE":           "embedding.rate",
	"EMBEDDER_BURST":          "embedding.burst",
	"EMBEDDER_BREAKER_FAILS":  "embedding.breaker_failures",
	"DATABASE_URL":            "database.url",
	"DATABASE_MAX_OPEN_CONNS": "database.max_open_conns",
	"DATABASE_MAX_IDLE_CONNS": "database.max_idle_conns",
	"WEB_HOST":                "web.host",
	"WEB_PORT":                "web.port",
	"WEB_SESSION_SECRET":      "web.session_secret",
	"WEB_RATE_LIMIT":          "web.rate_limit",
	"WEB_ALLOWED_ORIGINS":     "web.allowed_origins",
	"LOG_LEVEL":               "log.level",
	"LOG_FORMAT":              "log.format",
}

// sliceKeys arrive from the environment as comma-separated strings.
var sliceKeys = []string{"web.allowed_origins"}

// Load builds the configuration from defaults, then the optional YAML file,
// then the environment, and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, facerr.Configuration("config.load", fmt.Errorf("defaults: %w", err))
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, facerr.Configuration("config.load", fmt.Errorf("config file %s: %w", path, err))
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, facerr.Configuration("config.load", fmt.Errorf("environment: %w", err))
	}

	if err := splitSliceKeys(k); err != nil {
		return nil, facerr.Configuration("config.load", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, facerr.Configuration("config.load", fmt.Errorf("unmarshal: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform returns "" for variables that are not ours, which makes
// koanf skip them.
func envTransform(key string) string {
	return envKeys[strings.ToUpper(key)]
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitSliceKeys(k *koanf.Koanf) error {
	for _, path := range sliceKeys {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for p := range strings.SplitSeq(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
