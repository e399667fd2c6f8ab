package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/facerr"
)

type Config struct {
	Gallery   GalleryConfig   `koanf:"gallery" yaml:"gallery"`
	Cache     CacheConfig     `koanf:"cache" yaml:"cache"`
	Match     MatchConfig     `koanf:"match" yaml:"match"`
	Embedding EmbeddingConfig `koanf:"embedding" yaml:"embedding"`
	Database  DatabaseConfig  `koanf:"database" yaml:"database"`
	Web       WebConfig       `koanf:"web" yaml:"web"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
}

type GalleryConfig struct {
	Root          string        `koanf:"root" yaml:"root" validate:"required"`
	MaxUploadMB   int           `koanf:"max_upload_mb" yaml:"max_upload_mb" validate:"gt=0"`
	Watch         bool          `koanf:"watch" yaml:"watch"`
	WatchDebounce time.Duration `koanf:"watch_debounce" yaml:"watch_debounce" validate:"gte=0"`
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *GalleryConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

type CacheConfig struct {
	Backend string `koanf:"backend" yaml:"backend" validate:"oneof=file badger"`
	Dir     string `koanf:"dir" yaml:"dir" validate:"required"`
}

type MatchConfig struct {
	Threshold  float64 `koanf:"threshold" yaml:"threshold" validate:"gt=0,lte=2"`
	Candidates int     `koanf:"candidates" yaml:"candidates" validate:"gt=0"`
}

type EmbeddingConfig struct {
	URL             string        `koanf:"url" yaml:"url" validate:"required,url"`
	Dim             int           `koanf:"dim" yaml:"dim" validate:"gt=0"`
	Timeout         time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
	Concurrency     int           `koanf:"concurrency" yaml:"concurrency" validate:"gt=0"`
	RatePerSecond   float64       `koanf:"rate" yaml:"rate" validate:"gte=0"` // 0 = unlimited
	Burst           int           `koanf:"burst" yaml:"burst" validate:"gte=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" yaml:"breaker_failures"`
}

type DatabaseConfig struct {
	URL          string `koanf:"url" yaml:"url" validate:"required"` // sqlite://, postgres://, mariadb://
	MaxOpenConns int    `koanf:"max_open_conns" yaml:"max_open_conns" validate:"gt=0"`
	MaxIdleConns int    `koanf:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
}

type WebConfig struct {
	Host           string   `koanf:"host" yaml:"host"`
	Port           int      `koanf:"port" yaml:"port" validate:"gt=0,lte=65535"`
	SessionSecret  string   `koanf:"session_secret" yaml:"session_secret"`
	RateLimit      int      `koanf:"rate_limit" yaml:"rate_limit" validate:"gte=0"` // recognize requests per minute per IP
	AllowedOrigins []string `koanf:"allowed_origins" yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=json console"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Gallery: GalleryConfig{
			Root:          "./data/gallery",
			MaxUploadMB:   constants.DefaultMaxUploadMB,
			Watch:         false,
			WatchDebounce: constants.DefaultWatchDebounce,
		},
		Cache: CacheConfig{
			Backend: "file",
			Dir:     "./data/cache",
		},
		Match: MatchConfig{
			Threshold:  constants.DefaultDistanceThreshold,
			Candidates: constants.DefaultCandidateCount,
		},
		Embedding: EmbeddingConfig{
			URL:             "http://localhost:8000",
			Dim:             constants.DefaultEmbeddingDim,
			Timeout:         constants.DefaultEmbedderTimeout,
			Concurrency:     constants.DefaultEmbedderConcurrency,
			RatePerSecond:   0,
			Burst:           1,
			BreakerFailures: 5,
		},
		Database: DatabaseConfig{
			URL:          "sqlite://./data/facegallery.db",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Web: WebConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			RateLimit: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

var validate = validator.New()

// Validate checks value ranges. Failures are configuration errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return facerr.Configuration("config.validate", errors.New(strings.Join(msgs, "; ")))
		}
		return facerr.Configuration("config.validate", err)
	}
	if _, _, err := SplitDatabaseURL(c.Database.URL); err != nil {
		return facerr.Configuration("config.validate", err)
	}
	return nil
}

// SplitDatabaseURL returns the backend scheme and the driver DSN.
//
//	sqlite:///var/lib/fg.db              -> sqlite, /var/lib/fg.db
//	postgres://u:p@host/db               -> postgres, postgres://u:p@host/db
//	mariadb://u:p@tcp(host:3306)/db      -> mariadb, u:p@tcp(host:3306)/db
func SplitDatabaseURL(raw string) (scheme, dsn string, err error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("database url %q: expected <backend>://<dsn>", raw)
	}
	switch scheme {
	case "sqlite":
		return "sqlite", rest, nil
	case "postgres", "postgresql":
		return "postgres", raw, nil
	case "mariadb", "mysql":
		return "mariadb", rest, nil
	default:
		return "", "", fmt.Errorf("database url %q: unsupported backend %q", raw, scheme)
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Web.SessionSecret != "" {
		cp.Web.SessionSecret = "<redacted>"
	}
	cp.Database.URL = redactURL(cp.Database.URL)
	return &cp
}

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return raw
	}
	creds := rest[:at]
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return raw
	}
	return scheme + "://" + user + ":<redacted>" + rest[at:]
}
