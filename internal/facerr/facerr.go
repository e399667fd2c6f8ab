// Package facerr defines the error kinds shared by the gallery, cache,
// matching and account packages.
//
// Every failure that crosses a package boundary is wrapped in an *Error so
// callers can classify it with KindOf or errors.Is against the Err* sentinels:
//
//	if errors.Is(err, facerr.ErrEmbedder) { ... }
package facerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindGalleryIO
	KindEmbedder
	KindCacheCorruption
	KindCacheWrite
	KindAuthFailure
	KindStaleSnapshotRace
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindGalleryIO:
		return "gallery_io"
	case KindEmbedder:
		return "embedder"
	case KindCacheCorruption:
		return "cache_corruption"
	case KindCacheWrite:
		return "cache_write"
	case KindAuthFailure:
		return "auth_failure"
	case KindStaleSnapshotRace:
		return "stale_snapshot_race"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrGalleryIO         = &Error{Kind: KindGalleryIO}
	ErrEmbedder          = &Error{Kind: KindEmbedder}
	ErrCacheCorruption   = &Error{Kind: KindCacheCorruption}
	ErrCacheWrite        = &Error{Kind: KindCacheWrite}
	ErrAuthFailure       = &Error{Kind: KindAuthFailure}
	ErrStaleSnapshotRace = &Error{Kind: KindStaleSnapshotRace}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "gallery.add"
	Subject string // optional: image id, path, username
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Subject == "" && t.Err == nil
}

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithSubject returns a copy of e naming the affected item.
func (e *Error) WithSubject(subject string) *Error {
	c := *e
	c.Subject = subject
	return &c
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Configuration wraps err as a configuration error.
func Configuration(op string, err error) error { return New(KindConfiguration, op, err) }

// GalleryIO wraps err as a gallery I/O error for the given path or id.
func GalleryIO(op, subject string, err error) error {
	return New(KindGalleryIO, op, err).WithSubject(subject)
}

// Embedder wraps err as an embedder failure.
func Embedder(op string, err error) error { return New(KindEmbedder, op, err) }

// CacheCorruption wraps err as a corrupted-cache failure.
func CacheCorruption(op string, err error) error { return New(KindCacheCorruption, op, err) }

// CacheWrite wraps err as a cache persistence failure.
func CacheWrite(op string, err error) error { return New(KindCacheWrite, op, err) }

// AuthFailure reports rejected credentials for username.
func AuthFailure(op, username string) error {
	return New(KindAuthFailure, op, errors.New("invalid credentials")).WithSubject(username)
}
