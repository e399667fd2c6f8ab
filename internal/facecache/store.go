package facecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// ErrNoDocument is returned by a DocumentStore that holds nothing for the user.
var ErrNoDocument = errors.New("no cache document")

// DocumentStore persists one opaque cache document per user. Save must
// replace the previous document atomically.
type DocumentStore interface {
	Load(ctx context.Context, userID string) ([]byte, error)
	Save(ctx context.Context, userID string, data []byte) error
	Close() error
}

// FileStore keeps each user's document in <dir>/<user id>.gob.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userID+".gob")
}

func (s *FileStore) Load(ctx context.Context, userID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoDocument
	}
	return data, err
}

// Save writes to a temp file, fsyncs and renames it over the old document.
func (s *FileStore) Save(ctx context.Context, userID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return renameio.WriteFile(s.path(userID), data, 0o600)
}

func (s *FileStore) Close() error { return nil }
