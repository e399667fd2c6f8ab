package facecache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// DocumentVersion tags the persisted layout. Documents with any other
// version are discarded and rebuilt.
const DocumentVersion = 2

var (
	errVersionMismatch = errors.New("document version mismatch")
	errUserMismatch    = errors.New("document belongs to another user")
)

// document is the persisted form of one user's cache.
type document struct {
	Version int
	UserID  string
	Entries []Entry
}

// encodeDocument serializes entries, which must already be in Seq order.
// The encoding is deterministic for equal input.
func encodeDocument(userID string, entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(document{
		Version: DocumentVersion,
		UserID:  userID,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cache document: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeDocument parses and validates a persisted document for userID.
func decodeDocument(data []byte, userID string) ([]Entry, error) {
	var doc document
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode cache document: %w", err)
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", errVersionMismatch, doc.Version, DocumentVersion)
	}
	if doc.UserID != userID {
		return nil, errUserMismatch
	}

	seen := make(map[string]struct{}, len(doc.Entries))
	for _, e := range doc.Entries {
		if e.ImageID == "" || e.Hash == "" || e.Person == "" {
			return nil, fmt.Errorf("malformed entry for image %q", e.ImageID)
		}
		if _, dup := seen[e.ImageID]; dup {
			return nil, fmt.Errorf("duplicate entry for image %q", e.ImageID)
		}
		seen[e.ImageID] = struct{}{}
	}
	return doc.Entries, nil
}
