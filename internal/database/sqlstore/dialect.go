// Package sqlstore implements the database interfaces once over database/sql.
// Backends differ only in their Dialect.
package sqlstore

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"io/fs"
	"math"
	"strconv"
	"strings"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string

	// Numbered switches "?" placeholders to "$1", "$2", ...
	Numbered bool

	// Migrations holds the backend's *.sql files at its root.
	Migrations fs.FS

	// UpsertSession inserts or replaces a session row from
	// (id, user_id, created_at, expires_at).
	UpsertSession string

	// IsDuplicate recognizes unique-key violations.
	IsDuplicate func(err error) bool

	// EncodeVector returns the column value for an embedding. Defaults to a
	// little-endian float32 blob.
	EncodeVector func(v []float32) any

	// VectorScanner returns a scan destination and a getter for the decoded
	// embedding. Defaults to the blob format.
	VectorScanner func() (dest any, get func() []float32)
}

// rebind rewrites "?" placeholders for numbered dialects.
func (d *Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Dialect) encodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	if d.EncodeVector != nil {
		return d.EncodeVector(v)
	}
	return EncodeFloat32Blob(v)
}

func (d *Dialect) vectorScanner() (any, func() []float32) {
	if d.VectorScanner != nil {
		return d.VectorScanner()
	}
	var raw []byte
	return &raw, func() []float32 {
		v, err := DecodeFloat32Blob(raw)
		if err != nil {
			return nil
		}
		return v
	}
}

// EncodeFloat32Blob packs a vector as little-endian float32s.
func EncodeFloat32Blob(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32Blob unpacks EncodeFloat32Blob output. An empty blob is a nil vector.
func DecodeFloat32Blob(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
