// Package mock provides an in-memory face embedder for tests.
//
// Images are told apart by the red channel of their top-left pixel, so a test
// can enroll solid-colour PNGs (see PNG) and program the faces each shade
// yields.
package mock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/facegallery/internal/embedder"
)

// ErrUnknownImage is returned for a shade nothing was programmed for when
// Strict is set.
var ErrUnknownImage = errors.New("mock embedder: unknown image")

// Embedder is a programmable embedder.Embedder.
type Embedder struct {
	mu     sync.Mutex
	faces  map[uint8][]embedder.Face
	errs   map[uint8]error
	calls  atomic.Int64
	Delay  time.Duration
	Strict bool
}

// New returns an empty mock. Unprogrammed shades yield zero faces.
func New() *Embedder {
	return &Embedder{
		faces: make(map[uint8][]embedder.Face),
		errs:  make(map[uint8]error),
	}
}

// Set programs the faces returned for images of the given shade.
func (m *Embedder) Set(shade uint8, vectors ...[]float32) {
	faces := make([]embedder.Face, len(vectors))
	for i, v := range vectors {
		faces[i] = embedder.Face{
			Index:     i,
			Embedding: v,
			BBox:      []float64{float64(i), 0, float64(i + 1), 1},
			DetScore:  0.99,
		}
	}
	m.mu.Lock()
	m.faces[shade] = faces
	delete(m.errs, shade)
	m.mu.Unlock()
}

// Fail makes images of the given shade fail with err.
func (m *Embedder) Fail(shade uint8, err error) {
	m.mu.Lock()
	m.errs[shade] = err
	m.mu.Unlock()
}

// Calls reports how many images were embedded so far.
func (m *Embedder) Calls() int {
	return int(m.calls.Load())
}

// ResetCalls zeroes the call counter.
func (m *Embedder) ResetCalls() {
	m.calls.Store(0)
}

// EmbedFaces implements embedder.Embedder.
func (m *Embedder) EmbedFaces(ctx context.Context, imageData []byte) (*embedder.Result, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("mock embedder: %w", err)
	}
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	shade := uint8(r >> 8)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[shade]; err != nil {
		return nil, err
	}
	faces, ok := m.faces[shade]
	if !ok && m.Strict {
		return nil, fmt.Errorf("%w: shade %d", ErrUnknownImage, shade)
	}

	out := make([]embedder.Face, len(faces))
	for i, f := range faces {
		f.Embedding = append([]float32(nil), f.Embedding...)
		f.BBox = append([]float64(nil), f.BBox...)
		out[i] = f
	}
	return &embedder.Result{Faces: out, Model: "mock"}, nil
}

// PNG encodes a small solid image of the given shade.
func PNG(shade uint8) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := range 8 {
		for y := range 8 {
			img.Set(x, y, color.RGBA{R: shade, G: 10, B: 20, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
