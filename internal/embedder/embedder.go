// Package embedder talks to the face detection/embedding server.
//
// The server exposes POST /embed/face taking a multipart "file" and answering
//
//	{"faces_count": 1, "faces": [{"face_index": 0, "dim": 512,
//	  "embedding": [...], "bbox": [x1, y1, x2, y2], "det_score": 0.98}],
//	 "model": "buffalo_l"}
package embedder

import (
	"context"
)

// Face is one detected face.
type Face struct {
	Index     int       `json:"face_index"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2] in pixels of the submitted image
	DetScore  float64   `json:"det_score"`
}

// Result is the embedder's answer for one image. Faces keep detection order.
type Result struct {
	Faces []Face
	Model string
}

// Embedder detects faces in an encoded image and embeds each of them.
type Embedder interface {
	EmbedFaces(ctx context.Context, imageData []byte) (*Result, error)
}
