// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Face matching constants
const (
	// DefaultDistanceThreshold is the default maximum cosine distance for a face
	// to be reported as a known person. Lower values = stricter matching
	DefaultDistanceThreshold = 0.5

	// MaxDistanceThreshold is the largest threshold that still means anything
	// for cosine distance (range 0..2)
	MaxDistanceThreshold = 2.0

	// UnknownPerson is the label reported for faces with no match within the threshold
	UnknownPerson = "unknown"

	// DefaultCandidateCount is how many distinct people Candidates returns per face
	DefaultCandidateCount = 3

	// DefaultEmbeddingDim is the face embedding length produced by the embedder
	DefaultEmbeddingDim = 512
)

// Processing constants
const (
	// DefaultEmbedderConcurrency bounds parallel embedder calls during a rebuild
	DefaultEmbedderConcurrency = 4

	// DefaultEmbedderTimeout is the per-image timeout for a single embedder call
	DefaultEmbedderTimeout = 30 * time.Second

	// MaxImageSize is the maximum dimension (width or height) sent to the embedder
	MaxImageSize = 1920

	// ResizeJPEGQuality is the JPEG quality used when re-encoding downscaled images
	ResizeJPEGQuality = 85
)

// HNSW parameters for the candidate index over 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier widens the HNSW request so enough distinct
	// people survive de-duplication.
	HNSWSearchMultiplier = 4
)

// Background work constants
const (
	// DefaultWatchDebounce batches filesystem events before scheduling a rebuild
	DefaultWatchDebounce = 2 * time.Second

	// RebuildQueueSize is the buffer of pending per-user rebuild requests
	RebuildQueueSize = 256
)
