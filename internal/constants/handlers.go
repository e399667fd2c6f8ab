// Package constants provides shared constants used across the codebase.
package constants

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// File upload constants
const (
	// DefaultMaxUploadMB is the default maximum upload size in megabytes
	DefaultMaxUploadMB = 10

	// MultipartMemory is how much of a multipart form is held in memory
	MultipartMemory = 32 << 20
)

// Handler listing constants
const (
	// DefaultHistoryLimit is the default number of confirmation records returned
	DefaultHistoryLimit = 100

	// MaxHistoryLimit caps the history page size
	MaxHistoryLimit = 1000
)
