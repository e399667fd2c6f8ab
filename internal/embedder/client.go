package embedder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/metrics"
)

const defaultEmbeddingURL = "http://localhost:8000"

// Options configures a Client.
type Options struct {
	URL             string
	Dim             int           // expected embedding length, 0 = accept any
	Timeout         time.Duration // per call
	RatePerSecond   float64       // 0 = unlimited
	Burst           int
	BreakerFailures uint32 // consecutive failures that open the circuit, 0 = 5
	HTTPClient      *http.Client
}

// Client computes face embeddings using the embedding server.
type Client struct {
	baseURL string
	dim     int
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*Result]
}

// NewClient creates a new embedding client.
func NewClient(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = defaultEmbeddingURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultEmbedderTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	c := &Client{
		baseURL: strings.TrimSuffix(opts.URL, "/"),
		dim:     opts.Dim,
		timeout: opts.Timeout,
		client:  opts.HTTPClient,
	}
	if opts.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), max(1, opts.Burst))
	}

	failures := opts.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation and rejected images say nothing about the server.
			var se *statusError
			return err == nil || errors.Is(err, context.Canceled) || (errors.As(err, &se) && se.code < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("embedder circuit state changed")
		},
	})
	return c
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.code, e.body)
}

// faceResponse is the JSON returned by /embed/face.
type faceResponse struct {
	FacesCount int    `json:"faces_count"`
	Faces      []Face `json:"faces"`
	Model      string `json:"model"`
}

// EmbedFaces detects faces and computes their embeddings. Each call gets its
// own timeout; failures are embedder errors.
func (c *Client) EmbedFaces(ctx context.Context, imageData []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.EmbedderCalls.WithLabelValues("timeout").Inc()
			return nil, facerr.Embedder("embedder.rate_limit", err)
		}
	}

	start := time.Now()
	res, err := c.breaker.Execute(func() (*Result, error) {
		return c.computeFaces(ctx, imageData)
	})
	metrics.EmbedderLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.EmbedderCalls.WithLabelValues("open_circuit").Inc()
		case errors.Is(err, context.DeadlineExceeded):
			metrics.EmbedderCalls.WithLabelValues("timeout").Inc()
		default:
			metrics.EmbedderCalls.WithLabelValues("error").Inc()
		}
		return nil, facerr.Embedder("embedder.embed_faces", err)
	}
	metrics.EmbedderCalls.WithLabelValues("ok").Inc()
	return res, nil
}

func (c *Client) computeFaces(ctx context.Context, imageData []byte) (*Result, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	for i := range resp.Faces {
		f := &resp.Faces[i]
		if c.dim > 0 && len(f.Embedding) != c.dim {
			logging.Ctx(ctx).Warn().Int("face", f.Index).Int("got_dim", len(f.Embedding)).Int("want_dim", c.dim).
				Msg("embedder returned unexpected dimension, dropping embedding")
			f.Embedding = nil
		}
	}
	return &Result{Faces: resp.Faces, Model: resp.Model}, nil
}

// postMultipartImage posts the image as a multipart form with an explicit
// Content-Type based on magic byte detection.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return body, nil
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// GIF: 47 49 46 38
	if data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 {
		return "image/gif"
	}
	// BMP: 42 4D
	if data[0] == 0x42 && data[1] == 0x4D {
		return "image/bmp"
	}
	// WebP: 52 49 46 46 ... 57 45 42 50
	if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
		return "image/webp"
	}
	return "application/octet-stream"
}
