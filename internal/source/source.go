// Package source pulls decoded frames from remote video streams. It
// isolates stream-protocol concerns from the rest of the pipeline: a
// Source produces a lazy, restartable-on-reconnect sequence of frames
// sampled at a configured interval, and a Handle adapts that sequence to a
// pull-based iterator so the core has no dependency on any particular
// event-loop runtime.
package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/evmon/argusd/internal/types"
)

// Config describes one stream connection.
type Config struct {
	// Locator is the stream URL. The scheme selects the implementation:
	// rtsp:// (GStreamer), http(s):// (MJPEG multipart or still polling),
	// mock:// (synthetic frames).
	Locator string
	// CameraID stamps every produced frame.
	CameraID string
	// Interval is the mandatory sampling interval: at most one frame per
	// interval reaches the pipeline regardless of the stream frame rate.
	Interval time.Duration
	// ReadTimeout bounds a single network read.
	ReadTimeout time.Duration
	// RetryBase is the first reconnect backoff delay, doubled per attempt
	// up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// MaxRetries is the reconnect ceiling; past it the source reports
	// StreamUnavailable and stops producing.
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// Source produces sampled frames from one stream.
type Source interface {
	// Start begins producing frames. Non-blocking; connection failures are
	// retried with backoff inside the run loop.
	Start(ctx context.Context) error
	// Frames returns the frame channel. It is closed when the stream ends,
	// becomes unavailable, or the source is stopped.
	Frames() <-chan types.Frame
	// Err returns the terminal error after Frames is closed:
	// ErrStreamUnavailable, ErrEndOfStream, or nil for a clean stop.
	Err() error
	// Stop cancels production and releases the connection.
	Stop() error
	// Stats returns source statistics.
	Stats() Stats
}

// Stats describes a source at a point in time.
type Stats struct {
	Frames     uint64  `json:"frames"`
	Dropped    uint64  `json:"dropped"`
	Reconnects uint32  `json:"reconnects"`
	BytesRead  uint64  `json:"bytes_read"`
	FPSReal    float64 `json:"fps_real"`
	Connected  bool    `json:"connected"`
}

// Open validates the locator and builds the matching Source. The source is
// not started. Unknown or malformed locators fail with ValidationError.
func Open(cfg Config) (Source, error) {
	cfg.applyDefaults()

	u, err := url.Parse(cfg.Locator)
	if err != nil || u.Scheme == "" {
		return nil, &types.ValidationError{Field: "stream_url", Reason: fmt.Sprintf("malformed locator %q", cfg.Locator)}
	}

	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
		return newRTSPSource(cfg), nil
	case "http", "https":
		return newMJPEGSource(cfg), nil
	case "mock":
		return newMockSource(cfg), nil
	default:
		return nil, &types.ValidationError{Field: "stream_url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
}

// Handle is the pull-based view of a Source.
type Handle struct {
	src Source
}

// NewHandle wraps a started source.
func NewHandle(src Source) *Handle {
	return &Handle{src: src}
}

// Next returns the next sampled frame. It fails with ErrFrameTimeout when
// no frame arrives within timeout, ErrEndOfStream when the stream finished,
// or the source's terminal error when production stopped.
func (h *Handle) Next(ctx context.Context, timeout time.Duration) (types.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-h.src.Frames():
		if !ok {
			if err := h.src.Err(); err != nil {
				return types.Frame{}, err
			}
			return types.Frame{}, types.ErrEndOfStream
		}
		return frame, nil
	case <-timer.C:
		return types.Frame{}, types.ErrFrameTimeout
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Stop releases the underlying source.
func (h *Handle) Stop() error { return h.src.Stop() }

// Stats exposes the underlying source statistics.
func (h *Handle) Stats() Stats { return h.src.Stats() }

// sampler enforces the sampling interval: Allow reports whether a frame
// observed at t should enter the pipeline.
type sampler struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newSampler(interval time.Duration) *sampler {
	return &sampler{interval: interval}
}

func (s *sampler) Allow(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Small tolerance so ticker jitter does not halve the effective rate.
	if !s.last.IsZero() && t.Sub(s.last) < s.interval-s.interval/20 {
		return false
	}
	s.last = t
	return true
}

// backoff computes the exponential reconnect delay for the given attempt
// (1-based), capped at maxDelay.
func backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
