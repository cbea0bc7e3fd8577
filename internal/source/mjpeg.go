package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evmon/argusd/internal/types"
)

// MJPEGSource pulls frames over HTTP. It speaks two dialects:
//   - multipart/x-mixed-replace MJPEG streams (IP cameras)
//   - plain image/jpeg endpoints, polled once per sampling interval
//
// Transient I/O failures trigger reconnects with exponential backoff; past
// the attempt ceiling the source reports StreamUnavailable and stops.
type MJPEGSource struct {
	cfg    Config
	client *http.Client

	framesCh chan types.Frame
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	seq        uint64
	frames     uint64
	dropped    uint64
	bytesRead  uint64
	reconnects uint32

	mu        sync.RWMutex
	err       error
	connected bool
	started   time.Time
}

func newMJPEGSource(cfg Config) *MJPEGSource {
	return &MJPEGSource{
		cfg: cfg,
		client: &http.Client{
			// Response bodies are long-lived streams; only the dial and
			// header phases are bounded here.
			Timeout: 0,
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
		},
		framesCh: make(chan types.Frame, 4),
	}
}

// Start implements Source.
func (s *MJPEGSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("mjpeg source already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	slog.Info("mjpeg source starting",
		"camera_id", s.cfg.CameraID,
		"url", s.cfg.Locator,
		"interval", s.cfg.Interval,
	)
	return nil
}

// run is the connect/stream/reconnect loop.
func (s *MJPEGSource) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.framesCh)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndStream(ctx)
		s.setConnected(false)
		if err == nil {
			// Clean end of stream.
			s.setErr(types.ErrEndOfStream)
			return
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		atomic.AddUint32(&s.reconnects, 1)
		if attempt > s.cfg.MaxRetries {
			slog.Error("mjpeg source retries exhausted",
				"camera_id", s.cfg.CameraID,
				"attempts", attempt-1,
				"error", err,
			)
			s.setErr(fmt.Errorf("%w: %v", types.ErrStreamUnavailable, err))
			return
		}

		delay := backoff(s.cfg.RetryBase, s.cfg.RetryMax, attempt)
		slog.Warn("mjpeg source reconnecting",
			"camera_id", s.cfg.CameraID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// connectAndStream opens the HTTP stream and forwards sampled frames until
// the stream ends or errors. A nil return means clean end of stream.
func (s *MJPEGSource) connectAndStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Locator, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse content-type: %w", err)
	}

	s.setConnected(true)

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart stream without boundary")
		}
		return s.streamMultipart(ctx, multipart.NewReader(resp.Body, boundary))
	case strings.HasPrefix(mediaType, "image/"):
		// Still-image endpoint: this response is the first poll.
		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		resp.Body.Close()
		s.deliver(ctx, data, time.Now())
		return s.pollStills(ctx)
	default:
		return fmt.Errorf("unsupported content-type %q", mediaType)
	}
}

// streamMultipart forwards one part per sampling interval and discards the
// rest, bounding downstream load.
func (s *MJPEGSource) streamMultipart(ctx context.Context, mr *multipart.Reader) error {
	smp := newSampler(s.cfg.Interval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next part: %w", err)
		}

		now := time.Now()
		if !smp.Allow(now) {
			// Drain the part so the reader can advance.
			io.Copy(io.Discard, part)
			part.Close()
			atomic.AddUint64(&s.dropped, 1)
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, 32<<20))
		part.Close()
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}
		s.deliver(ctx, data, now)
	}
}

// pollStills fetches the still endpoint once per sampling interval.
func (s *MJPEGSource) pollStills(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.cfg.Locator, nil)
			if err != nil {
				cancel()
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := s.client.Do(req)
			if err != nil {
				cancel()
				return fmt.Errorf("poll: %w", err)
			}
			data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
			resp.Body.Close()
			cancel()
			if err != nil {
				return fmt.Errorf("read poll body: %w", err)
			}
			s.deliver(ctx, data, time.Now())
		}
	}
}

// deliver stamps and forwards one frame, dropping when the pipeline is not
// keeping up.
func (s *MJPEGSource) deliver(ctx context.Context, data []byte, ts time.Time) {
	if len(data) == 0 {
		return
	}
	atomic.AddUint64(&s.bytesRead, uint64(len(data)))

	frame := types.Frame{
		ID:        uuid.New().String(),
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: ts,
		Data:      data,
		CameraID:  s.cfg.CameraID,
		TraceID:   uuid.New().String(),
	}

	select {
	case s.framesCh <- frame:
		atomic.AddUint64(&s.frames, 1)
	case <-ctx.Done():
	default:
		atomic.AddUint64(&s.dropped, 1)
		slog.Debug("mjpeg frame dropped, channel full",
			"camera_id", s.cfg.CameraID,
			"seq", frame.Seq,
		)
	}
}

// Frames implements Source.
func (s *MJPEGSource) Frames() <-chan types.Frame { return s.framesCh }

// Err implements Source.
func (s *MJPEGSource) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *MJPEGSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MJPEGSource) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Stop implements Source. Safe to call more than once.
func (s *MJPEGSource) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	s.wg.Wait()
	return nil
}

// Stats implements Source.
func (s *MJPEGSource) Stats() Stats {
	s.mu.RLock()
	connected := s.connected
	started := s.started
	s.mu.RUnlock()

	frames := atomic.LoadUint64(&s.frames)
	var fps float64
	if !started.IsZero() {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fps = float64(frames) / elapsed
		}
	}
	return Stats{
		Frames:     frames,
		Dropped:    atomic.LoadUint64(&s.dropped),
		Reconnects: atomic.LoadUint32(&s.reconnects),
		BytesRead:  atomic.LoadUint64(&s.bytesRead),
		FPSReal:    fps,
		Connected:  connected,
	}
}
