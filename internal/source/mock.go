package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evmon/argusd/internal/types"
)

// MockSource generates synthetic JPEG frames at the sampling interval.
// Locator form: mock://?width=320&height=240&frames=100 (frames=0 means
// unbounded; a bounded mock ends with ErrEndOfStream).
type MockSource struct {
	cfg       Config
	width     int
	height    int
	maxFrames uint64

	framesCh chan types.Frame
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.RWMutex
	seq       uint64
	emitted   uint64
	err       error
	isRunning bool
	started   time.Time
}

func newMockSource(cfg Config) *MockSource {
	width, height, maxFrames := 320, 240, uint64(0)
	if u, err := url.Parse(cfg.Locator); err == nil {
		q := u.Query()
		if v, err := strconv.Atoi(q.Get("width")); err == nil && v > 0 {
			width = v
		}
		if v, err := strconv.Atoi(q.Get("height")); err == nil && v > 0 {
			height = v
		}
		if v, err := strconv.ParseUint(q.Get("frames"), 10, 64); err == nil {
			maxFrames = v
		}
	}
	return &MockSource{
		cfg:       cfg,
		width:     width,
		height:    height,
		maxFrames: maxFrames,
		framesCh:  make(chan types.Frame, 4),
		stopCh:    make(chan struct{}),
	}
}

// Start implements Source.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("mock source already running")
	}
	m.isRunning = true
	m.started = time.Now()
	m.mu.Unlock()

	slog.Debug("mock source starting",
		"camera_id", m.cfg.CameraID,
		"resolution", fmt.Sprintf("%dx%d", m.width, m.height),
		"interval", m.cfg.Interval,
	)

	m.wg.Add(1)
	go m.generate(ctx)
	return nil
}

func (m *MockSource) generate(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.framesCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			frame, err := m.createFrame()
			if err != nil {
				m.setErr(fmt.Errorf("mock frame encode: %w", err))
				return
			}
			select {
			case m.framesCh <- frame:
				m.mu.Lock()
				m.emitted++
				done := m.maxFrames > 0 && m.emitted >= m.maxFrames
				m.mu.Unlock()
				if done {
					m.setErr(types.ErrEndOfStream)
					return
				}
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}
}

// createFrame encodes a flat gray JPEG so downstream decoding is exercised
// end to end.
func (m *MockSource) createFrame() (types.Frame, error) {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, m.width, m.height))
	gray := color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = gray.R
		img.Pix[i+1] = gray.G
		img.Pix[i+2] = gray.B
		img.Pix[i+3] = gray.A
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return types.Frame{}, err
	}

	return types.Frame{
		ID:        uuid.New().String(),
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      buf.Bytes(),
		CameraID:  m.cfg.CameraID,
		TraceID:   uuid.New().String(),
	}, nil
}

// Frames implements Source.
func (m *MockSource) Frames() <-chan types.Frame { return m.framesCh }

// Err implements Source.
func (m *MockSource) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *MockSource) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Stop implements Source. Safe to call more than once.
func (m *MockSource) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	m.isRunning = false
	m.mu.Unlock()
	return nil
}

// Stats implements Source.
func (m *MockSource) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fps float64
	if m.isRunning && m.emitted > 0 {
		if elapsed := time.Since(m.started).Seconds(); elapsed > 0 {
			fps = float64(m.emitted) / elapsed
		}
	}
	return Stats{
		Frames:    m.emitted,
		FPSReal:   fps,
		Connected: m.isRunning,
	}
}
