// Package session owns the lifecycle of stream-analysis sessions: one per
// camera, coordinating frame sampling, admission and worker dispatch.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evmon/argusd/internal/admission"
	"github.com/evmon/argusd/internal/pool"
	"github.com/evmon/argusd/internal/source"
	"github.com/evmon/argusd/internal/types"
)

// Emitter is the downstream the manager hands completed batches to.
type Emitter interface {
	// Emit delivers a batch; ordering per camera is the emitter's job.
	Emit(ctx context.Context, batch types.DetectionBatch)
	// MarkSkipped tells the emitter a sequence number will never arrive
	// (load-shed or failed frame) so ordering does not stall on the gap.
	MarkSkipped(cameraID string, seq uint64)
}

// OpenFunc builds a frame source for a locator. Tests substitute fakes.
type OpenFunc func(cfg source.Config) (source.Source, error)

// Config tunes the manager.
type Config struct {
	// DefaultInterval applies when a start request names no interval.
	DefaultInterval time.Duration
	// DefaultLabels is the label set analyzed on stream frames.
	DefaultLabels []string
	// ReadTimeout bounds one frame fetch.
	ReadTimeout time.Duration
	// Source carries the reconnect policy for new sources.
	Source source.Config
}

// Manager tracks active sessions. All session-map mutations happen under
// one mutex so state transitions never race.
type Manager struct {
	cfg     Config
	adm     *admission.Controller
	workers *pool.Pool
	emitter Emitter
	open    OpenFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager wires the session manager. open may be nil, which selects
// source.Open.
func NewManager(cfg Config, adm *admission.Controller, workers *pool.Pool, emitter Emitter, open OpenFunc) *Manager {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if len(cfg.DefaultLabels) == 0 {
		cfg.DefaultLabels = types.DefaultLabels
	}
	if open == nil {
		open = source.Open
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		adm:      adm,
		workers:  workers,
		emitter:  emitter,
		open:     open,
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// StartSession begins analyzing a camera stream. Fails with ConflictError
// when the camera already has a non-terminal session, ValidationError for
// a malformed locator, and CapacityExceeded when the session cap is
// reached.
func (m *Manager) StartSession(ctx context.Context, cameraID, locator string, interval time.Duration) error {
	if cameraID == "" {
		return &types.ValidationError{Field: "camera_id", Reason: "required"}
	}
	if interval <= 0 {
		interval = m.cfg.DefaultInterval
	}

	srcCfg := m.cfg.Source
	srcCfg.Locator = locator
	srcCfg.CameraID = cameraID
	srcCfg.Interval = interval

	// Validate the locator before claiming any capacity.
	src, err := m.open(srcCfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		src.Stop()
		return fmt.Errorf("session manager is shut down")
	}
	if existing, ok := m.sessions[cameraID]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		src.Stop()
		return fmt.Errorf("camera %q: %w", cameraID, types.ErrConflict)
	}

	if err := m.adm.AcquireSession(); err != nil {
		m.mu.Unlock()
		src.Stop()
		return err
	}

	now := time.Now()
	s := &Session{
		cameraID:     cameraID,
		locator:      locator,
		interval:     interval,
		labels:       m.cfg.DefaultLabels,
		mgr:          m,
		src:          src,
		handle:       source.NewHandle(src),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		state:        types.SessionStarting,
		createdAt:    now,
		lastActivity: now,
	}
	m.sessions[cameraID] = s
	m.mu.Unlock()

	if err := src.Start(m.baseCtx); err != nil {
		// Source refused to start; roll the session back to terminal.
		m.mu.Lock()
		s.state = types.SessionStopped
		m.mu.Unlock()
		m.adm.ReleaseSession()
		return fmt.Errorf("failed to start source for camera %q: %w", cameraID, err)
	}

	m.wg.Add(1)
	go s.run(m.baseCtx)

	slog.Info("session started",
		"camera_id", cameraID,
		"locator", locator,
		"interval", interval,
	)
	return nil
}

// StopSession drains and stops the camera's session. Idempotent: stopping
// a stopped or unknown camera is a no-op. Blocks until the session reaches
// Stopped or ctx expires.
func (m *Manager) StopSession(ctx context.Context, cameraID string) error {
	m.mu.Lock()
	s, ok := m.sessions[cameraID]
	m.mu.Unlock()

	if !ok || s.State().Terminal() {
		return nil
	}

	s.requestStop()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns a snapshot of the camera's most recent session, which
// also surfaces asynchronous failures (state + last error).
func (m *Manager) Session(cameraID string) (types.SessionInfo, bool) {
	m.mu.Lock()
	s, ok := m.sessions[cameraID]
	m.mu.Unlock()
	if !ok {
		return types.SessionInfo{}, false
	}
	return s.Info(), true
}

// Sessions snapshots all known sessions.
func (m *Manager) Sessions() []types.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]types.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// ActiveCount returns the number of non-terminal sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			n++
		}
	}
	return n
}

// FailedCount returns the number of sessions whose last run failed.
func (m *Manager) FailedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		info := s.Info()
		if info.State == types.SessionFailed || (info.State == types.SessionStopped && info.LastError != "") {
			n++
		}
	}
	return n
}

// Shutdown stops all sessions and waits for their goroutines, bounded by
// ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.requestStop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-cancel whatever is still running.
		m.cancel()
		return fmt.Errorf("session manager shutdown timed out: %w", ctx.Err())
	}

	m.cancel()
	slog.Info("session manager shut down", "sessions", len(sessions))
	return nil
}
