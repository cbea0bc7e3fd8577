package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/evmon/argusd/internal/pool"
	"github.com/evmon/argusd/internal/source"
	"github.com/evmon/argusd/internal/types"
)

// Session is one camera's stream-analysis lifecycle. State moves forward
// only: Starting → Running → Draining → Stopped, with Running → Failed on
// unrecoverable source error and Failed → Stopped after cleanup. A
// terminated session is never resurrected; starting the camera again
// creates a new Session.
type Session struct {
	cameraID string
	locator  string
	interval time.Duration
	labels   []string

	mgr    *Manager
	src    source.Source
	handle *source.Handle

	// stopCh signals Draining; done closes when the session is Stopped.
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// inflight tracks dispatched inference goroutines for draining.
	inflight sync.WaitGroup

	mu           sync.RWMutex
	state        types.SessionState
	lastSeq      uint64
	lastErr      error
	shedFrames   uint64
	createdAt    time.Time
	lastActivity time.Time
}

// transition moves the state machine forward. Invalid transitions are
// ignored with a warning; they indicate a race, not a caller error.
func (s *Session) transition(next types.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == next {
		return false
	}
	if !s.state.CanTransition(next) {
		slog.Warn("invalid session transition ignored",
			"camera_id", s.cameraID,
			"from", s.state.String(),
			"to", next.String(),
		)
		return false
	}
	s.state = next
	s.lastActivity = time.Now()
	slog.Info("session state changed",
		"camera_id", s.cameraID,
		"state", next.String(),
	)
	return true
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a point-in-time snapshot.
func (s *Session) Info() types.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := types.SessionInfo{
		CameraID:         s.cameraID,
		Locator:          s.locator,
		SamplingInterval: s.interval,
		State:            s.state,
		StateName:        s.state.String(),
		LastSeq:          s.lastSeq,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// requestStop moves the session toward Draining. Idempotent.
func (s *Session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// run is the per-session sampling loop. It owns the source handle and is
// the only goroutine mutating this session's state.
func (s *Session) run(ctx context.Context) {
	defer s.mgr.wg.Done()
	defer close(s.done)
	defer s.mgr.adm.ReleaseSession()

	failed := false

	// Cancelling fetchCtx aborts a pending frame fetch immediately;
	// already-dispatched inference keeps the parent ctx and completes.
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopCh:
			cancelFetch()
		case <-fetchCtx.Done():
		}
	}()

loop:
	for {
		select {
		case <-s.stopCh:
			break loop
		case <-ctx.Done():
			break loop
		default:
		}

		frame, err := s.handle.Next(fetchCtx, s.mgr.cfg.ReadTimeout)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				break loop
			case errors.Is(err, types.ErrFrameTimeout):
				slog.Debug("frame fetch timeout",
					"camera_id", s.cameraID,
				)
				continue
			case errors.Is(err, types.ErrEndOfStream):
				slog.Info("stream ended",
					"camera_id", s.cameraID,
					"last_seq", s.LastSeq(),
				)
				break loop
			case errors.Is(err, types.ErrStreamUnavailable):
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
				s.transition(types.SessionFailed)
				failed = true
				break loop
			default:
				// Source closed for a reason the handle cannot classify;
				// treat like an unavailable stream.
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
				s.transition(types.SessionFailed)
				failed = true
				break loop
			}
		}

		if s.State() == types.SessionStarting {
			s.transition(types.SessionRunning)
		}

		s.mu.Lock()
		s.lastSeq = frame.Seq
		s.lastActivity = time.Now()
		s.mu.Unlock()

		s.dispatch(ctx, frame)
	}

	if !failed {
		s.transition(types.SessionDraining)
	}

	// Release the adapter, then let in-flight inference finish.
	if err := s.handle.Stop(); err != nil {
		slog.Error("failed to release stream source",
			"camera_id", s.cameraID,
			"error", err,
		)
	}
	cancelFetch()
	s.inflight.Wait()

	s.transition(types.SessionStopped)
}

// dispatch pushes one frame through admission and, when admitted, to the
// worker pool. Load-shed frames are reported to the emitter so per-camera
// ordering does not stall on the gap.
func (s *Session) dispatch(ctx context.Context, frame types.Frame) {
	release, err := s.mgr.adm.Admit(ctx, s.cameraID)
	if err != nil {
		if errors.Is(err, types.ErrCapacityExceeded) {
			s.mu.Lock()
			s.shedFrames++
			shed := s.shedFrames
			s.mu.Unlock()
			s.mgr.emitter.MarkSkipped(s.cameraID, frame.Seq)
			slog.Debug("frame load-shed",
				"camera_id", s.cameraID,
				"seq", frame.Seq,
				"shed_total", shed,
			)
		}
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer release()

		batch, err := s.mgr.workers.Submit(ctx, pool.Request{
			FrameID:  frame.ID,
			CameraID: s.cameraID,
			Seq:      frame.Seq,
			TraceID:  frame.TraceID,
			Data:     frame.Data,
			Labels:   s.labels,
		})
		if err != nil {
			// Request-scoped fault: the session keeps running.
			s.mgr.emitter.MarkSkipped(s.cameraID, frame.Seq)
			slog.Error("frame inference failed",
				"camera_id", s.cameraID,
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
			)
			return
		}
		s.mgr.emitter.Emit(ctx, batch)
	}()
}

// LastSeq returns the highest dispatched frame sequence number.
func (s *Session) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}
