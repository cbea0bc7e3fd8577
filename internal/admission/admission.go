// Package admission bounds the load entering the detection pipeline: the
// number of concurrent stream sessions and the number of in-flight
// inference submissions. It is the single point of cross-session
// synchronization; everything else in the pipeline is per-session or
// per-worker state.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/evmon/argusd/internal/types"
)

// Config bounds the controller.
type Config struct {
	// MaxSessions is the hard cap on concurrent sessions. Session admission
	// is never queued.
	MaxSessions int
	// MaxInFlight caps concurrently executing inference submissions,
	// matched to the worker pool size plus a small queue margin.
	MaxInFlight int
	// QueueDepth is the per-camera FIFO depth. Work beyond the depth is
	// load-shed for that camera only.
	QueueDepth int
}

// waiter is one queued submission awaiting a free slot.
type waiter struct {
	cameraID string
	ready    chan struct{}
}

// Controller implements session and in-flight admission. All counters are
// guarded by one mutex.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	sessions int
	inFlight int
	// waiters is the arrival-order FIFO of queued submissions. Arrival
	// order preserves per-camera FIFO and keeps slot handout fair across
	// cameras.
	waiters []*waiter
	// queuedPerCamera enforces QueueDepth so a saturated camera sheds its
	// own newest work instead of flooding the shared queue.
	queuedPerCamera map[string]int
	// shedPerCamera counts load-shed submissions per camera for the
	// periodic drop-rate warnings.
	shedPerCamera map[string]uint64

	accepted uint64
	queued   uint64
	rejected uint64
}

// New creates an admission controller.
func New(cfg Config) *Controller {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 16
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	return &Controller{
		cfg:             cfg,
		queuedPerCamera: make(map[string]int),
		shedPerCamera:   make(map[string]uint64),
	}
}

// AcquireSession claims a session slot. Fails immediately with
// CapacityExceeded when the cap is reached; session admission is a hard
// cap, never queued.
func (c *Controller) AcquireSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions >= c.cfg.MaxSessions {
		return fmt.Errorf("session cap %d reached: %w", c.cfg.MaxSessions, types.ErrCapacityExceeded)
	}
	c.sessions++
	return nil
}

// ReleaseSession returns a session slot.
func (c *Controller) ReleaseSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions > 0 {
		c.sessions--
	}
}

// Admit claims an in-flight inference slot for the given camera. The empty
// camera ID is used for single-frame requests and queues like any other
// source. The returned release function must be called exactly once when
// the work completes.
//
// Outcomes:
//   - accepted: a slot was free, returns immediately
//   - queued: waits FIFO up to QueueDepth per camera, bounded by ctx
//   - rejected: queue full for this camera, fails with CapacityExceeded
func (c *Controller) Admit(ctx context.Context, cameraID string) (release func(), err error) {
	c.mu.Lock()

	if c.inFlight < c.cfg.MaxInFlight {
		c.inFlight++
		c.accepted++
		c.mu.Unlock()
		return c.releaseOnce(), nil
	}

	if c.queuedPerCamera[cameraID] >= c.cfg.QueueDepth {
		c.rejected++
		c.shedPerCamera[cameraID]++
		c.mu.Unlock()
		slog.Debug("admission load-shed",
			"camera_id", cameraID,
			"queue_depth", c.cfg.QueueDepth,
		)
		return nil, fmt.Errorf("camera %q queue full: %w", cameraID, types.ErrCapacityExceeded)
	}

	w := &waiter{cameraID: cameraID, ready: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.queuedPerCamera[cameraID]++
	c.queued++
	c.mu.Unlock()

	select {
	case <-w.ready:
		// Slot ownership was transferred by a releasing caller;
		// inFlight already accounts for us.
		return c.releaseOnce(), nil
	case <-ctx.Done():
		c.abandon(w)
		return nil, ctx.Err()
	}
}

// releaseOnce wraps slot release so double calls are harmless.
func (c *Controller) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(c.releaseSlot)
	}
}

// releaseSlot hands the freed slot to the oldest waiter, or decrements
// inFlight when nobody is queued.
func (c *Controller) releaseSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.queuedPerCamera[w.cameraID]--
		if c.queuedPerCamera[w.cameraID] <= 0 {
			delete(c.queuedPerCamera, w.cameraID)
		}
		close(w.ready)
		return
	}
	c.inFlight--
}

// abandon removes a waiter whose context was cancelled. If the slot was
// already handed over, it is released again on the waiter's behalf.
func (c *Controller) abandon(w *waiter) {
	c.mu.Lock()
	for i, q := range c.waiters {
		if q == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.queuedPerCamera[w.cameraID]--
			if c.queuedPerCamera[w.cameraID] <= 0 {
				delete(c.queuedPerCamera, w.cameraID)
			}
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	// Not found: the slot was transferred concurrently with cancellation.
	select {
	case <-w.ready:
		c.releaseSlot()
	default:
	}
}

// Stats is a point-in-time controller snapshot.
type Stats struct {
	Sessions    int    `json:"sessions"`
	MaxSessions int    `json:"max_sessions"`
	InFlight    int    `json:"in_flight"`
	MaxInFlight int    `json:"max_in_flight"`
	QueuedNow   int    `json:"queued_now"`
	Accepted    uint64 `json:"accepted"`
	Queued      uint64 `json:"queued"`
	Rejected    uint64 `json:"rejected"`
}

// Stats returns current counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Sessions:    c.sessions,
		MaxSessions: c.cfg.MaxSessions,
		InFlight:    c.inFlight,
		MaxInFlight: c.cfg.MaxInFlight,
		QueuedNow:   len(c.waiters),
		Accepted:    c.accepted,
		Queued:      c.queued,
		Rejected:    c.rejected,
	}
}

// ShedByCamera returns cumulative load-shed counts keyed by camera ID.
func (c *Controller) ShedByCamera() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.shedPerCamera))
	for id, n := range c.shedPerCamera {
		out[id] = n
	}
	return out
}

// Saturated reports whether the in-flight cap is exhausted and work is
// queueing. Used by health checks to flag degraded state.
func (c *Controller) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight >= c.cfg.MaxInFlight && len(c.waiters) > 0
}
