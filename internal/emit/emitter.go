// Package emit delivers detection batches to downstream consumers with
// at-least-once semantics and per-camera ordering. Delivery never blocks
// the pipeline indefinitely: a sink that keeps failing costs a bounded
// number of retries, then the batch is logged as undelivered and dropped.
package emit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evmon/argusd/internal/types"
)

// Sink is one downstream consumer (event bus, webhook, websocket hub).
type Sink interface {
	// Name identifies the sink in logs and stats.
	Name() string
	// Deliver pushes one batch. An error marks the attempt failed and
	// triggers the emitter's retry policy.
	Deliver(ctx context.Context, batch types.DetectionBatch) error
	// Close releases the sink.
	Close() error
}

// Config tunes delivery.
type Config struct {
	// MaxAttempts caps delivery retries per sink per batch.
	MaxAttempts int
	// RetryBase is the first retry delay, doubled per attempt up to
	// RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// ReorderStaleness bounds how long ordered delivery waits on a
	// sequence gap before skipping ahead.
	ReorderStaleness time.Duration
	// QueueSize bounds batches waiting for delivery workers.
	QueueSize int
}

// Emitter fans detection batches out to registered sinks.
type Emitter struct {
	cfg     Config
	reorder *reorderBuffer

	queue  chan types.DetectionBatch
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	sinks       []Sink
	running     bool
	delivered   uint64
	undelivered uint64
	dropped     uint64
}

// New creates an emitter. Sinks are registered before Start.
func New(cfg Config) *Emitter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	e := &Emitter{
		cfg:   cfg,
		queue: make(chan types.DetectionBatch, cfg.QueueSize),
	}
	e.reorder = newReorderBuffer(cfg.ReorderStaleness, e.enqueue)
	return e
}

// Register adds a downstream consumer.
func (e *Emitter) Register(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
	slog.Info("emitter sink registered", "sink", sink.Name())
}

// Start launches the delivery worker and the gap-expiry ticker.
func (e *Emitter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	// The loops run on their own lifecycle context, detached from the
	// startup context: during shutdown the pipeline keeps delivering
	// batches from draining sessions until Stop is called.
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go e.deliverLoop(runCtx)
	go e.expireLoop(runCtx)
	return nil
}

// Stop drains the queue and closes the sinks.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	sinks := e.sinks
	e.mu.Unlock()
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			slog.Error("failed to close sink", "sink", s.Name(), "error", err)
		}
	}
}

// Emit hands one completed batch to ordered delivery. Non-blocking for the
// pipeline: ordering happens inline, sink I/O on the delivery worker.
func (e *Emitter) Emit(ctx context.Context, batch types.DetectionBatch) {
	e.reorder.Add(batch)
}

// EmitDirect hands a batch straight to the delivery queue, bypassing
// per-camera ordering. Single-frame requests use it so an ad-hoc batch
// never perturbs a live session's sequence for the same camera.
func (e *Emitter) EmitDirect(batch types.DetectionBatch) {
	e.enqueue(batch)
}

// MarkSkipped records a sequence number that will never complete.
func (e *Emitter) MarkSkipped(cameraID string, seq uint64) {
	e.reorder.MarkSkipped(cameraID, seq)
}

// Forget releases ordering state for a finished camera session.
func (e *Emitter) Forget(cameraID string) {
	e.reorder.Forget(cameraID)
}

// enqueue moves an in-order batch onto the delivery queue, shedding the
// oldest queued batch when delivery cannot keep up.
func (e *Emitter) enqueue(batch types.DetectionBatch) {
	for {
		select {
		case e.queue <- batch:
			return
		default:
		}
		select {
		case old := <-e.queue:
			e.mu.Lock()
			e.dropped++
			e.mu.Unlock()
			slog.Warn("emitter queue full, dropping oldest batch",
				"camera_id", old.CameraID,
				"seq", old.Seq,
			)
		default:
		}
	}
}

// deliverLoop pushes queued batches to every sink in order.
func (e *Emitter) deliverLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case batch := <-e.queue:
					e.deliverAll(context.Background(), batch)
				default:
					return
				}
			}
		case batch := <-e.queue:
			e.deliverAll(ctx, batch)
		}
	}
}

// deliverAll applies the retry policy per sink. A failing sink never
// blocks the batch for the other sinks beyond its own retry budget.
func (e *Emitter) deliverAll(ctx context.Context, batch types.DetectionBatch) {
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()

	for _, sink := range sinks {
		if err := e.deliverWithRetry(ctx, sink, batch); err != nil {
			e.mu.Lock()
			e.undelivered++
			e.mu.Unlock()
			// Undelivered batches are dropped, not retried forever; the
			// log line is the gap marker.
			slog.Error("batch undelivered, dropping",
				"sink", sink.Name(),
				"camera_id", batch.CameraID,
				"frame_id", batch.FrameID,
				"seq", batch.Seq,
				"error", err,
			)
			continue
		}
		e.mu.Lock()
		e.delivered++
		e.mu.Unlock()
	}
}

func (e *Emitter) deliverWithRetry(ctx context.Context, sink Sink, batch types.DetectionBatch) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := sink.Deliver(ctx, batch); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := retryDelay(e.cfg.RetryBase, e.cfg.RetryMax, attempt)
		slog.Debug("sink delivery retry",
			"sink", sink.Name(),
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &types.DeliveryError{Sink: sink.Name(), Attempts: attempt, Err: ctx.Err()}
		}
	}
	return &types.DeliveryError{Sink: sink.Name(), Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

// expireLoop periodically forces stale sequence gaps open.
func (e *Emitter) expireLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.ReorderStaleness
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.reorder.Expire(now)
		}
	}
}

// retryDelay is exponential backoff capped at maxDelay.
func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Stats is a point-in-time emitter snapshot.
type Stats struct {
	Sinks       int    `json:"sinks"`
	Delivered   uint64 `json:"delivered"`
	Undelivered uint64 `json:"undelivered"`
	Dropped     uint64 `json:"dropped"`
	QueuedNow   int    `json:"queued_now"`
}

// Stats returns emitter counters.
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Sinks:       len(e.sinks),
		Delivered:   e.delivered,
		Undelivered: e.undelivered,
		Dropped:     e.dropped,
		QueuedNow:   len(e.queue),
	}
}
