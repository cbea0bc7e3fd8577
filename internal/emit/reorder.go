package emit

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/evmon/argusd/internal/types"
)

// reorderBuffer restores per-camera sequence order. Inference may complete
// out of submission order; batches are held until the sequence gap fills,
// a skip notice arrives, or the staleness timeout forces the buffer past
// the gap. Forced skips are logged as detectable gaps, never hidden.
type reorderBuffer struct {
	staleness time.Duration
	flush     func(types.DetectionBatch)

	mu      sync.Mutex
	cameras map[string]*cameraOrder
}

type cameraOrder struct {
	// nextSeq is the sequence number the camera is waiting on. Sources
	// number frames from 1, so a fresh camera always waits on seq 1: the
	// first frame to complete inference is not necessarily the first
	// frame sampled.
	nextSeq uint64
	// pending holds out-of-order batches keyed by sequence number.
	pending map[uint64]types.DetectionBatch
	// gapSince is when the current head gap was first observed.
	gapSince time.Time
	// skipped marks sequence numbers that will never arrive.
	skipped map[uint64]struct{}
}

func newReorderBuffer(staleness time.Duration, flush func(types.DetectionBatch)) *reorderBuffer {
	if staleness <= 0 {
		staleness = 2 * time.Second
	}
	return &reorderBuffer{
		staleness: staleness,
		flush:     flush,
		cameras:   make(map[string]*cameraOrder),
	}
}

func (r *reorderBuffer) camera(cameraID string) *cameraOrder {
	co, ok := r.cameras[cameraID]
	if !ok {
		co = &cameraOrder{
			nextSeq: 1,
			pending: make(map[uint64]types.DetectionBatch),
			skipped: make(map[uint64]struct{}),
		}
		r.cameras[cameraID] = co
	}
	return co
}

// Add accepts one completed batch and flushes everything now in order.
// Batches without a camera (single-frame requests) bypass ordering.
func (r *reorderBuffer) Add(batch types.DetectionBatch) {
	if batch.CameraID == "" {
		r.flush(batch)
		return
	}

	r.mu.Lock()
	co := r.camera(batch.CameraID)

	if batch.Seq < co.nextSeq {
		// Arrived after a forced skip-ahead; deliver late rather than
		// never, the at-least-once contract allows it.
		r.mu.Unlock()
		slog.Warn("late batch delivered out of order",
			"camera_id", batch.CameraID,
			"seq", batch.Seq,
		)
		r.flush(batch)
		return
	}

	co.pending[batch.Seq] = batch
	ready := co.drain()
	r.mu.Unlock()

	for _, b := range ready {
		r.flush(b)
	}
}

// MarkSkipped records that seq will never arrive for the camera, letting
// ordered delivery advance past it.
func (r *reorderBuffer) MarkSkipped(cameraID string, seq uint64) {
	r.mu.Lock()
	co := r.camera(cameraID)
	if seq >= co.nextSeq {
		co.skipped[seq] = struct{}{}
	}
	ready := co.drain()
	r.mu.Unlock()

	for _, b := range ready {
		r.flush(b)
	}
}

// drain pops every batch deliverable in order. Caller holds r.mu.
func (co *cameraOrder) drain() []types.DetectionBatch {
	var ready []types.DetectionBatch
	for {
		if _, ok := co.skipped[co.nextSeq]; ok {
			delete(co.skipped, co.nextSeq)
			co.nextSeq++
			continue
		}
		b, ok := co.pending[co.nextSeq]
		if !ok {
			break
		}
		delete(co.pending, co.nextSeq)
		ready = append(ready, b)
		co.nextSeq++
	}

	if len(co.pending) == 0 {
		co.gapSince = time.Time{}
	} else if co.gapSince.IsZero() {
		co.gapSince = time.Now()
	}
	return ready
}

// Expire forces stale gaps open: any camera whose head gap has been
// blocking longer than the staleness budget skips ahead to its lowest
// buffered sequence number. Returns the flushed batches' count.
func (r *reorderBuffer) Expire(now time.Time) int {
	r.mu.Lock()
	var ready []types.DetectionBatch
	for cameraID, co := range r.cameras {
		if len(co.pending) == 0 || co.gapSince.IsZero() || now.Sub(co.gapSince) < r.staleness {
			continue
		}

		// Skip ahead to the lowest pending sequence.
		seqs := make([]uint64, 0, len(co.pending))
		for seq := range co.pending {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		slog.Warn("sequence gap expired, skipping ahead",
			"camera_id", cameraID,
			"from_seq", co.nextSeq,
			"to_seq", seqs[0],
			"stalled_for", now.Sub(co.gapSince),
		)
		co.nextSeq = seqs[0]
		ready = append(ready, co.drain()...)
	}
	r.mu.Unlock()

	for _, b := range ready {
		r.flush(b)
	}
	return len(ready)
}

// Forget drops a camera's ordering state once its session is gone.
func (r *reorderBuffer) Forget(cameraID string) {
	r.mu.Lock()
	delete(r.cameras, cameraID)
	r.mu.Unlock()
}
