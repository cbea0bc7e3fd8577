// Package pool runs object detection on a fixed-size pool of workers. Each
// worker owns one model instance loaded from the injected registry, so no
// inference state is ever shared between concurrent submissions.
package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	// Decoders for the inline-image and frame payloads.
	_ "image/jpeg"
	_ "image/png"

	"github.com/evmon/argusd/internal/model"
	"github.com/evmon/argusd/internal/types"
)

// Config bounds the pool.
type Config struct {
	// Workers is the pool size W.
	Workers int
	// MinConfidence drops detections below this score.
	MinConfidence float64
	// ModelName/ModelVersion select the detector from the registry.
	ModelName    string
	ModelVersion string
}

// Request is one unit of detection work. Data holds the encoded image; it
// is decoded and validated before a worker slot is occupied.
type Request struct {
	FrameID  string
	CameraID string
	Seq      uint64
	TraceID  string
	Data     []byte
	// Labels is the sorted, de-duplicated set of requested object classes.
	Labels []string
}

// job is a decoded request paired with its reply channel.
type job struct {
	req   Request
	img   image.Image
	reply chan result
}

type result struct {
	batch types.DetectionBatch
	err   error
}

// Pool is the inference worker pool.
type Pool struct {
	cfg      Config
	registry model.Registry

	jobs   chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu        sync.RWMutex
	running   bool
	minConf   float64
	processed uint64
	failures  uint64
	restarts  uint64
	totalLat  time.Duration
}

// New creates a pool. The registry is a capability object owned by the
// caller; the pool never constructs one itself.
func New(cfg Config, registry model.Registry) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pool{
		cfg:      cfg,
		registry: registry,
		minConf:  cfg.MinConfidence,
		jobs:     make(chan job),
	}
}

// Start loads one detector per worker and launches the worker loops. Fails
// fast when the model cannot be loaded at all.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pool already running")
	}
	p.running = true
	p.mu.Unlock()

	// Workers run on their own lifecycle context, detached from the
	// startup context: during shutdown, draining sessions still need the
	// pool to finish their in-flight frames, so only Stop ends the loops.
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		det, err := p.registry.Load(ctx, p.cfg.ModelName, p.cfg.ModelVersion)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to load model for %s: %w", workerID, err)
		}
		p.wg.Add(1)
		go p.runWorker(runCtx, workerID, det)
	}

	slog.Info("inference pool started",
		"workers", p.cfg.Workers,
		"model", p.cfg.ModelName,
		"version", p.cfg.ModelVersion,
	)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	slog.Info("inference pool stopped")
}

// Submit executes detection for the request, blocking until a worker picks
// it up or ctx is cancelled. Malformed input fails with InputError before
// dispatch and never occupies a worker slot.
func (p *Pool) Submit(ctx context.Context, req Request) (types.DetectionBatch, error) {
	if len(req.Data) == 0 {
		return types.DetectionBatch{}, &types.InputError{Reason: "empty image payload"}
	}
	img, format, err := image.Decode(bytes.NewReader(req.Data))
	if err != nil {
		return types.DetectionBatch{}, &types.InputError{Reason: "undecodable image", Err: err}
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return types.DetectionBatch{}, &types.InputError{Reason: fmt.Sprintf("degenerate %s image %dx%d", format, bounds.Dx(), bounds.Dy())}
	}

	j := job{req: req, img: img, reply: make(chan result, 1)}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return types.DetectionBatch{}, ctx.Err()
	}

	select {
	case res := <-j.reply:
		return res.batch, res.err
	case <-ctx.Done():
		return types.DetectionBatch{}, ctx.Err()
	}
}

// runWorker is the worker loop. A panic during inference fails only the
// in-flight job; the worker replaces its detector and keeps serving.
func (p *Pool) runWorker(ctx context.Context, workerID string, det model.Detector) {
	defer p.wg.Done()
	defer func() {
		if det != nil {
			det.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			start := time.Now()

			if det == nil {
				// Previous job crashed the detector; try to replace it.
				var err error
				det, err = p.registry.Load(ctx, p.cfg.ModelName, p.cfg.ModelVersion)
				if err != nil {
					p.recordFailure()
					j.reply <- result{err: &types.InferenceError{WorkerID: workerID, Err: fmt.Errorf("detector unavailable: %w", err)}}
					continue
				}
				p.recordRestart()
				slog.Info("worker detector replaced", "worker_id", workerID)
			}

			dets, err := p.detect(ctx, workerID, det, j.img)
			if err != nil {
				p.recordFailure()
				if isCrash(err) {
					// Isolate the fault: drop this detector instance.
					det.Close()
					det = nil
				}
				j.reply <- result{err: err}
				continue
			}

			batch := p.buildBatch(j, dets, time.Since(start))
			p.recordSuccess(batch.Latency)
			j.reply <- result{batch: batch}
		}
	}
}

// crashError marks a recovered panic, which forces detector replacement.
type crashError struct{ err error }

func (e *crashError) Error() string { return e.err.Error() }
func (e *crashError) Unwrap() error { return e.err }

func isCrash(err error) bool {
	var ce *crashError
	return errors.As(err, &ce)
}

// detect runs the model with panic isolation.
func (p *Pool) detect(ctx context.Context, workerID string, det model.Detector, img image.Image) (dets []types.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker crashed during inference",
				"worker_id", workerID,
				"panic", r,
			)
			err = &types.InferenceError{WorkerID: workerID, Err: &crashError{err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	dets, derr := det.Detect(ctx, img)
	if derr != nil {
		return nil, &types.InferenceError{WorkerID: workerID, Err: derr}
	}
	return dets, nil
}

// buildBatch filters raw detections to the requested labels, applies the
// confidence cutoff and clips boxes to frame bounds.
func (p *Pool) buildBatch(j job, raw []types.Detection, latency time.Duration) types.DetectionBatch {
	w := j.img.Bounds().Dx()
	h := j.img.Bounds().Dy()

	minConf := p.MinConfidence()

	kept := make([]types.Detection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence < minConf {
			continue
		}
		if len(j.req.Labels) > 0 && !wantsLabel(j.req.Labels, d.Label) {
			continue
		}
		d.BBox.ClampTo(w, h)
		kept = append(kept, d)
	}

	return types.DetectionBatch{
		FrameID:    j.req.FrameID,
		CameraID:   j.req.CameraID,
		Seq:        j.req.Seq,
		TraceID:    j.req.TraceID,
		Detections: kept,
		Latency:    latency,
		LatencyMS:  float64(latency.Microseconds()) / 1000.0,
		Success:    true,
		Timestamp:  time.Now(),
	}
}

// wantsLabel checks membership in the sorted label set.
func wantsLabel(labels []string, label string) bool {
	i := sort.SearchStrings(labels, label)
	return i < len(labels) && labels[i] == label
}

// MinConfidence returns the active confidence cutoff.
func (p *Pool) MinConfidence() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minConf
}

// SetMinConfidence retunes the confidence cutoff at runtime. Applies to
// frames dispatched after the call.
func (p *Pool) SetMinConfidence(v float64) error {
	if v < 0 || v > 1 {
		return &types.ValidationError{Field: "min_confidence", Reason: "must be in [0,1]"}
	}
	p.mu.Lock()
	old := p.minConf
	p.minConf = v
	p.mu.Unlock()
	slog.Info("min confidence updated", "old", old, "new", v)
	return nil
}

func (p *Pool) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	p.processed++
	p.totalLat += latency
	p.mu.Unlock()
}

func (p *Pool) recordFailure() {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
}

func (p *Pool) recordRestart() {
	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Workers      int     `json:"workers"`
	Processed    uint64  `json:"processed"`
	Failures     uint64  `json:"failures"`
	Restarts     uint64  `json:"restarts"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var avg float64
	if p.processed > 0 {
		avg = float64(p.totalLat.Microseconds()) / 1000.0 / float64(p.processed)
	}
	return Stats{
		Workers:      p.cfg.Workers,
		Processed:    p.processed,
		Failures:     p.failures,
		Restarts:     p.restarts,
		AvgLatencyMS: avg,
	}
}
