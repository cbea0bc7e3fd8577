package pool

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"

	"github.com/evmon/argusd/internal/model"
	"github.com/evmon/argusd/internal/types"
)

// fakeDetector returns canned detections, errors or panics on demand.
type fakeDetector struct {
	mu         sync.Mutex
	detections []types.Detection
	err        error
	panicNext  bool
	calls      int
	closed     bool
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.panicNext {
		d.panicNext = false
		panic("fake inference crash")
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.detections, nil
}

func (d *fakeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// fakeRegistry hands out detectors and counts loads.
type fakeRegistry struct {
	mu    sync.Mutex
	next  func() *fakeDetector
	loads int
}

func (r *fakeRegistry) Load(ctx context.Context, name, version string) (model.Detector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	return r.next(), nil
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: 128})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func startPool(t *testing.T, det *fakeDetector, workers int) (*Pool, *fakeRegistry) {
	t.Helper()
	reg := &fakeRegistry{next: func() *fakeDetector { return det }}
	p := New(Config{Workers: workers, MinConfidence: 0.25, ModelName: "test", ModelVersion: "1"}, reg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Pool start failed: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, reg
}

// TestSubmitRejectsBadInput verifies malformed payloads fail before
// dispatch with InputError.
func TestSubmitRejectsBadInput(t *testing.T) {
	det := &fakeDetector{}
	p, _ := startPool(t, det, 1)

	cases := []struct {
		name string
		data []byte
	}{
		{"empty payload", nil},
		{"garbage bytes", []byte("definitely not an image")},
	}
	for _, tc := range cases {
		_, err := p.Submit(context.Background(), Request{FrameID: "f1", Data: tc.data})
		if !types.IsInput(err) {
			t.Errorf("%s: expected InputError, got %v", tc.name, err)
		}
	}

	det.mu.Lock()
	calls := det.calls
	det.mu.Unlock()
	if calls != 0 {
		t.Errorf("Bad input reached the detector (%d calls)", calls)
	}
}

// TestSubmitFiltersDetections verifies label and confidence filtering plus
// bbox clamping.
func TestSubmitFiltersDetections(t *testing.T) {
	det := &fakeDetector{detections: []types.Detection{
		{Label: "person", Confidence: 0.9, BBox: types.BoundingBox{X: -5, Y: 0, Width: 30, Height: 10}},
		{Label: "person", Confidence: 0.1, BBox: types.BoundingBox{X: 0, Y: 0, Width: 5, Height: 5}},
		{Label: "cat", Confidence: 0.8, BBox: types.BoundingBox{X: 0, Y: 0, Width: 5, Height: 5}},
	}}
	p, _ := startPool(t, det, 1)

	batch, err := p.Submit(context.Background(), Request{
		FrameID: "f1",
		Data:    testJPEG(t, 32, 16),
		Labels:  []string{"person"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(batch.Detections) != 1 {
		t.Fatalf("Expected 1 detection after filtering, got %d", len(batch.Detections))
	}
	d := batch.Detections[0]
	if d.Label != "person" || d.Confidence != 0.9 {
		t.Errorf("Wrong detection kept: %+v", d)
	}
	if d.BBox.X != 0 || d.BBox.X+d.BBox.Width > 32 {
		t.Errorf("BBox not clamped to frame: %+v", d.BBox)
	}
	if !batch.Success {
		t.Error("Expected success batch")
	}
}

// TestSubmitInferenceError verifies a model fault fails only the request.
func TestSubmitInferenceError(t *testing.T) {
	det := &fakeDetector{err: errors.New("tensor shape mismatch")}
	p, _ := startPool(t, det, 1)

	_, err := p.Submit(context.Background(), Request{FrameID: "f1", Data: testJPEG(t, 8, 8)})
	if !types.IsInference(err) {
		t.Fatalf("Expected InferenceError, got %v", err)
	}

	// The pool keeps serving.
	det.mu.Lock()
	det.err = nil
	det.detections = []types.Detection{{Label: "person", Confidence: 0.9, BBox: types.BoundingBox{Width: 2, Height: 2}}}
	det.mu.Unlock()

	batch, err := p.Submit(context.Background(), Request{FrameID: "f2", Data: testJPEG(t, 8, 8)})
	if err != nil {
		t.Fatalf("Pool stopped serving after request fault: %v", err)
	}
	if len(batch.Detections) != 1 {
		t.Errorf("Expected 1 detection, got %d", len(batch.Detections))
	}
}

// TestWorkerCrashIsolation verifies a panic fails one request, replaces the
// detector and keeps the worker alive.
func TestWorkerCrashIsolation(t *testing.T) {
	crashing := &fakeDetector{panicNext: true}
	healthy := &fakeDetector{detections: []types.Detection{
		{Label: "person", Confidence: 0.8, BBox: types.BoundingBox{Width: 2, Height: 2}},
	}}

	first := true
	reg := &fakeRegistry{next: func() *fakeDetector {
		if first {
			first = false
			return crashing
		}
		return healthy
	}}
	p := New(Config{Workers: 1, MinConfidence: 0.25, ModelName: "test", ModelVersion: "1"}, reg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Pool start failed: %v", err)
	}
	defer p.Stop()

	_, err := p.Submit(context.Background(), Request{FrameID: "f1", Data: testJPEG(t, 8, 8)})
	if !types.IsInference(err) {
		t.Fatalf("Expected InferenceError from crash, got %v", err)
	}

	batch, err := p.Submit(context.Background(), Request{FrameID: "f2", Data: testJPEG(t, 8, 8)})
	if err != nil {
		t.Fatalf("Worker did not recover from crash: %v", err)
	}
	if len(batch.Detections) != 1 {
		t.Errorf("Expected 1 detection after recovery, got %d", len(batch.Detections))
	}

	crashing.mu.Lock()
	closed := crashing.closed
	crashing.mu.Unlock()
	if !closed {
		t.Error("Crashed detector was not closed")
	}
	if got := p.Stats().Restarts; got != 1 {
		t.Errorf("Expected 1 restart, got %d", got)
	}
}

// TestSetMinConfidence verifies runtime retuning of the cutoff.
func TestSetMinConfidence(t *testing.T) {
	det := &fakeDetector{detections: []types.Detection{
		{Label: "person", Confidence: 0.3, BBox: types.BoundingBox{Width: 2, Height: 2}},
	}}
	p, _ := startPool(t, det, 1)

	batch, err := p.Submit(context.Background(), Request{FrameID: "f1", Data: testJPEG(t, 8, 8)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(batch.Detections) != 1 {
		t.Fatalf("Expected detection at default cutoff, got %d", len(batch.Detections))
	}

	if err := p.SetMinConfidence(0.5); err != nil {
		t.Fatalf("SetMinConfidence failed: %v", err)
	}
	batch, err = p.Submit(context.Background(), Request{FrameID: "f2", Data: testJPEG(t, 8, 8)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(batch.Detections) != 0 {
		t.Errorf("Expected detection dropped at raised cutoff, got %d", len(batch.Detections))
	}

	if err := p.SetMinConfidence(1.5); !types.IsValidation(err) {
		t.Errorf("Expected ValidationError for out-of-range cutoff, got %v", err)
	}
}

// TestSubmitContextCancelled verifies a cancelled caller does not hang.
func TestSubmitContextCancelled(t *testing.T) {
	det := &fakeDetector{}
	// No workers started: Submit must block on dispatch and honor ctx.
	reg := &fakeRegistry{next: func() *fakeDetector { return det }}
	p := New(Config{Workers: 1, ModelName: "test", ModelVersion: "1"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Submit(ctx, Request{FrameID: "f1", Data: testJPEG(t, 8, 8)})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestStatsLatency verifies processed counts and latency averaging.
func TestStatsLatency(t *testing.T) {
	det := &fakeDetector{detections: []types.Detection{
		{Label: "person", Confidence: 0.9, BBox: types.BoundingBox{Width: 2, Height: 2}},
	}}
	p, _ := startPool(t, det, 2)

	for i := 0; i < 3; i++ {
		if _, err := p.Submit(context.Background(), Request{FrameID: "f", Data: testJPEG(t, 8, 8)}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	stats := p.Stats()
	if stats.Processed != 3 {
		t.Errorf("Expected 3 processed, got %d", stats.Processed)
	}
	if stats.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", stats.Workers)
	}
}

// TestPoolServesAfterStartContextCancelled verifies the workers outlive
// the startup context: during shutdown, draining sessions still get their
// in-flight frames processed until Stop is called.
func TestPoolServesAfterStartContextCancelled(t *testing.T) {
	det := &fakeDetector{detections: []types.Detection{
		{Label: "person", Confidence: 0.9, BBox: types.BoundingBox{Width: 2, Height: 2}},
	}}
	reg := &fakeRegistry{next: func() *fakeDetector { return det }}
	p := New(Config{Workers: 1, MinConfidence: 0.25, ModelName: "test", ModelVersion: "1"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Pool start failed: %v", err)
	}
	t.Cleanup(p.Stop)
	cancel()

	batch, err := p.Submit(context.Background(), Request{FrameID: "f1", Data: testJPEG(t, 8, 8)})
	if err != nil {
		t.Fatalf("Expected submit to succeed after startup ctx cancel, got %v", err)
	}
	if len(batch.Detections) != 1 {
		t.Errorf("Expected 1 detection, got %d", len(batch.Detections))
	}
}
