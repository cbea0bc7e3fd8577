package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evmon/argusd/internal/types"
)

// TestOpenSchemeDispatch verifies locator validation and scheme selection.
func TestOpenSchemeDispatch(t *testing.T) {
	cases := []struct {
		locator string
		wantErr bool
	}{
		{"rtsp://cam.local/stream", false},
		{"http://cam.local/mjpeg", false},
		{"https://cam.local/still.jpg", false},
		{"mock://?width=64&height=48", false},
		{"ftp://cam.local/stream", true},
		{"not a url", true},
		{"", true},
	}
	for _, tc := range cases {
		_, err := Open(Config{Locator: tc.locator, CameraID: "cam-1"})
		if tc.wantErr && !types.IsValidation(err) {
			t.Errorf("%q: expected ValidationError, got %v", tc.locator, err)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%q: unexpected error %v", tc.locator, err)
		}
	}
}

// TestMockSourceProducesSequencedFrames verifies frames carry monotonically
// increasing sequence numbers and the camera ID.
func TestMockSourceProducesSequencedFrames(t *testing.T) {
	src, err := Open(Config{
		Locator:  "mock://?width=32&height=24",
		CameraID: "cam-1",
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	h := NewHandle(src)
	var lastSeq uint64
	for i := 0; i < 3; i++ {
		frame, err := h.Next(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if frame.Seq <= lastSeq {
			t.Errorf("Sequence not increasing: %d after %d", frame.Seq, lastSeq)
		}
		lastSeq = frame.Seq
		if frame.CameraID != "cam-1" {
			t.Errorf("Expected camera cam-1, got %q", frame.CameraID)
		}
		if len(frame.Data) == 0 {
			t.Error("Frame has no payload")
		}
		if frame.ID == "" {
			t.Error("Frame has no ID")
		}
	}
}

// TestBoundedMockEndsWithEndOfStream verifies a finite stream terminates
// cleanly.
func TestBoundedMockEndsWithEndOfStream(t *testing.T) {
	src, err := Open(Config{
		Locator:  "mock://?width=16&height=16&frames=2",
		CameraID: "cam-1",
		Interval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	h := NewHandle(src)
	seen := 0
	for {
		_, err := h.Next(context.Background(), time.Second)
		if err != nil {
			if !errors.Is(err, types.ErrEndOfStream) {
				t.Fatalf("Expected EndOfStream, got %v", err)
			}
			break
		}
		seen++
		if seen > 2 {
			t.Fatal("Bounded mock produced more frames than configured")
		}
	}
	if seen != 2 {
		t.Errorf("Expected 2 frames before end, got %d", seen)
	}
}

// TestHandleNextTimeout verifies the read timeout surfaces as
// ErrFrameTimeout and the source keeps producing afterwards.
func TestHandleNextTimeout(t *testing.T) {
	src, err := Open(Config{
		Locator:  "mock://",
		CameraID: "cam-1",
		Interval: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	h := NewHandle(src)
	if _, err := h.Next(context.Background(), 10*time.Millisecond); !errors.Is(err, types.ErrFrameTimeout) {
		t.Fatalf("Expected FrameTimeout, got %v", err)
	}

	// The stream is not dead, just slow.
	if _, err := h.Next(context.Background(), time.Second); err != nil {
		t.Errorf("Expected a frame after the timeout, got %v", err)
	}
}

// TestHandleNextContextCancelled verifies cancellation aborts a pending
// fetch immediately.
func TestHandleNextContextCancelled(t *testing.T) {
	src, err := Open(Config{
		Locator:  "mock://",
		CameraID: "cam-1",
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	h := NewHandle(src)
	start := time.Now()
	if _, err := h.Next(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Cancellation did not abort the fetch promptly")
	}
}

// TestMockSourceStopIdempotent verifies Stop can be called repeatedly.
func TestMockSourceStopIdempotent(t *testing.T) {
	src, err := Open(Config{Locator: "mock://", CameraID: "cam-1", Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("First stop failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Second stop failed: %v", err)
	}
}

// TestSamplerInterval verifies at most one frame per interval passes.
func TestSamplerInterval(t *testing.T) {
	s := newSampler(100 * time.Millisecond)
	base := time.Now()

	if !s.Allow(base) {
		t.Fatal("First frame should pass")
	}
	if s.Allow(base.Add(30 * time.Millisecond)) {
		t.Error("Frame within the interval should be dropped")
	}
	if !s.Allow(base.Add(100 * time.Millisecond)) {
		t.Error("Frame after the interval should pass")
	}
	// Jitter tolerance: slightly early still passes.
	if !s.Allow(base.Add(197 * time.Millisecond)) {
		t.Error("Frame within jitter tolerance should pass")
	}
}

// TestBackoffCapped verifies exponential growth up to the ceiling.
func TestBackoffCapped(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	if got := backoff(base, max, 1); got != base {
		t.Errorf("Attempt 1: expected %v, got %v", base, got)
	}
	if got := backoff(base, max, 2); got != 200*time.Millisecond {
		t.Errorf("Attempt 2: expected 200ms, got %v", got)
	}
	if got := backoff(base, max, 10); got != max {
		t.Errorf("Attempt 10: expected cap %v, got %v", max, got)
	}
}
