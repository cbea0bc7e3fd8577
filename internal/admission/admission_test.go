package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evmon/argusd/internal/types"
)

// TestSessionCapHardLimit verifies session admission fails immediately at
// the cap and is never queued.
func TestSessionCapHardLimit(t *testing.T) {
	c := New(Config{MaxSessions: 2, MaxInFlight: 4})

	if err := c.AcquireSession(); err != nil {
		t.Fatalf("First session rejected: %v", err)
	}
	if err := c.AcquireSession(); err != nil {
		t.Fatalf("Second session rejected: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.AcquireSession() }()

	select {
	case err := <-done:
		if !errors.Is(err, types.ErrCapacityExceeded) {
			t.Errorf("Expected CapacityExceeded, got %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("AcquireSession blocked at cap (should fail immediately)")
	}

	c.ReleaseSession()
	if err := c.AcquireSession(); err != nil {
		t.Errorf("Session rejected after release: %v", err)
	}
}

// TestAdmitAcceptsWhileSlotsFree verifies in-flight slots are granted
// without waiting below the cap.
func TestAdmitAcceptsWhileSlotsFree(t *testing.T) {
	c := New(Config{MaxSessions: 4, MaxInFlight: 2, QueueDepth: 2})
	ctx := context.Background()

	r1, err := c.Admit(ctx, "cam-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	r2, err := c.Admit(ctx, "cam-2")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	stats := c.Stats()
	if stats.InFlight != 2 || stats.Accepted != 2 {
		t.Errorf("Expected 2 in-flight / 2 accepted, got %+v", stats)
	}

	r1()
	r2()
	if got := c.Stats().InFlight; got != 0 {
		t.Errorf("Expected 0 in-flight after release, got %d", got)
	}
}

// TestAdmitQueuesFIFO verifies queued submissions receive slots in arrival
// order.
func TestAdmitQueuesFIFO(t *testing.T) {
	c := New(Config{MaxSessions: 4, MaxInFlight: 1, QueueDepth: 4})
	ctx := context.Background()

	release, err := c.Admit(ctx, "cam-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	order := make(chan int, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := c.Admit(ctx, "cam-1")
		if err != nil {
			t.Errorf("Queued admit failed: %v", err)
			return
		}
		order <- 1
		close(start)
		r()
	}()

	// Let the first waiter enqueue before the second arrives.
	waitForQueued(t, c, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := c.Admit(ctx, "cam-1")
		if err != nil {
			t.Errorf("Queued admit failed: %v", err)
			return
		}
		<-start // first waiter must already have run
		order <- 2
		r()
	}()

	waitForQueued(t, c, 2)
	release()
	wg.Wait()

	if first := <-order; first != 1 {
		t.Errorf("Expected waiter 1 served first, got %d", first)
	}
}

// TestAdmitShedsBeyondQueueDepth verifies the per-camera depth cap fails
// fast with CapacityExceeded and does not affect other cameras.
func TestAdmitShedsBeyondQueueDepth(t *testing.T) {
	c := New(Config{MaxSessions: 4, MaxInFlight: 1, QueueDepth: 1})
	ctx := context.Background()

	release, err := c.Admit(ctx, "cam-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	defer release()

	queuedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Admit(queuedCtx, "cam-1")
	waitForQueued(t, c, 1)

	// Depth 1 for cam-1 is used up; next admit for cam-1 is shed.
	if _, err := c.Admit(ctx, "cam-1"); !errors.Is(err, types.ErrCapacityExceeded) {
		t.Errorf("Expected CapacityExceeded for saturated camera, got %v", err)
	}

	// A different camera still queues.
	otherCtx, cancelOther := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelOther()
	if _, err := c.Admit(otherCtx, "cam-2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected cam-2 to queue until ctx expiry, got %v", err)
	}

	stats := c.Stats()
	if stats.Rejected != 1 {
		t.Errorf("Expected 1 rejection, got %d", stats.Rejected)
	}
	shed := c.ShedByCamera()
	if shed["cam-1"] != 1 {
		t.Errorf("Expected 1 shed frame for cam-1, got %d", shed["cam-1"])
	}
	if _, ok := shed["cam-2"]; ok {
		t.Errorf("Expected no shed entry for cam-2, got %d", shed["cam-2"])
	}
}

// TestAdmitCancelWhileQueued verifies a cancelled waiter leaves the queue
// without leaking the slot.
func TestAdmitCancelWhileQueued(t *testing.T) {
	c := New(Config{MaxSessions: 4, MaxInFlight: 1, QueueDepth: 4})
	ctx := context.Background()

	release, err := c.Admit(ctx, "cam-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Admit(cancelCtx, "cam-1")
		errCh <- err
	}()
	waitForQueued(t, c, 1)

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled waiter did not return")
	}

	// Releasing now must free the slot, not hand it to the gone waiter.
	release()
	r, err := c.Admit(ctx, "cam-2")
	if err != nil {
		t.Fatalf("Slot leaked after waiter cancellation: %v", err)
	}
	r()
}

// TestReleaseIdempotent verifies double release does not free two slots.
func TestReleaseIdempotent(t *testing.T) {
	c := New(Config{MaxSessions: 4, MaxInFlight: 2, QueueDepth: 2})
	ctx := context.Background()

	r, err := c.Admit(ctx, "cam-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	r()
	r()

	if got := c.Stats().InFlight; got != 0 {
		t.Errorf("Expected 0 in-flight, got %d", got)
	}
}

// TestSaturated verifies the health signal.
func TestSaturated(t *testing.T) {
	c := New(Config{MaxSessions: 4, MaxInFlight: 1, QueueDepth: 4})
	ctx := context.Background()

	if c.Saturated() {
		t.Error("Fresh controller reported saturated")
	}

	release, err := c.Admit(ctx, "cam-1")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if c.Saturated() {
		t.Error("Full but not queueing should not be saturated")
	}

	qCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Admit(qCtx, "cam-1")
	waitForQueued(t, c, 1)

	if !c.Saturated() {
		t.Error("Expected saturated with exhausted slots and a waiter")
	}
	release()
}

// waitForQueued polls until n submissions are queued.
func waitForQueued(t *testing.T, c *Controller, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().QueuedNow >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %d queued submissions", n)
}
