package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the retryable / lifecycle categories. Wrapped values
// are matched with errors.Is.
var (
	// ErrConflict: a non-terminal session already exists for the camera.
	ErrConflict = errors.New("camera already has an active session")
	// ErrCapacityExceeded: admission rejected the work; retryable later.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrStreamUnavailable: source unreachable after the retry ceiling.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrEndOfStream: the source finished cleanly.
	ErrEndOfStream = errors.New("end of stream")
	// ErrFrameTimeout: no frame arrived within the read timeout.
	ErrFrameTimeout = errors.New("frame read timeout")
)

// ValidationError marks bad client input (4xx-equivalent).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InputError marks malformed or corrupt image input. Raised before dispatch;
// an InputError never occupies a worker slot.
type InputError struct {
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad input: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("bad input: %s", e.Reason)
}

func (e *InputError) Unwrap() error { return e.Err }

// IsInput reports whether err is an InputError.
func IsInput(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// InferenceError marks a model execution fault. Request-scoped: it fails the
// in-flight request only and never changes session state.
type InferenceError struct {
	WorkerID string
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed on worker %s: %v", e.WorkerID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsInference reports whether err is an InferenceError.
func IsInference(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}

// DeliveryError marks an emitter sink that exhausted its retry budget.
type DeliveryError struct {
	Sink     string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempts: %v", e.Sink, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
