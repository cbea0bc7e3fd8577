package types

import "time"

// SessionState is the lifecycle state of a stream-analysis session.
// Transitions are forward-only; a terminated session is never resurrected.
type SessionState int

const (
	// SessionStarting: session created, source not yet producing frames.
	SessionStarting SessionState = iota
	// SessionRunning: first frame received, sampling loop active.
	SessionRunning
	// SessionDraining: stop requested, in-flight frames completing.
	SessionDraining
	// SessionFailed: source unrecoverable, awaiting cleanup.
	SessionFailed
	// SessionStopped: terminal state, all resources released.
	SessionStopped
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case SessionStarting:
		return "starting"
	case SessionRunning:
		return "running"
	case SessionDraining:
		return "draining"
	case SessionFailed:
		return "failed"
	case SessionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionStopped
}

// CanTransition reports whether the state machine allows moving to next.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionStarting:
		return next == SessionRunning || next == SessionDraining || next == SessionFailed
	case SessionRunning:
		return next == SessionDraining || next == SessionFailed
	case SessionDraining:
		return next == SessionStopped
	case SessionFailed:
		return next == SessionStopped
	default:
		return false
	}
}

// SessionInfo is a point-in-time snapshot of a stream session, used to
// surface per-session errors asynchronously.
type SessionInfo struct {
	CameraID string `json:"camera_id"`
	// Locator is the stream URL the session was started with.
	Locator string `json:"locator"`
	// SamplingInterval between analyzed frames.
	SamplingInterval time.Duration `json:"sampling_interval"`
	State            SessionState  `json:"-"`
	StateName        string        `json:"state"`
	// LastSeq is the highest frame sequence number dispatched so far.
	LastSeq uint64 `json:"last_seq"`
	// LastError is set when the session moved to Failed.
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// LastActivity is the last frame or state-change timestamp.
	LastActivity time.Time `json:"last_activity"`
}
