package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrBusy is returned when a SendMessage is already in flight for the
// session.
var ErrBusy = errors.New("session busy: a message is already in flight")

// ErrNotFound is returned for unknown sessions.
var ErrNotFound = errors.New("session not found")

// ErrDestroyed is returned when operating on a destroyed session handle.
var ErrDestroyed = errors.New("session destroyed")

// SandboxUnavailableError wraps a sandbox creation failure. The session
// stays in its pre-activation state and the call is retryable.
type SandboxUnavailableError struct {
	Err error
}

func (e *SandboxUnavailableError) Error() string {
	return fmt.Sprintf("sandbox unavailable: %v", e.Err)
}

func (e *SandboxUnavailableError) Unwrap() error { return e.Err }

// WatcherStartTimeoutError reports that the file watchers did not signal
// readiness within the activation timeout.
type WatcherStartTimeoutError struct {
	Timeout time.Duration
}

func (e *WatcherStartTimeoutError) Error() string {
	return fmt.Sprintf("file watchers did not start within %s", e.Timeout)
}
