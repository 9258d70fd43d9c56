package bci

import (
	"errors"
	"fmt"
)

var (
	// ErrDecodeDesync reports a link resynchronizing too often.
	ErrDecodeDesync = errors.New("bci: decode desync")

	// ErrInsufficientData is backpressure, not a failure: retry next tick.
	ErrInsufficientData = errors.New("bci: insufficient data for one epoch")

	// ErrNoModelLoaded is returned by predict before any model is loaded.
	ErrNoModelLoaded = errors.New("bci: no model loaded")

	// ErrDeviceDisconnected is fatal to the session.
	ErrDeviceDisconnected = errors.New("bci: device disconnected")

	// ErrEndOfStream means a recorded stream was replayed to its end.
	ErrEndOfStream = errors.New("bci: end of recorded stream")
)

// ConnectionError is returned when a transport cannot be opened.
type ConnectionError struct {
	Kind    string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s %s: %v", e.Kind, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError is an I/O error on an open link.
type TransportError struct {
	Op  string
	Err error
	// Transient errors are retried by the scheduler.
	Transient bool
}

func (e *TransportError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("transport %s (%s): %v", e.Op, kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the error is transient.
func (e *TransportError) Temporary() bool { return e.Transient }

// IsTransient reports whether any error in err's chain says it is
// temporary.
func IsTransient(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// ModelLoadError is returned when a model artifact is missing, corrupt or
// does not match the configured epoch geometry.
type ModelLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ModelLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load model %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("load model %s: %s", e.Path, e.Reason)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// CommandDeliveryFailed is raised after all retries for a command are spent.
type CommandDeliveryFailed struct {
	Token    string
	Attempts int
	Err      error
}

func (e *CommandDeliveryFailed) Error() string {
	return fmt.Sprintf("command %q not delivered after %d attempts: %v", e.Token, e.Attempts, e.Err)
}

func (e *CommandDeliveryFailed) Unwrap() error { return e.Err }
