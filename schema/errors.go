package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode indicates a stream frame could not be decoded.
	ErrDecode = errors.New("stream frame decode failed")
	// ErrPolicyExhausted indicates the reconnect policy refused another attempt.
	ErrPolicyExhausted = errors.New("reconnect policy exhausted")
	// ErrStaleCallback indicates a callback from a superseded session or timer.
	ErrStaleCallback = errors.New("stale callback")
	// ErrLivenessTimeout indicates an open stream went silent for too long.
	ErrLivenessTimeout = errors.New("stream liveness timeout")
	// ErrSubscriptionClosed indicates the subscription was disposed.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrInvalidSandbox indicates an invalid sandbox identifier.
	ErrInvalidSandbox = errors.New("invalid sandbox id")
	// ErrSandboxNotFound indicates the sandbox API does not know the sandbox.
	ErrSandboxNotFound = errors.New("sandbox not found")
)

// DecodeError describes a malformed stream frame. The connection that
// delivered it stays open.
type DecodeError struct {
	Frame  []byte
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ErrDecode.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
}

// Is matches ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TransportError is a socket-level failure of one session.
type TransportError struct {
	Generation uint64
	Err        error
}

func (e *TransportError) Error() string {
	if e == nil || e.Err == nil {
		return "transport error"
	}
	return fmt.Sprintf("transport error (generation %d): %v", e.Generation, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
