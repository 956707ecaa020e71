package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed is the terminal protocol error: the server rejected the
	// credentials. The connection is closed and never retried automatically.
	ErrAuthFailed = errors.New("authentication rejected by server")
	// ErrStaleConnection means a keepalive deadline passed without traffic.
	ErrStaleConnection = errors.New("keepalive timeout: connection stale")
	// ErrMaxReconnect is reported once the reconnect attempt limit is reached.
	ErrMaxReconnect = errors.New("maximum reconnect attempts reached")
	// ErrNotConnected is returned by writes issued while not Open.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after a terminal close.
	ErrClosed = errors.New("connection closed")
	// ErrLocalDisconnect is the close cause of a caller-requested disconnect.
	ErrLocalDisconnect = errors.New("local disconnect")
	// ErrReconnectRequested is the close cause of a requested reconnect, either
	// by the server or by the caller. It retries at the current delay.
	ErrReconnectRequested = errors.New("reconnect requested")
	// ErrConnectionLost cancels pending correlations when a transport goes away.
	ErrConnectionLost = errors.New("connection lost")
)

// TransportError wraps a network failure (dial, read, write). It is
// recoverable through the reconnect policy.
type TransportError struct {
	Op  string // "dial", "read" or "write"
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorClass says whether a connection error should feed the reconnect policy.
type ErrorClass int

const (
	ErrorClassRetryable ErrorClass = iota
	ErrorClassFatal
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts a close cause into retryable or fatal. Unknown causes are
// treated as retryable by the managers.
func Classify(err error) ErrorClass {
	var te *TransportError
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrClosed), errors.Is(err, ErrMaxReconnect):
		return ErrorClassFatal
	case errors.Is(err, context.Canceled):
		return ErrorClassFatal
	case errors.As(err, &te), errors.Is(err, ErrStaleConnection), errors.Is(err, ErrReconnectRequested):
		return ErrorClassRetryable
	default:
		return ErrorClassUnknown
	}
}

// IsRetryable reports whether the error is not fatal.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) != ErrorClassFatal
}
