package relay

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Standard errors returned by the orchestration core.
var (
	ErrMaxAgentCallsExceeded = errors.New("maximum agent calls per request exceeded")
	ErrMaxIterationsExceeded = errors.New("maximum iterations exceeded")
	ErrRetryExhausted        = errors.New("retry attempts exhausted")
	ErrCancelled             = errors.New("turn cancelled")
	ErrNoSpecialist          = errors.New("no specialist matches capability")
	ErrTimeout               = errors.New("operation timed out")
	ErrInvalidInput          = errors.New("invalid input")
)

// TurnError wraps an error with the thread and turn it belongs to.
// Full diagnostics are logged keyed by these ids; the message that reaches
// the client stream is sanitized separately.
type TurnError struct {
	ThreadID string
	TurnID   string
	State    State
	Err      error
}

func (e *TurnError) Error() string {
	return "turn " + e.TurnID + " (thread " + e.ThreadID + ", " + string(e.State) + "): " + e.Err.Error()
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// ErrorClass categorizes errors for retry decisions.
type ErrorClass int

const (
	ErrClassRetryable ErrorClass = iota
	ErrClassFatal
	ErrClassCancelled
)

// retryableMarker tags an error as transient regardless of its text.
type retryableMarker struct{ err error }

func (m *retryableMarker) Error() string { return m.err.Error() }
func (m *retryableMarker) Unwrap() error { return m.err }

// MarkRetryable wraps err so ClassifyError reports it as retryable.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableMarker{err: err}
}

// fatalMarker tags an error as non-retryable.
type fatalMarker struct{ err error }

func (m *fatalMarker) Error() string { return m.err.Error() }
func (m *fatalMarker) Unwrap() error { return m.err }

// MarkFatal wraps err so ClassifyError reports it as fatal.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalMarker{err: err}
}

// ClassifyError decides whether an error is worth retrying.
// Timeouts and transient network failures are retryable; validation and
// schema errors propagate immediately. Context cancellation is its own
// class so callers never burn retry budget on a dead request.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrClassFatal
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return ErrClassCancelled
	}

	var rm *retryableMarker
	if errors.As(err, &rm) {
		return ErrClassRetryable
	}
	var fm *fatalMarker
	if errors.As(err, &fm) {
		return ErrClassFatal
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return ErrClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrClassRetryable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "status 500"),
		strings.Contains(msg, "status 502"),
		strings.Contains(msg, "status 503"),
		strings.Contains(msg, "temporar"):
		return ErrClassRetryable
	}

	return ErrClassFatal
}
