package relay

import (
	"context"
	"errors"
	"testing"
)

func TestStandardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrMaxAgentCallsExceeded", ErrMaxAgentCallsExceeded, "maximum agent calls per request exceeded"},
		{"ErrMaxIterationsExceeded", ErrMaxIterationsExceeded, "maximum iterations exceeded"},
		{"ErrRetryExhausted", ErrRetryExhausted, "retry attempts exhausted"},
		{"ErrCancelled", ErrCancelled, "turn cancelled"},
		{"ErrNoSpecialist", ErrNoSpecialist, "no specialist matches capability"},
		{"ErrTimeout", ErrTimeout, "operation timed out"},
		{"ErrInvalidInput", ErrInvalidInput, "invalid input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("%s.Error() = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestTurnError(t *testing.T) {
	err := &TurnError{
		ThreadID: "t1",
		TurnID:   "abc123",
		State:    StateDispatching,
		Err:      ErrMaxAgentCallsExceeded,
	}

	want := "turn abc123 (thread t1, dispatching): maximum agent calls per request exceeded"
	if got := err.Error(); got != want {
		t.Errorf("TurnError.Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrMaxAgentCallsExceeded) {
		t.Error("errors.Is(TurnError, ErrMaxAgentCallsExceeded) should be true")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrClassFatal},
		{"cancelled", context.Canceled, ErrClassCancelled},
		{"wrapped cancelled", &TurnError{Err: context.Canceled}, ErrClassCancelled},
		{"deadline", context.DeadlineExceeded, ErrClassRetryable},
		{"timeout sentinel", ErrTimeout, ErrClassRetryable},
		{"rate limit text", errors.New("upstream rate limit exceeded"), ErrClassRetryable},
		{"429 text", errors.New("unexpected status 429"), ErrClassRetryable},
		{"server error text", errors.New("request failed with status 503"), ErrClassRetryable},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrClassRetryable},
		{"validation", errors.New("missing required field"), ErrClassFatal},
		{"marked retryable", MarkRetryable(errors.New("weird but transient")), ErrClassRetryable},
		{"marked fatal", MarkFatal(errors.New("looks temporary but is not")), ErrClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMarkersPreserveNil(t *testing.T) {
	if MarkRetryable(nil) != nil || MarkFatal(nil) != nil {
		t.Error("markers must pass nil through")
	}
}
