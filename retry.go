package relay

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy configures retry behavior for remote calls: LLM requests,
// worker calls, and checkpoint writes all go through it.
type RetryPolicy struct {
	// MaxAttempts is the total attempt count, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Jitter adds randomness in [0.0, 1.0] of the computed delay.
	Jitter float64
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    8 * time.Second,
	Jitter:      0.2,
}

// Retry runs fn until it succeeds, fails fatally, or the attempt budget
// runs out. Retryable failures back off exponentially with jitter; fatal
// and cancellation failures propagate immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch ClassifyError(err) {
		case ErrClassCancelled:
			return zero, err
		case ErrClassFatal:
			log.Debug().Str("op", op).Err(err).Msg("fatal error, not retrying")
			return zero, err
		}

		if attempt == attempts-1 {
			break
		}

		delay := policy.delay(attempt)
		log.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Dur("backoff", delay).
			Err(err).
			Msg("transient failure, retrying")

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, &retryExhaustedError{op: op, err: lastErr}
}

// delay computes exponential backoff with jitter for the given attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		jitter := float64(d) * p.Jitter * (rand.Float64()*2 - 1)
		d = time.Duration(float64(d) + jitter)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// retryExhaustedError keeps the last underlying error while matching
// ErrRetryExhausted.
type retryExhaustedError struct {
	op  string
	err error
}

func (e *retryExhaustedError) Error() string {
	return e.op + ": " + ErrRetryExhausted.Error() + ": " + e.err.Error()
}

func (e *retryExhaustedError) Unwrap() error { return e.err }

func (e *retryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }
