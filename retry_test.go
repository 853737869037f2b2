package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	got, err := Retry(context.Background(), fastRetry, "op", func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got != "ok" || attempts != 3 {
		t.Errorf("got %q after %d attempts, want ok after 3", got, attempts)
	}
}

func TestRetryStopsOnFatal(t *testing.T) {
	fatal := MarkFatal(errors.New("bad schema"))
	attempts := 0
	_, err := Retry(context.Background(), fastRetry, "op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("error = %v, want the fatal error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, fatal errors must not retry", attempts)
	}
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	underlying := errors.New("rate limit hit")
	attempts := 0
	_, err := Retry(context.Background(), fastRetry, "op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, underlying
	})
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if !errors.Is(err, underlying) {
		t.Errorf("error = %v, must unwrap to the last failure", err)
	}
}

func TestRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	_, err := Retry(ctx, fastRetry, "op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, cancellation must not retry", attempts)
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	if d := p.delay(10); d > 2*time.Second {
		t.Errorf("delay(10) = %v, want capped at %v", d, p.MaxDelay)
	}
}
