// Package retry retries establishing connections to the warehouse. Task
// operations are never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Clock waits between attempts. Real time when nil.
	Clock clockwork.Clock
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Do calls fn until it succeeds, fails with an error IsRetryable rejects,
// or MaxAttempts is reached.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := backoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt, rand.Float64())
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(wait):
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"dial tcp",
	"handshake",
	"unexpected packet",
	"eof",
	"timeout",
	"i/o timeout",
	"no such host",
	"server is not ready",
}

// IsRetryable reports whether err looks like a transient connection failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// backoff doubles base per attempt, caps it at max and scales it by a
// jitter factor in [0.5, 1).
func backoff(base, max time.Duration, attempt int, jitter float64) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(float64(d) * (0.5 + jitter/2))
}
