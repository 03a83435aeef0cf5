// Package retry runs an operation with exponential backoff and jitter under
// a fixed attempt budget.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable classifies errors; storage.IsRetryable when nil.
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max attempts (%d) exceeded: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. ctx only governs the waits between attempts:
// once it is done no further attempt starts and the last error is returned.
// The number of attempts made is returned alongside the error.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = storage.IsRetryable
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(attempt)
		if err == nil {
			return attempt, nil
		}
		if !retryable(err) {
			return attempt, err
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt - 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%w (retry abandoned: %v)", lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return maxAttempts, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// Delay is the backoff before retry number attempt+1 (attempt is 0-based):
// BaseDelay * 2^attempt with ±25% jitter, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	base := float64(p.BaseDelay)
	delay := base * math.Pow(2.0, float64(attempt))

	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
