package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy retries transient failures with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	pauser      pauseController
}

// NewExponentialRetryPolicy builds a policy allowing maxAttempts total tries.
// Non-positive arguments fall back to 3 attempts, 250ms base and 5s cap.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		pauser:      &timerPauseController{},
	}
}

// WithPause replaces the backoff sleep. Tests use it to retry without waiting.
func (p *ExponentialRetryPolicy) WithPause(fn PauseFunc) *ExponentialRetryPolicy {
	if fn != nil {
		p.pauser = fn
	}
	return p
}

// MaxAttempts reports the total number of tries Do will make.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable after attempt tries.
// Network errors of any kind (refused, reset, timed out) are retried; store
// errors that can never succeed must be marked with Permanent.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return true
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomDuration(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Do runs op until it succeeds, the error is not retryable, attempts run out
// or ctx ends. notify, when set, is called before each backoff sleep.
func (p *ExponentialRetryPolicy) Do(
	ctx context.Context,
	op func(context.Context) error,
	notify func(attempt int, err error, wait time.Duration),
) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		wait := p.Backoff(attempt - 1)
		if notify != nil {
			notify(attempt, err, wait)
		}
		p.pauser.Pause(ctx, wait)
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
	}
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
