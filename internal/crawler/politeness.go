package crawler

import (
	"context"
	"time"
)

// pauseController abstracts how the crawler waits between requests.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

// PauseFunc adapts a plain function to the pause hook.
type PauseFunc func(ctx context.Context, delay time.Duration)

// Pause calls f.
func (f PauseFunc) Pause(ctx context.Context, delay time.Duration) {
	f(ctx, delay)
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// jitter yields a uniformly random delay in [min, max].
type jitter struct {
	min time.Duration
	max time.Duration
}

func (j jitter) next() time.Duration {
	if j.max <= j.min {
		return j.min
	}
	return j.min + randomDuration(j.max-j.min+1)
}
