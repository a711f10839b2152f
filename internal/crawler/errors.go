package crawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionDead marks failures where the browser target or protocol
	// connection is gone and only a relaunch can help.
	ErrSessionDead = errors.New("session dead")
	// ErrSessionLaunch is returned when the session cannot be started at all.
	// No thread can make progress after it, so callers treat it as fatal.
	ErrSessionLaunch = errors.New("session launch failed")
	// ErrPageTimeout is returned when a page exceeds its wall-clock budget.
	ErrPageTimeout = errors.New("page budget exceeded")
	// ErrThreadAborted is returned once consecutive page failures hit the ceiling.
	ErrThreadAborted = errors.New("thread aborted")
	// ErrStopped is returned when the caller's context ends a crawl early.
	ErrStopped = errors.New("crawl stopped")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// SessionDead wraps err so that errors.Is(err, ErrSessionDead) holds.
func SessionDead(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSessionDead, err)
}

// stopped converts a context error into the typed stop signal.
func stopped(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrStopped, cause)
}
