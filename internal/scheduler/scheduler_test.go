package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := New("Mars/Olympus", nil)
	require.Error(t, err)
	_, err = New("", nil)
	require.NoError(t, err)
}

func TestAddJobValidates(t *testing.T) {
	t.Parallel()

	s, err := New("UTC", nil)
	require.NoError(t, err)
	noop := func(context.Context) error { return nil }

	require.Error(t, s.AddJob("scrape", "every day", noop))
	require.NoError(t, s.AddJob("scrape", "0 3 * * *", noop))
	require.Error(t, s.AddJob("scrape", "@hourly", noop), "names are unique")

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "scrape", jobs[0].Name)
}

func TestRunFiresAndStops(t *testing.T) {
	t.Parallel()

	s, err := New("UTC", nil)
	require.NoError(t, err)

	var fired atomic.Int32
	var sawCancel atomic.Bool
	require.NoError(t, s.AddJob("scrape", "@every 1s", func(ctx context.Context) error {
		fired.Add(1)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	// The first run is still blocked, so later firings are skipped.
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.True(t, sawCancel.Load(), "running job sees cancellation")
}

func TestRunNow(t *testing.T) {
	t.Parallel()

	s, err := New("UTC", nil)
	require.NoError(t, err)
	boom := errors.New("boom")
	require.ErrorIs(t, s.RunNow(context.Background(), func(context.Context) error { return boom }), boom)
}
