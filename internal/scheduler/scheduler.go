// Package scheduler runs scrape jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work. ctx ends when the scheduler stops.
type Job func(ctx context.Context) error

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string
	NextRun time.Time
	LastRun time.Time
}

// Scheduler wraps a cron instance. Overlapping firings of the same job are
// skipped while a previous one is still running.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[string]cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler evaluating specs in the given timezone ("" is UTC).
func New(timezone string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
		}
		loc = l
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		jobs:   make(map[string]cron.EntryID),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// AddJob registers job under a standard five-field cron spec or a
// descriptor such as "@hourly".
func (s *Scheduler) AddJob(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.execute(name, job) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	s.jobs[name] = id
	s.logger.Info("job scheduled", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

func (s *Scheduler) execute(name string, job Job) {
	logger := s.logger.With(zap.String("job", name))
	logger.Info("job starting")
	start := time.Now()
	if err := job(s.ctx); err != nil {
		logger.Error("job failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	logger.Info("job completed", zap.Duration("duration", time.Since(start)))
}

// RunNow executes job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	return job(ctx)
}

// Jobs lists registered jobs with their next and previous firing times.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for name, id := range s.jobs {
		entry := s.cron.Entry(id)
		infos = append(infos, JobInfo{Name: name, NextRun: entry.Next, LastRun: entry.Prev})
	}
	return infos
}

// Run starts the scheduler and blocks until ctx ends. Running jobs see their
// context canceled and Run waits for them to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("scheduler stopping")
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
