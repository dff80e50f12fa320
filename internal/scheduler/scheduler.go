// Package scheduler triggers pipeline runs on a cron schedule.
//
// A Scheduler owns one job. Ticks that arrive while the previous run is still
// going are dropped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSpec runs the job every six hours.
const DefaultSpec = "@every 6h"

// Job is the scheduled work. Errors are logged; they never stop the schedule.
type Job func(ctx context.Context) error

// Scheduler runs a Job on a cron spec.
type Scheduler struct {
	job        Job
	spec       string
	runOnStart bool
	timeout    time.Duration
	logger     *zap.Logger

	cron *cron.Cron
	busy atomic.Bool

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runs    atomic.Int64
	skipped atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSpec sets the cron spec. Standard five-field specs and descriptors such
// as "@every 6h" or "@daily" are accepted.
func WithSpec(spec string) Option {
	return func(s *Scheduler) { s.spec = spec }
}

// WithRunOnStart runs the job once as soon as the scheduler starts.
func WithRunOnStart(on bool) Option {
	return func(s *Scheduler) { s.runOnStart = on }
}

// WithTimeout bounds each run. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a stopped Scheduler.
func New(job Job, opts ...Option) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("job cannot be nil")
	}
	s := &Scheduler{job: job, spec: DefaultSpec, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if _, err := cron.ParseStandard(s.spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", s.spec, err)
	}
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	return s, nil
}

// Spec returns the cron spec in use.
func (s *Scheduler) Spec() string { return s.spec }

// Start registers the job and starts ticking. Runs use a context derived from
// ctx, cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}

	if _, err := s.cron.AddFunc(s.spec, func() { s.Trigger() }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.spec), zap.Bool("run_on_start", s.runOnStart))

	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Trigger()
		}()
	}
	return nil
}

// Stop stops ticking, cancels any run in progress and waits for it to return.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	<-done.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped", zap.Int64("runs", s.runs.Load()), zap.Int64("skipped", s.skipped.Load()))
}

// Trigger runs the job now unless a run is already in progress. It reports
// whether the job ran.
func (s *Scheduler) Trigger() bool {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("previous run still in progress, skipping tick")
		return false
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.runs.Add(1)
	start := time.Now()
	if err := s.safeRun(ctx); err != nil {
		s.logger.Error("scheduled run failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return true
	}
	s.logger.Info("scheduled run completed", zap.Duration("duration", time.Since(start)))
	return true
}

func (s *Scheduler) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled run panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.job(ctx)
}

// Runs returns how many times the job has started.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// Skipped returns how many triggers were dropped because a run was in progress.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
