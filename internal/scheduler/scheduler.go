// Package scheduler runs the periodic maintenance jobs: idle-connection
// cleanup, cache sweeping and metric reports.
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

// DefaultJobTimeout bounds a single job run when the job sets no timeout.
const DefaultJobTimeout = time.Minute

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is one periodic task.
type Job struct {
	// Name identifies the job in logs and in RunNow.
	Name string

	// Every is the interval between runs.
	Every time.Duration

	// Timeout bounds a single run. Zero means DefaultJobTimeout.
	Timeout time.Duration

	Run func(ctx context.Context) error
}

type entry struct {
	Job
	active int32
	runs   int64
	failed int64
}

// Scheduler runs jobs on their own intervals. A job never overlaps with
// itself; a tick that arrives while the previous run is still going is
// skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	jobs    map[string]*entry
}

// New creates a Scheduler. If loc is nil, UTC is used.
func New(loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger.With(zap.String("component", "scheduler")),
		jobs:   make(map[string]*entry),
	}
}

// Add registers a job. Jobs with a non-positive interval are rejected.
func (s *Scheduler) Add(job Job) error {
	if job.Every <= 0 {
		return fmt.Errorf("job %q: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: no run function", job.Name)
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already scheduled", job.Name)
	}

	e := &entry{Job: job}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.Every), func() { s.run(e) }); err != nil {
		return fmt.Errorf("scheduling %q: %w", job.Name, err)
	}
	s.jobs[job.Name] = e
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop halts scheduling. The returned context is done once every running
// job has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	ctx := s.cron.Stop()
	s.running = false
	s.logger.Info("scheduler stopped")
	return ctx
}

// RunNow triggers the named job immediately, outside its schedule. It
// honors the overlap guard.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.run(e)
	return nil
}

func (s *Scheduler) run(e *entry) {
	if !atomic.CompareAndSwapInt32(&e.active, 0, 1) {
		s.logger.Debug("job still running, skipping tick", zap.String("job", e.Name))
		return
	}
	defer atomic.StoreInt32(&e.active, 0)

	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	defer cancel()

	start := time.Now()
	err := e.Run(ctx)
	atomic.AddInt64(&e.runs, 1)
	if err != nil {
		atomic.AddInt64(&e.failed, 1)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("job timed out", zap.String("job", e.Name), zap.Duration("timeout", e.Timeout))
		} else {
			s.logger.Warn("job failed", zap.String("job", e.Name), zap.Error(err))
		}
		return
	}
	s.logger.Debug("job complete", zap.String("job", e.Name), zap.Duration("took", time.Since(start)))
}

// IsRunning returns whether the scheduler is currently active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsActive returns whether the named job is currently executing.
func (s *Scheduler) IsActive(name string) bool {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	return ok && atomic.LoadInt32(&e.active) == 1
}

// Runs returns how many times the named job completed and how many of
// those runs failed.
func (s *Scheduler) Runs(name string) (runs, failed int64) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return atomic.LoadInt64(&e.runs), atomic.LoadInt64(&e.failed)
}
