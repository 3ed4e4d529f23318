// Package scheduler implements the recurring maintenance-task engine.
// Jobs are named, interval-bound units of work registered before start;
// robfig/cron arms the repeating timers. A failing handler never stops
// its own timer or affects other jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Handler is the work a job performs. Errors are logged and isolated.
type Handler func(ctx context.Context) error

// Job is a named, interval-bound unit of recurring work.
type Job struct {
	// Name is the unique job key.
	Name string

	// Interval is the time between runs.
	Interval time.Duration

	// Enabled gates registration; disabled jobs are rejected silently.
	Enabled bool

	// Handler is invoked on every run.
	Handler Handler
}

// Scheduler runs registered jobs at their intervals. Registration happens
// before Start; Start runs every handler once immediately and then arms a
// repeating timer per job.
type Scheduler struct {
	jobs    map[string]*Job
	cron    *cron.Cron
	cronIDs map[string]cron.EntryID

	// running tracks in-flight executions so a timer firing while the
	// previous run is still active skips instead of piling up.
	running map[string]bool

	started bool
	logger  *slog.Logger
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[string]*Job),
		cronIDs: make(map[string]cron.EntryID),
		running: make(map[string]bool),
		logger:  logger.With("component", "scheduler"),
	}
}

// Register adds a job before the scheduler starts. A duplicate name or a
// disabled job is logged and ignored without erroring the caller.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Name == "" || job.Handler == nil || job.Interval <= 0 {
		s.logger.Warn("rejecting malformed job", "name", job.Name)
		return
	}
	if !job.Enabled {
		s.logger.Info("skipping disabled job", "name", job.Name)
		return
	}
	if _, exists := s.jobs[job.Name]; exists {
		s.logger.Warn("rejecting duplicate job", "name", job.Name)
		return
	}
	s.jobs[job.Name] = &job
	s.logger.Info("job registered", "name", job.Name, "interval", job.Interval)
}

// Start runs every registered handler once immediately, then arms a
// repeating timer at each job's interval. Calling Start again while
// already running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()

	for name, job := range s.jobs {
		schedule := fmt.Sprintf("@every %s", job.Interval)
		entryID, err := s.cron.AddFunc(schedule, s.runnerFor(name))
		if err != nil {
			s.logger.Error("failed to arm job timer", "name", name, "error", err)
			continue
		}
		s.cronIDs[name] = entryID
	}

	jobCount := len(s.jobs)
	c := s.cron
	s.mu.Unlock()

	// First run fires immediately, off the caller's goroutine.
	for _, name := range s.RegisteredNames() {
		go s.execute(name)
	}

	c.Start()
	s.logger.Info("scheduler started", "jobs", jobCount)
}

// Stop disarms every timer. In-flight handler executions are not waited
// for; their context is cancelled best-effort.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	cancel := s.cancel
	s.cronIDs = make(map[string]cron.EntryID)
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("scheduler stopped")
}

// RunNow invokes a job's handler out-of-band. Fails if the name is
// unknown.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	s.execute(name)
	return nil
}

// RegisteredNames returns the registered job names, sorted.
func (s *Scheduler) RegisteredNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) runnerFor(name string) func() {
	return func() { s.execute(name) }
}

// execute runs one job with the failure-isolation guards: a per-job
// in-flight check, panic recovery, and error logging. Nothing a handler
// does can reach another job or stop the timers.
func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok || s.running[name] {
		s.mu.Unlock()
		if ok {
			s.logger.Warn("skipping job, previous run still active", "name", name)
		}
		return
	}
	s.running[name] = true
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("job panicked", "name", name, "panic", r)
		}
	}()

	start := time.Now()
	if err := job.Handler(ctx); err != nil {
		s.logger.Error("job failed", "name", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job completed", "name", name, "duration", time.Since(start))
}
