// Package scheduler runs in-process periodic jobs on cron schedules, such as
// the metrics snapshot reporter.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/tagflow/pkg/schema"
)

// JobFunc is the work a scheduled job performs.
type JobFunc func(ctx context.Context) error

// JobStatus is a point-in-time view of a registered job.
type JobStatus struct {
	Name          string    `json:"name"`
	Spec          string    `json:"spec"`
	NextRunAt     time.Time `json:"next_run_at"`
	LastRunAt     time.Time `json:"last_run_at,omitzero"`
	LastRunStatus string    `json:"last_run_status,omitempty"`
	Runs          int64     `json:"runs"`
}

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	fn       JobFunc

	next       time.Time
	lastRun    time.Time
	lastStatus string
	runs       int64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often due jobs are checked. Default 1s.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickEvery = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// Scheduler checks registered jobs on a ticker and runs those that are due.
type Scheduler struct {
	parser    cron.Parser
	logger    *slog.Logger
	now       func() time.Time
	tickEvery time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a new Scheduler. Specs accept five or six fields
// (seconds optional) and descriptors such as "@every 10s" or "@hourly".
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		now:       time.Now,
		tickEvery: time.Second,
		jobs:      make(map[string]*job),
		inflight:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Add registers fn under name on the cron spec. Duplicate names are
// CONFLICT; bad specs are VALIDATION_ERROR.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if name == "" || fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job needs a name and a function")
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q", spec).WithCause(err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already registered", name)
	}
	s.jobs[name] = &job{
		name:     name,
		spec:     spec,
		schedule: schedule,
		fn:       fn,
		next:     schedule.Next(s.now()),
	}
	return nil
}

// Remove unregisters a job. It reports whether the job existed.
func (s *Scheduler) Remove(name string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, ok := s.jobs[name]
	delete(s.jobs, name)
	return ok
}

// Jobs returns the status of every registered job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:          j.name,
			Spec:          j.spec,
			NextRunAt:     j.next,
			LastRunAt:     j.lastRun,
			LastRunStatus: j.lastStatus,
			Runs:          j.runs,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run is not after now.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.jobsMu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	s.jobsMu.Unlock()

	sort.Slice(due, func(i, k int) bool { return due[i].name < due[k].name })
	for _, j := range due {
		if !s.tryAcquire(j.name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.name)
	}
}

// runJob executes a job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	s.logger.Debug("running scheduled job", slog.String("job", j.name))

	status := "success"
	if err := s.invoke(ctx, j); err != nil {
		status = "error"
		s.logger.Error("scheduled job execution failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	}

	s.jobsMu.Lock()
	j.lastRun = now
	j.lastStatus = status
	j.runs++
	j.next = j.schedule.Next(now)
	s.jobsMu.Unlock()
}

func (s *Scheduler) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", j.name, r)
		}
	}()
	return j.fn(ctx)
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
