// Package scheduler runs the periodic billing jobs on cron schedules and keeps
// a bounded execution history per job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/billsync/observability/tracing"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned for job names that were never registered.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// JobStatus represents the status of a scheduled job.
type JobStatus string

const (
	JobStatusActive JobStatus = "active"
	JobStatusPaused JobStatus = "paused"
)

// ExecutionStatus represents the result of a job execution.
type ExecutionStatus string

const (
	ExecStatusSuccess ExecutionStatus = "success"
	ExecStatusFailed  ExecutionStatus = "failed"
)

// Triggers recorded on executions.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// JobFunc is the work a job performs.
type JobFunc func(ctx context.Context) error

// Job is a snapshot of a registered job.
type Job struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Status    JobStatus  `json:"status"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// ExecutionRecord records the result of a single job execution.
type ExecutionRecord struct {
	ID        string          `json:"id"`
	Job       string          `json:"job"`
	Trigger   string          `json:"trigger"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Error     string          `json:"error,omitempty"`
}

type job struct {
	Job
	schedule cron.Schedule
	entry    cron.EntryID
	fn       JobFunc
}

// Scheduler drives registered jobs with robfig/cron.
type Scheduler struct {
	mu         sync.Mutex
	cron       *cron.Cron
	jobs       map[string]*job
	history    map[string][]*ExecutionRecord
	maxHistory int
	timeout    time.Duration
	baseCtx    context.Context
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHistoryLimit caps the records kept per job.
func WithHistoryLimit(n int) Option { return func(s *Scheduler) { s.maxHistory = n } }

// WithTimeout bounds each scheduled execution.
func WithTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }

// WithClock overrides the clock used for history and next-run times.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a Scheduler evaluating schedules in UTC.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		jobs:       make(map[string]*job),
		history:    make(map[string][]*ExecutionRecord),
		maxHistory: 50,
		timeout:    30 * time.Minute,
		baseCtx:    context.Background(),
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ValidateCron validates a standard 5-field cron expression or descriptor.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRuns returns up to n upcoming execution times for expr after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		from = sched.Next(from)
		times = append(times, from)
	}
	return times, nil
}

// Register adds a job. An empty schedule registers a job that only runs when
// triggered manually.
func (s *Scheduler) Register(name, schedule string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	j := &job{Job: Job{Name: name, Schedule: schedule, Status: JobStatusPaused}, fn: fn}
	if schedule != "" {
		sched, err := cron.ParseStandard(schedule)
		if err != nil {
			return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", schedule, name, err)
		}
		j.schedule = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("scheduler: job %s already registered", name)
	}
	s.jobs[name] = j
	if j.schedule != nil {
		s.activate(j)
	}
	s.logger.Info("registered job", "job", name, "schedule", schedule)
	return nil
}

// activate adds j to the cron table. Callers hold s.mu.
func (s *Scheduler) activate(j *job) {
	j.entry = s.cron.Schedule(j.schedule, cron.FuncJob(func() { s.runScheduled(j.Name) }))
	j.Status = JobStatusActive
	next := j.schedule.Next(s.now().UTC())
	j.NextRunAt = &next
}

// Start starts the cron loop. Scheduled runs derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops the cron loop. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Run starts the scheduler and blocks until ctx is cancelled and running
// jobs have drained.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	<-s.Stop().Done()
	return nil
}

// List returns all jobs sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Get returns a job by name.
func (s *Scheduler) Get(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return j.Job, true
}

// Pause removes a job from the cron table. Manual runs remain possible.
func (s *Scheduler) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if j.Status == JobStatusPaused {
		return nil
	}
	s.cron.Remove(j.entry)
	j.Status = JobStatusPaused
	j.NextRunAt = nil
	s.logger.Info("paused job", "job", name)
	return nil
}

// Resume puts a paused job back on its schedule.
func (s *Scheduler) Resume(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if j.Status == JobStatusActive {
		return nil
	}
	if j.schedule == nil {
		return fmt.Errorf("scheduler: job %s has no schedule", name)
	}
	s.activate(j)
	s.logger.Info("resumed job", "job", name)
	return nil
}

// History returns execution records for a job, newest first.
func (s *Scheduler) History(name string) ([]*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	recs := s.history[name]
	out := make([]*ExecutionRecord, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r
	}
	return out, nil
}

// ExecuteNow runs a job immediately, bypassing its schedule.
func (s *Scheduler) ExecuteNow(ctx context.Context, name string) (*ExecutionRecord, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j, TriggerManual), nil
}

func (s *Scheduler) runScheduled(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	base := s.baseCtx
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(base, s.timeout)
	defer cancel()
	s.execute(ctx, j, TriggerSchedule)
}

func (s *Scheduler) execute(ctx context.Context, j *job, trigger string) *ExecutionRecord {
	start := s.now().UTC()
	log := s.logger.With("job", j.Name, "trigger", trigger)
	log.Info("job started")

	ctx, span := tracing.StartJob(ctx, j.Name, trigger)
	err := j.fn(ctx)
	tracing.End(span, err)

	rec := &ExecutionRecord{
		ID:        uuid.NewString(),
		Job:       j.Name,
		Trigger:   trigger,
		Status:    ExecStatusSuccess,
		StartedAt: start,
		Duration:  s.now().UTC().Sub(start),
	}
	if err != nil {
		rec.Status = ExecStatusFailed
		rec.Error = err.Error()
		log.Error("job failed", "duration", rec.Duration, "error", err)
	} else {
		log.Info("job finished", "duration", rec.Duration)
	}

	s.mu.Lock()
	j.LastRunAt = &start
	if j.Status == JobStatusActive {
		next := j.schedule.Next(s.now().UTC())
		j.NextRunAt = &next
	}
	h := append(s.history[j.Name], rec)
	if len(h) > s.maxHistory {
		h = h[len(h)-s.maxHistory:]
	}
	s.history[j.Name] = h
	s.mu.Unlock()
	return rec
}
