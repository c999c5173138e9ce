// Package jobs runs the portal's periodic maintenance work on cron
// schedules: completing appointments whose slot has ended and sending
// next-day reminders.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Status is the last observed outcome of a job.
type Status struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Next     time.Time     `json:"next,omitempty"`
	LastRun  time.Time     `json:"lastRun,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	LastErr  string        `json:"lastError,omitempty"`
	Runs     int           `json:"runs"`
}

type entry struct {
	job    Job
	id     cron.EntryID
	status Status
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are
// skipped and panics are recovered and logged.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*entry
}

func NewScheduler(loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger = logger.With().Str("component", "jobs").Logger()
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		jobs:   make(map[string]*entry),
	}
}

// Add registers job. An empty schedule disables the job without error.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	e := &entry{job: job, status: Status{Name: job.Name, Schedule: job.Schedule}}
	if job.Schedule != "" {
		id, err := s.cron.AddFunc(job.Schedule, func() { s.run(s.ctx, e) })
		if err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		e.id = id
	} else {
		s.logger.Info().Str("job", job.Name).Msg("job disabled: no schedule")
	}
	s.jobs[job.Name] = e
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a job immediately on the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) error {
	start := time.Now()
	err := e.job.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	e.status.LastRun = start
	e.status.Duration = elapsed
	e.status.Runs++
	e.status.LastErr = ""
	if err != nil {
		e.status.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job", e.job.Name).Dur("latency", elapsed).Msg("job failed")
	} else {
		s.logger.Debug().Str("job", e.job.Name).Dur("latency", elapsed).Msg("job finished")
	}
	return err
}

// Statuses returns every job's status sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := e.status
		if e.id != 0 {
			st.Next = s.cron.Entry(e.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
