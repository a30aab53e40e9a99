// Package sweeper runs periodic maintenance: evicting old idempotency
// records, expiring overdue approvals and retrying failed approval dispatch.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/metrics"
)

const (
	DefaultIdempotencySchedule = "@every 15m"
	DefaultApprovalSchedule    = "@every 1m"

	JobIdempotency = "idempotency"
	JobApprovals   = "approvals"
	JobDispatch    = "approval_dispatch"
)

// JobFunc does one sweep and returns how many records it touched.
type JobFunc func(ctx context.Context) (int64, error)

type job struct {
	name string
	spec string
	fn   JobFunc
}

// Sweeper schedules jobs with cron. A job never overlaps itself: a tick that
// fires while the previous run is still going is skipped.
type Sweeper struct {
	Logger *slog.Logger
	Parser cron.Parser

	mu   sync.Mutex
	jobs []job
}

func New(logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Logger: logger,
		Parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers fn under name. spec is a five-field cron expression or a
// descriptor such as "@every 5m".
func (s *Sweeper) Add(name, spec string, fn JobFunc) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" || fn == nil {
		return errors.New("job name and func required")
	}
	if _, err := s.Parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	s.jobs = append(s.jobs, job{name: name, spec: spec, fn: fn})
	return nil
}

// Run starts the schedule and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()
	if len(jobs) == 0 {
		return errors.New("no jobs registered")
	}
	logger := cronLogger{s.Logger}
	c := cron.New(
		cron.WithParser(s.Parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, j := range jobs {
		j := j
		if _, err := c.AddFunc(j.spec, func() { s.runJob(ctx, j) }); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	c.Start()
	s.Logger.Info("sweeper started", "jobs", len(jobs))
	<-ctx.Done()
	<-c.Stop().Done()
	s.Logger.Info("sweeper stopped")
	return nil
}

// RunOnce runs the named job immediately, outside the schedule.
func (s *Sweeper) RunOnce(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	var found *job
	for i := range s.jobs {
		if s.jobs[i].name == name {
			j := s.jobs[i]
			found = &j
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return s.runJob(ctx, *found)
}

func (s *Sweeper) runJob(ctx context.Context, j job) (int64, error) {
	n, err := j.fn(ctx)
	if err != nil {
		s.Logger.Error("sweep failed", "job", j.name, "error", err)
		return n, err
	}
	metrics.SweptRecordsTotal.WithLabelValues(j.name).Add(float64(n))
	if n > 0 {
		s.Logger.Info("sweep done", "job", j.name, "count", n)
	} else {
		s.Logger.Debug("sweep done", "job", j.name, "count", n)
	}
	return n, nil
}

type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

type IdempotencySweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type ApprovalSweeper interface {
	ExpireStale(ctx context.Context) (int, error)
	RedispatchApproved(ctx context.Context) (int, error)
}

// AddStandardJobs registers idempotency eviction, approval expiry and
// approval redispatch. The approval jobs share apprSpec. Empty specs use the
// defaults.
func (s *Sweeper) AddStandardJobs(idem IdempotencySweeper, idemSpec string, appr ApprovalSweeper, apprSpec string) error {
	if idemSpec == "" {
		idemSpec = DefaultIdempotencySchedule
	}
	if apprSpec == "" {
		apprSpec = DefaultApprovalSchedule
	}
	if err := s.Add(JobIdempotency, idemSpec, idem.Sweep); err != nil {
		return err
	}
	if err := s.Add(JobApprovals, apprSpec, counted(appr.ExpireStale)); err != nil {
		return err
	}
	return s.Add(JobDispatch, apprSpec, counted(appr.RedispatchApproved))
}

func counted(fn func(context.Context) (int, error)) JobFunc {
	return func(ctx context.Context) (int64, error) {
		n, err := fn(ctx)
		return int64(n), err
	}
}
