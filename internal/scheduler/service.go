// Package scheduler fires named jobs on cron schedules.
//
// Jobs run on the cron goroutine, so they must be quick; the engine's jobs only
// enqueue work on its own loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // zone database for minimal containers

	"github.com/robfig/cron/v3"

	logx "librusbot/pkg/logx"
)

type Config struct {
	Timezone string // IANA name, e.g. "Europe/Warsaw"; empty means local time
}

type job struct {
	name    string
	spec    Spec
	timeout time.Duration
	fn      func(ctx context.Context) error
}

// Service owns one cron runner. The runner's location is fixed at creation,
// so a timezone change replaces it.
type Service struct {
	log logx.Logger

	mu     sync.Mutex
	tz     string
	loc    *time.Location
	jobs   []*job
	runner *cron.Cron
	runCtx context.Context
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log}
	s.tz, s.loc = resolveZone(cfg.Timezone, log)
	return s
}

// resolveZone falls back to local time for an empty or unknown name.
func resolveZone(name string, log logx.Logger) (string, *time.Location) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("unknown timezone; using local time", logx.String("tz", name), logx.Err(err))
		return name, time.Local
	}
	return name, loc
}

// Add registers a job under a unique name. raw is anything Parse accepts.
// Jobs added before Start are scheduled when it runs.
func (s *Service) Add(name, raw string, timeout time.Duration, fn func(ctx context.Context) error) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("scheduler: job name required")
	case fn == nil:
		return fmt.Errorf("scheduler: job %s has no function", name)
	}
	spec, err := Parse(raw)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.jobs, func(j *job) bool { return j.name == name }) {
		return fmt.Errorf("scheduler: job %s already registered", name)
	}
	j := &job{name: name, spec: spec, timeout: timeout, fn: fn}
	s.jobs = append(s.jobs, j)
	if s.runner != nil {
		s.schedule(s.runner, j)
	}
	s.log.Debug("job registered",
		logx.String("job", name), logx.String("spec", spec.Expr),
		logx.Time("next", spec.schedule.Next(time.Now().In(s.loc))))
	return nil
}

// Next is the first activation of the named job strictly after t, in the
// configured timezone.
func (s *Service) Next(name string, t time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.spec.schedule.Next(t.In(s.loc)), true
		}
	}
	return time.Time{}, false
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply takes a new config. Only a timezone change has an effect: a running
// runner is replaced by one in the new zone carrying every job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(cfg.Timezone) == s.tz {
		return
	}
	s.tz, s.loc = resolveZone(cfg.Timezone, s.log)
	if s.runner == nil {
		return
	}
	<-s.runner.Stop().Done()
	s.runner = s.newRunner()
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Start begins firing jobs; each run gets ctx (bounded by the job timeout).
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return
	}
	s.runCtx = ctx
	s.runner = s.newRunner()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts firing and waits for running jobs, or for ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.runner
	s.runner = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case <-r.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// newRunner builds and starts a runner in s.loc with every job. Callers hold mu.
func (s *Service) newRunner() *cron.Cron {
	r := cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		s.schedule(r, j)
	}
	r.Start()
	return r
}

func (s *Service) schedule(r *cron.Cron, j *job) {
	parent := s.runCtx
	log := s.log.With(logx.String("job", j.name))
	r.Schedule(j.spec.schedule, cron.FuncJob(func() {
		ctx, cancel := parent, context.CancelFunc(func() {})
		if j.timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, j.timeout)
		}
		defer cancel()
		began := time.Now()
		if err := j.fn(ctx); err != nil {
			log.Warn("job failed", logx.Err(err))
			return
		}
		log.Debug("job done", logx.Duration("took", time.Since(began)))
	}))
}
