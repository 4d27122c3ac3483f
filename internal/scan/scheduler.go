package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "qrnotify/pkg/logx"
)

// Scheduler triggers Scanner.RunOnce on a schedule. It is a liveness
// mechanism only: missed, doubled or overlapping triggers are all harmless.
type Scheduler struct {
	scanner *Scanner
	log     logx.Logger

	mu    sync.Mutex
	ctx   context.Context
	c     *cron.Cron
	sched cron.Schedule
	spec  Spec
	loc   *time.Location
}

func NewScheduler(s *Scanner, log logx.Logger) *Scheduler {
	return &Scheduler{scanner: s, log: log.Named("scan.scheduler")}
}

// Start begins triggering on raw (see ParseSchedule) in loc. Runs use ctx.
func (s *Scheduler) Start(ctx context.Context, raw string, loc *time.Location) error {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if loc == nil {
		loc = time.UTC
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("scan: scheduler already started")
	}
	s.ctx = ctx
	return s.startLocked(spec, loc)
}

func (s *Scheduler) startLocked(spec Spec, loc *time.Location) error {
	c := cron.New(cron.WithParser(Parser), cron.WithLocation(loc))
	sched, jitter, err := spec.schedule(time.Now().In(loc))
	if err != nil {
		return err
	}
	c.Schedule(sched, cron.FuncJob(s.trigger))
	s.c, s.sched, s.spec, s.loc = c, sched, spec, loc
	c.Start()
	s.log.Info("scan scheduled",
		logx.String("schedule", spec.String()),
		logx.String("tz", loc.String()),
		logx.Duration("startup_spread", jitter),
		logx.Time("next", s.nextLocked()))
	return nil
}

func (s *Scheduler) trigger() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.scanner.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunning) && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduled scan failed", logx.Err(err))
	}
}

// Reschedule swaps the schedule in place. A run in flight continues.
func (s *Scheduler) Reschedule(raw string, loc *time.Location) error {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if loc == nil {
		loc = time.UTC
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errors.New("scan: scheduler not started")
	}
	if spec == s.spec && loc.String() == s.loc.String() {
		return nil
	}
	s.c.Stop()
	return s.startLocked(spec, loc)
}

// Next is the next activation, zero when stopped.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Scheduler) nextLocked() time.Time {
	if s.c == nil {
		return time.Time{}
	}
	return s.sched.Next(time.Now().In(s.loc))
}

// Stop stops triggering and waits for a running trigger until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
