// Package cron runs the daemon's periodic maintenance jobs on robfig/cron
// schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors like "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// JobFunc is one maintenance pass.
type JobFunc func(ctx context.Context) error

type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
}

type job struct {
	name     string
	spec     string
	schedule cronlib.Schedule
	fn       JobFunc
	next     time.Time
	runs     int
}

// Scheduler ticks at a fixed interval and fires every job whose next run
// time has passed. A job never overlaps itself: ticks run jobs serially.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, interval: interval}
}

// Add registers fn under spec. The first run is the first schedule time
// after now.
func (s *Scheduler) Add(name, spec string, fn JobFunc, now time.Time) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule for %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, spec: spec, schedule: sched, fn: fn, next: sched.Next(now)})
	return nil
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", s.jobCount())
}

// Stop cancels the loop and waits for the running tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.RunDue(ctx, now)
		}
	}
}

// RunDue fires every job due at now and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.next) {
			due = append(due, j)
			j.next = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		if err := j.fn(ctx); err != nil {
			s.logger.Error("cron: job failed", "job", j.name, "schedule", j.spec, "error", err)
		} else {
			s.logger.Debug("cron: job ran", "job", j.name, "duration", time.Since(start))
		}
		s.mu.Lock()
		j.runs++
		s.mu.Unlock()
	}
	return len(due)
}

// Runs reports how many times the named job has fired.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.runs
		}
	}
	return 0
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
