package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of scheduled work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs on five-field cron specs. A run that is still going
// when its next tick fires is skipped rather than overlapped.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context
	logger  *slog.Logger
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSpec checks a cron spec and returns its next activation after t.
func ParseSpec(spec string, t time.Time) (time.Time, error) {
	s, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("refresh: schedule %q: %w", spec, err)
	}
	return s.Next(t), nil
}

// NewScheduler creates an idle Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(specParser)),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
		logger:  logger,
	}
}

// Add schedules job on spec.
func (s *Scheduler) Add(job Job, spec string) error {
	id, err := s.cron.AddFunc(spec, s.wrap(job, spec))
	if err != nil {
		return fmt.Errorf("refresh: schedule %s %q: %w", job.Name, spec, err)
	}
	s.entries[job.Name] = id
	s.logger.Info("job scheduled", "job", job.Name, "spec", spec, "next", s.cron.Entry(id).Next)
	return nil
}

// Next returns the next activation of the named job, or zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start runs the scheduler in the background. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) wrap(job Job, spec string) func() {
	var running atomic.Bool
	return func() {
		log := s.logger.With("job", job.Name, "spec", spec)
		if !running.CompareAndSwap(false, true) {
			log.Info("job skipped: still running")
			return
		}
		defer running.Store(false)

		start := time.Now()
		log.Info("job started")
		if err := job.Run(s.ctx); err != nil {
			log.Error("job finished", "err", err, "duration", time.Since(start))
			return
		}
		log.Info("job finished", "duration", time.Since(start))
	}
}
