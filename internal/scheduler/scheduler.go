package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTick is how often pending jobs are checked
const DefaultTick = 5 * time.Second

type dailyJob struct {
	hour, minute int
	label        string
	fn           func()
	next         time.Time
}

// Scheduler fires callbacks once a day at a wall-clock time in its location.
// Callbacks run inline on the scheduler loop and must return quickly.
type Scheduler struct {
	tick     time.Duration
	location *time.Location
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	jobs   []*dailyJob
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler evaluating times in loc
func New(tick time.Duration, loc *time.Location, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		tick:     tick,
		location: loc,
		logger:   logger,
		now:      time.Now,
	}
}

// ParseClock parses "HH:MM"
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ScheduleDaily registers fn to run every day at clock ("HH:MM")
func (s *Scheduler) ScheduleDaily(clock string, fn func()) error {
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := &dailyJob{hour: hour, minute: minute, label: clock, fn: fn}
	job.next = s.nextRun(job, s.now())
	s.jobs = append(s.jobs, job)

	s.logger.Info("Scheduled daily job", zap.String("at", clock), zap.Time("next_run", job.next))
	return nil
}

// nextRun is the first occurrence of the job's time strictly after from,
// or at from when from is exactly on it.
func (s *Scheduler) nextRun(job *dailyJob, from time.Time) time.Time {
	local := from.In(s.location)
	y, m, d := local.Date()
	candidate := time.Date(y, m, d, job.hour, job.minute, 0, 0, s.location)
	if candidate.Before(local) {
		candidate = time.Date(y, m, d+1, job.hour, job.minute, 0, 0, s.location)
	}
	return candidate
}

// runPending runs every job that is due and schedules its next run
func (s *Scheduler) runPending() {
	now := s.now()

	s.mu.Lock()
	var due []*dailyJob
	for _, job := range s.jobs {
		if !now.Before(job.next) {
			due = append(due, job)
			job.next = s.nextRun(job, now.Add(time.Minute))
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.logger.Info("Running scheduled job", zap.String("at", job.label))
		s.safeRun(job)
	}
}

func (s *Scheduler) safeRun(job *dailyJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled job panicked", zap.String("at", job.label), zap.Any("panic", r))
		}
	}()
	job.fn()
}

// Start begins the scheduler loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Scheduler started", zap.Duration("tick", s.tick), zap.String("location", s.location.String()))
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.runPending()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop, waits for it and clears all jobs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}

	s.mu.Lock()
	s.jobs = nil
	s.mu.Unlock()

	s.logger.Info("Scheduler stopped")
}
