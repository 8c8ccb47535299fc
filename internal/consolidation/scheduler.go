package consolidation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mnemo/internal/types"
)

// Schedule times, all UTC:
//
//	daily   02:00 every day
//	weekly  03:00 every Sunday
//	monthly 04:00 on the first of the month
const (
	dailyHour   = 2
	weeklyHour  = 3
	monthlyHour = 4
)

// Scheduler fires consolidation jobs at their wall-clock times. One
// goroutine; Stop blocks until it has exited.
type Scheduler struct {
	engine *Engine
	logger *zap.Logger
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewScheduler builds a scheduler around the engine. Call Start to begin.
func NewScheduler(engine *Engine, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine: engine,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	now := s.now().UTC()
	nextDaily := nextDailyRun(now)
	nextWeekly := nextWeeklyRun(now)
	nextMonthly := nextMonthlyRun(now)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now().UTC()
			if !now.Before(nextDaily) {
				s.fire(types.JobDaily)
				nextDaily = nextDailyRun(now)
			}
			if !now.Before(nextWeekly) {
				s.fire(types.JobWeekly)
				nextWeekly = nextWeeklyRun(now)
			}
			if !now.Before(nextMonthly) {
				s.fire(types.JobMonthly)
				nextMonthly = nextMonthlyRun(now)
			}
		}
	}
}

func (s *Scheduler) fire(jobType types.JobType) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	if err := s.engine.RunForAllTenants(ctx, jobType); err != nil {
		s.logger.Error("scheduled consolidation failed",
			zap.String("type", string(jobType)), zap.Error(err))
	}
}

// nextDailyRun returns the next 02:00 UTC strictly after now.
func nextDailyRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), dailyHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// nextWeeklyRun returns the next Sunday 03:00 UTC strictly after now.
func nextWeeklyRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), weeklyHour, 0, 0, 0, time.UTC)
	days := (int(time.Sunday) - int(next.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// nextMonthlyRun returns the next first-of-month 04:00 UTC strictly after
// now.
func nextMonthlyRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), 1, monthlyHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}
