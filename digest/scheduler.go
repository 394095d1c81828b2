package digest

import (
	"context"
	"log/slog"
	"time"
)

// PreviousMidnight returns the most recent midnight at or before now in loc.
func PreviousMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Scheduler triggers the registry once a day. Each run covers up to the previous midnight.
type Scheduler struct {
	registry *Registry
	loc      *time.Location
	hour     int
	minute   int
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler firing daily at hour:minute in loc.
func NewScheduler(registry *Registry, loc *time.Location, hour, minute int, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		registry: registry,
		loc:      loc,
		hour:     hour,
		minute:   minute,
		logger:   logger,
		now:      time.Now,
	}
}

// NextRun returns the first trigger time strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

// RunOnce runs all providers for the window ending at the previous midnight.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	windowEnd := PreviousMidnight(s.now(), s.loc)
	s.logger.Info("Scheduled digest run", "window_end", windowEnd.Format(time.RFC3339))
	results, err := s.registry.RunAll(ctx, windowEnd)
	for _, res := range results {
		s.logger.Info("Digest result",
			"run_id", res.RunID,
			"digest_type", res.DigestType,
			"recipients_notified", res.RecipientsNotified,
			"committed", res.Committed)
	}
	return err
}

// Run blocks until ctx is cancelled, running the digest every day.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.NextRun(s.now())
		s.logger.Info("Next digest run scheduled", "at", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Digest scheduler stopping")
			return ctx.Err()
		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil {
				// Failures are retried by the next run from the persisted window.
				s.logger.Error("Scheduled digest run failed", "error", err)
			}
		}
	}
}
