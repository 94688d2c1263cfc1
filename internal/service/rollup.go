package service

import (
	"context"
	"time"

	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/repository"
)

// Retention windows for the history tables.
const (
	rawRetention    = 14 * 24 * time.Hour
	minuteRetention = 365 * 24 * time.Hour
	cleanupHour     = 2
)

// RollupService wakes at each minute boundary to aggregate the minute that
// just closed, and trims old history once a night.
type RollupService struct {
	readings repository.ReadingRepo
	log      *logger.Logger
	now      func() time.Time

	lastCleanupDay string
}

func NewRollupService(readings repository.ReadingRepo, log *logger.Logger) *RollupService {
	return &RollupService{readings: readings, log: log, now: time.Now}
}

func (s *RollupService) Run(ctx context.Context) {
	s.log.Infow("rollup service started")
	for {
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		closed := next.Add(-time.Minute)
		if err := s.readings.AggregateMinute(ctx, closed); err != nil {
			s.log.Errorw("minute aggregation failed", "minute", closed, "err", err)
		}

		s.maybeCleanup(ctx)
	}
}

func (s *RollupService) maybeCleanup(ctx context.Context) {
	now := s.now()
	day := now.Format("2006-01-02")
	if now.Hour() != cleanupHour || s.lastCleanupDay == day {
		return
	}
	s.lastCleanupDay = day

	rawN, minN, err := s.readings.CleanupOldData(ctx, now.Add(-rawRetention), now.Add(-minuteRetention))
	if err != nil {
		s.log.Errorw("data cleanup failed", "err", err)
		return
	}
	s.log.Infow("data cleanup complete", "raw_removed", rawN, "minute_removed", minN)
}

var _ Rollup = (*RollupService)(nil)
