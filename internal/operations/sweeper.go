package operations

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultSweepInterval = 10 * time.Minute

// Sweeper periodically drops expired idempotency keys
type Sweeper struct {
	db       *Database
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper. A non-positive interval uses ten minutes.
func NewSweeper(db *gorm.DB, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		db:       NewDatabase(db),
		interval: interval,
		now:      time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "idempotency_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting idempotency sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency sweeper")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to sweep idempotency records")
			}
		}
	}
}

// Sweep deletes expired keys once and returns how many were removed
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.db.DeleteExpiredIdempotencyRecords(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debug().Int64("deleted", n).Msg("swept expired idempotency records")
	}
	return n, nil
}
