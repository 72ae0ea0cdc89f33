package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger removes expired rows and reports how many.
type Purger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// PurgerFunc adapts a function to Purger.
type PurgerFunc func(ctx context.Context) (int64, error)

func (f PurgerFunc) DeleteExpired(ctx context.Context) (int64, error) { return f(ctx) }

type SweepRecorder interface {
	RecordSwept(table string, n int64)
}

// Sweeper periodically purges expired sessions and any other registered
// tables. Each run is idempotent.
type Sweeper struct {
	interval time.Duration
	purgers  map[string]Purger
	logger   *zap.SugaredLogger
	recorder SweepRecorder
}

func NewSweeper(interval time.Duration, logger *zap.SugaredLogger, recorder SweepRecorder) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{interval: interval, purgers: map[string]Purger{}, logger: logger, recorder: recorder}
}

// Register adds a purger under a table name used in logs and metrics.
func (s *Sweeper) Register(table string, p Purger) *Sweeper {
	s.purgers[table] = p
	return s
}

// RunOnce runs every purger once. A failing purger does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	for table, p := range s.purgers {
		start := time.Now()
		n, err := p.DeleteExpired(ctx)
		if err != nil {
			s.logger.Errorw("sweep failed", "table", table, "err", err)
			continue
		}
		if s.recorder != nil {
			s.recorder.RecordSwept(table, n)
		}
		s.logger.Infow("sweep completed",
			"table", table,
			"deleted_count", n,
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
		)
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.RunOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
