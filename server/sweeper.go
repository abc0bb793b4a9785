package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// SweepTarget is an expirable collection the sweeper reclaims.
type SweepTarget interface {
	Name() string
	SweepExpired(now time.Time) int
}

// Sweeper periodically reclaims expired records from its targets. Runs never
// overlap: when a sweep is still in flight at the next tick, the tick is
// skipped.
type Sweeper struct {
	interval time.Duration
	targets  []SweepTarget
	logger   *slog.Logger

	running atomic.Bool
}

// NewSweeper constructs the sweeper.
func NewSweeper(interval time.Duration, logger *slog.Logger, targets ...SweepTarget) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{interval: interval, targets: targets, logger: logger}
}

// Start runs the sweep loop until the context is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

// Sweep runs one pass over all targets. A panic in one target is contained
// so the remaining targets still get swept. Returns the total number of
// reclaimed records, or -1 when a pass was already in flight.
func (s *Sweeper) Sweep(now time.Time) int {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("sweep still in flight, skipping tick")
		return -1
	}
	defer s.running.Store(false)

	total := 0
	for _, target := range s.targets {
		total += s.sweepTarget(target, now)
	}
	if total > 0 {
		s.logger.Info("sweep complete", "removed", total)
	}
	return total
}

func (s *Sweeper) sweepTarget(target SweepTarget, now time.Time) (removed int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep target panicked", "target", target.Name(), "panic", r)
		}
	}()

	removed = target.SweepExpired(now)
	if removed > 0 {
		s.logger.Debug("swept expired records", "target", target.Name(), "removed", removed)
	}
	return removed
}
