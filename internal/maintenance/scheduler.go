// Package maintenance keeps the local event store bounded. Three triggers
// run on every tick: age, size pressure and row count. A daily optimization
// sweeps delivered and failed rows and compacts the database.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/metrics"
	"github.com/gaugex/gaugex/internal/types"
)

// Store is the subset of the event store used by the scheduler.
type Store interface {
	DeleteOlderThan(ctx context.Context, ts int64) (int64, error)
	DeleteByStatus(ctx context.Context, status types.EventStatus) (int64, error)
	DeleteOldest(ctx context.Context, n int) (int64, error)
	Count(ctx context.Context) (int64, error)
	SizeOnDisk(ctx context.Context) (int64, error)
	Compact(ctx context.Context) error
}

// TickResult counts the rows removed by each trigger of one tick.
type TickResult struct {
	Aged     int64 `json:"aged"`
	Pressure int64 `json:"pressure"`
	Capped   int64 `json:"capped"`
}

// Total returns the number of rows removed by the tick.
func (r TickResult) Total() int64 { return r.Aged + r.Pressure + r.Capped }

// Scheduler runs the retention purges and the daily optimization against a
// Store. Tick, Optimize and PurgeOlderThanDays may also be called directly.
type Scheduler struct {
	store  Store
	cfg    config.StorageConfig
	daily  bool
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithDailyOptimization turns the scheduled optimization at the compaction
// hour on or off. OptimizeNow is unaffected.
func WithDailyOptimization(enabled bool) Option {
	return func(s *Scheduler) { s.daily = enabled }
}

// New returns a scheduler over store using the limits in cfg. A nil logger
// disables logging. Daily optimization is on unless disabled by an option.
func New(store Store, cfg config.StorageConfig, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		store:  store,
		cfg:    cfg,
		daily:  true,
		now:    time.Now,
		logger: logger.Named("maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks immediately and then every maintenance interval, and optimizes
// once a day at the compaction hour, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	var daily <-chan time.Time
	var timer *time.Timer
	if s.daily {
		timer = time.NewTimer(s.untilCompaction())
		defer timer.Stop()
		daily = timer.C
	}

	s.logger.Info("maintenance loop started",
		zap.Duration("interval", s.cfg.MaintenanceInterval),
		zap.Bool("daily_optimization", s.daily))

	s.supervised(ctx, "tick", func() error {
		_, err := s.Tick(ctx)
		return err
	})
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance loop stopped")
			return nil
		case <-ticker.C:
			s.supervised(ctx, "tick", func() error {
				_, err := s.Tick(ctx)
				return err
			})
		case <-daily:
			s.supervised(ctx, "optimize", func() error {
				_, err := s.Optimize(ctx)
				return err
			})
			timer.Reset(s.untilCompaction())
		}
	}
}

// supervised runs one step, logging failures and recovering panics so a
// bad step never ends the loop.
func (s *Scheduler) supervised(ctx context.Context, step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopRestarts.WithLabelValues("maintenance").Inc()
			s.logger.Error("maintenance step panicked",
				zap.String("step", step),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	if err := fn(); err != nil && ctx.Err() == nil {
		s.logger.Warn("maintenance step failed", zap.String("step", step), zap.Error(err))
	}
}

// Tick applies the age, size-pressure and count-cap purges in that order.
// Each trigger runs even when an earlier one failed; the first error is
// returned.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var (
		res      TickResult
		firstErr error
	)
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	now := s.now()
	n, err := s.store.DeleteOlderThan(ctx, now.Add(-s.cfg.MaxEventAge).UnixMilli())
	if err != nil {
		keep(fmt.Errorf("age purge: %w", err))
	}
	res.Aged = n
	metrics.EventsPurged.WithLabelValues(metrics.PurgeAge).Add(float64(n))

	size, err := s.store.SizeOnDisk(ctx)
	if err != nil {
		keep(fmt.Errorf("size check: %w", err))
	} else {
		metrics.StoreSizeBytes.Set(float64(size))
		if float64(size) > s.cfg.PressureRatio*float64(s.cfg.MaxSizeBytes) {
			n, err := s.store.DeleteOlderThan(ctx, now.Add(-s.cfg.PressureRetention).UnixMilli())
			if err != nil {
				keep(fmt.Errorf("pressure purge: %w", err))
			}
			res.Pressure = n
			metrics.EventsPurged.WithLabelValues(metrics.PurgePressure).Add(float64(n))
			s.logger.Warn("storage above high watermark, purged to short retention",
				zap.Int64("size_bytes", size),
				zap.Int64("max_size_bytes", s.cfg.MaxSizeBytes),
				zap.Int64("purged", n))
		}
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		keep(fmt.Errorf("count check: %w", err))
	} else if over := count - int64(s.cfg.MaxEventCount); over > 0 {
		n, err := s.store.DeleteOldest(ctx, int(over))
		if err != nil {
			keep(fmt.Errorf("count purge: %w", err))
		}
		res.Capped = n
		metrics.EventsPurged.WithLabelValues(metrics.PurgeCount).Add(float64(n))
	}

	if res.Total() > 0 {
		s.logger.Info("maintenance purge complete",
			zap.Int64("aged", res.Aged),
			zap.Int64("pressure", res.Pressure),
			zap.Int64("capped", res.Capped))
	}
	return res, firstErr
}

// Optimize removes TRANSMITTED and FAILED rows, then compacts the store.
// It returns the number of rows swept.
func (s *Scheduler) Optimize(ctx context.Context) (int64, error) {
	var swept int64
	for _, status := range []types.EventStatus{types.StatusTransmitted, types.StatusFailed} {
		n, err := s.store.DeleteByStatus(ctx, status)
		if err != nil {
			return swept, fmt.Errorf("failed to sweep %s events: %w", status, err)
		}
		swept += n
	}
	metrics.EventsPurged.WithLabelValues(metrics.PurgeSweep).Add(float64(swept))

	start := time.Now()
	if err := s.store.Compact(ctx); err != nil {
		return swept, fmt.Errorf("failed to compact store: %w", err)
	}
	s.logger.Info("store optimized",
		zap.Int64("swept", swept),
		zap.Duration("compaction", time.Since(start)))
	return swept, nil
}

// OptimizeNow runs Optimize outside the daily schedule.
func (s *Scheduler) OptimizeNow(ctx context.Context) error {
	_, err := s.Optimize(ctx)
	return err
}

// PurgeOlderThanDays deletes every event older than days, regardless of status.
func (s *Scheduler) PurgeOlderThanDays(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.store.DeleteOlderThan(ctx, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	metrics.EventsPurged.WithLabelValues(metrics.PurgeManual).Add(float64(n))
	s.logger.Info("manual purge complete", zap.Int("days", days), zap.Int64("purged", n))
	return n, nil
}

func (s *Scheduler) untilCompaction() time.Duration {
	now := s.now()
	return NextCompaction(now, s.cfg.CompactionHour).Sub(now)
}

// NextCompaction returns the first time strictly after now that falls on
// hour:00 in now's location.
func NextCompaction(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
