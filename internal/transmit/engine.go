// Package transmit delivers PENDING events to the backend and drives each
// event through the delivery state machine.
package transmit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gaugex/gaugex/internal/core/api"
	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/metrics"
	"github.com/gaugex/gaugex/internal/types"
)

// transitionTimeout bounds status writes made after the cycle context ended.
const transitionTimeout = 5 * time.Second

// ErrCyclePanicked is returned by Flush when a cycle panicked and was recovered.
var ErrCyclePanicked = errors.New("transmission cycle panicked")

// Store is the subset of the event store used by the engine.
type Store interface {
	QueryByStatus(ctx context.Context, status types.EventStatus) iter.Seq2[types.StoredEvent, error]
	Claim(ctx context.Context, ids []types.EventID) ([]types.EventID, error)
	Transition(ctx context.Context, ids []types.EventID, from, to types.EventStatus, lastError string) (int64, error)
	ResetProcessing(ctx context.Context) (int64, error)
}

// FlushResult summarizes one drain of the PENDING set.
type FlushResult struct {
	Batches     int `json:"batches"`
	Transmitted int `json:"transmitted"`
	Retried     int `json:"retried"`
	Failed      int `json:"failed"`
}

func (r *FlushResult) add(o FlushResult) {
	r.Batches += o.Batches
	r.Transmitted += o.Transmitted
	r.Retried += o.Retried
	r.Failed += o.Failed
}

// Engine runs transmission cycles on a schedule and on demand. Cycles never
// overlap; a Flush issued during a scheduled cycle waits for it.
type Engine struct {
	client  api.Client
	store   Store
	cfg     config.TransmitConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	cycleMu   sync.Mutex
	resetOnce sync.Once
}

// New creates an engine. A RateLimit of zero disables pacing.
func New(client api.Client, store Store, cfg config.TransmitConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultTransmitConfig().BatchSize
	}
	return &Engine{
		client:  client,
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("transmit"),
	}
}

// Run resets interrupted events and then drains once per interval until ctx
// is cancelled. A panicking cycle is recovered and the schedule restarts
// after the configured cooldown.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("transmission loop started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("batch_size", e.cfg.BatchSize))

	for {
		err := e.schedule(ctx)
		if ctx.Err() != nil {
			e.logger.Info("transmission loop stopped")
			return nil
		}
		metrics.LoopRestarts.WithLabelValues("transmit").Inc()
		e.logger.Error("transmission loop failed, restarting after cooldown",
			zap.Error(err),
			zap.Duration("cooldown", e.cfg.RestartCooldown))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.RestartCooldown):
		}
	}
}

// schedule returns only on cancellation or a recovered panic.
func (e *Engine) schedule(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.cycleMu.Lock()
	e.resetOnce.Do(func() { e.resetProcessing(ctx) })
	e.cycleMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		res, err := e.Flush(ctx)
		switch {
		case errors.Is(err, ErrCyclePanicked):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("transmission cycle aborted", zap.Error(err))
		case res.Batches > 0:
			e.logger.Info("transmission cycle complete",
				zap.Int("batches", res.Batches),
				zap.Int("transmitted", res.Transmitted),
				zap.Int("retried", res.Retried),
				zap.Int("failed", res.Failed))
		}
	}
}

// Flush drains every PENDING event now, in timestamp order, batch by batch.
// Batch-level send failures are classified and applied; they do not stop
// the drain. The returned error reports store failures, cancellation or a
// recovered panic; the result counts whatever completed before it.
func (e *Engine) Flush(ctx context.Context) (res FlushResult, err error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("transmission cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrCyclePanicked, r)
		}
	}()

	e.resetOnce.Do(func() { e.resetProcessing(ctx) })

	batch := make([]types.StoredEvent, 0, e.cfg.BatchSize)
	for se, qerr := range e.store.QueryByStatus(ctx, types.StatusPending) {
		if qerr != nil {
			return res, fmt.Errorf("failed to read pending events: %w", qerr)
		}
		batch = append(batch, se)
		if len(batch) < e.cfg.BatchSize {
			continue
		}
		if err := e.pace(ctx, res.Batches); err != nil {
			return res, err
		}
		res.add(e.sendBatch(ctx, batch))
		batch = batch[:0]
	}
	if len(batch) > 0 {
		if err := e.pace(ctx, res.Batches); err != nil {
			return res, err
		}
		res.add(e.sendBatch(ctx, batch))
	}
	return res, nil
}

// resetProcessing returns rows stranded in PROCESSING by a previous process
// to PENDING. It runs once, before the first drain.
func (e *Engine) resetProcessing(ctx context.Context) {
	n, err := e.store.ResetProcessing(ctx)
	if err != nil {
		e.logger.Warn("failed to reset processing events", zap.Error(err))
		return
	}
	if n > 0 {
		e.logger.Info("reset interrupted events to pending", zap.Int64("count", n))
	}
}

func (e *Engine) pace(ctx context.Context, sent int) error {
	if sent == 0 {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("transmission paused: %w", err)
	}
	return nil
}

// sendBatch runs one batch through PROCESSING and applies the outcome.
func (e *Engine) sendBatch(ctx context.Context, batch []types.StoredEvent) FlushResult {
	ids := make([]types.EventID, len(batch))
	for i, se := range batch {
		ids[i] = se.ID
	}

	claimed, err := e.store.Claim(ctx, ids)
	if err != nil {
		e.logger.Warn("failed to claim batch", zap.Int("size", len(ids)), zap.Error(err))
		return FlushResult{}
	}
	if len(claimed) == 0 {
		return FlushResult{}
	}
	if len(claimed) < len(batch) {
		// Rows purged or claimed since the query are not ours to send.
		e.logger.Debug("batch shrank between query and claim",
			zap.Int("queried", len(batch)),
			zap.Int("claimed", len(claimed)))
		batch, ids = onlyClaimed(batch, claimed)
	}

	start := time.Now()
	sendErr := e.client.SendEvents(ctx, batch)
	metrics.TransmitBatchDuration.Observe(float64(time.Since(start).Milliseconds()))

	// Status writes must land even when the send was cut short by shutdown.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transitionTimeout)
	defer cancel()

	res := FlushResult{Batches: 1}
	switch {
	case sendErr == nil:
		res.Transmitted = e.apply(wctx, ids, types.StatusTransmitted, "", metrics.ResultTransmitted)

	case api.IsRetryable(sendErr):
		var retry, exhausted []types.EventID
		for _, se := range batch {
			if se.RetryCount+1 >= e.cfg.MaxRetries {
				exhausted = append(exhausted, se.ID)
			} else {
				retry = append(retry, se.ID)
			}
		}
		msg := sendErr.Error()
		res.Retried = e.apply(wctx, retry, types.StatusPending, msg, metrics.ResultRetried)
		res.Failed = e.apply(wctx, exhausted, types.StatusFailed, "retries exhausted: "+msg, metrics.ResultFailed)
		e.logger.Warn("batch send failed, will retry",
			zap.Int("retried", res.Retried),
			zap.Int("exhausted", res.Failed),
			zap.Error(sendErr))

	default:
		res.Failed = e.apply(wctx, ids, types.StatusFailed, sendErr.Error(), metrics.ResultFailed)
		e.logger.Warn("batch rejected", zap.Int("failed", res.Failed), zap.Error(sendErr))
	}
	return res
}

func onlyClaimed(batch []types.StoredEvent, claimed []types.EventID) ([]types.StoredEvent, []types.EventID) {
	keep := make(map[types.EventID]struct{}, len(claimed))
	for _, id := range claimed {
		keep[id] = struct{}{}
	}
	out := make([]types.StoredEvent, 0, len(claimed))
	ids := make([]types.EventID, 0, len(claimed))
	for _, se := range batch {
		if _, ok := keep[se.ID]; ok {
			out = append(out, se)
			ids = append(ids, se.ID)
		}
	}
	return out, ids
}

func (e *Engine) apply(ctx context.Context, ids []types.EventID, to types.EventStatus, lastError, result string) int {
	if len(ids) == 0 {
		return 0
	}
	n, err := e.store.Transition(ctx, ids, types.StatusProcessing, to, lastError)
	if err != nil {
		// Rows stay PROCESSING and are reset on the next start.
		e.logger.Error("failed to record batch outcome",
			zap.String("status", string(to)),
			zap.Int("size", len(ids)),
			zap.Error(err))
		return 0
	}
	metrics.TransmitOutcomes.WithLabelValues(result).Add(float64(n))
	return int(n)
}
