// Package pipeline implements event ingestion: sampling, enrichment, name
// normalization and batched persistence of PENDING events.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/metrics"
	"github.com/gaugex/gaugex/internal/sampling"
	"github.com/gaugex/gaugex/internal/session"
	"github.com/gaugex/gaugex/internal/types"
)

/*
 * Ingestion flow.
 *
 * Submit runs on the producer's goroutine and never blocks:
 *   1. feature gate and sampling (rate-0 types return before any other work)
 *   2. session attribution
 *   3. enqueue on a bounded channel; when full the oldest entry is dropped
 *
 * A single writer goroutine (Run) drains the queue in batches of
 * writeBatchSize or every flushInterval, whichever comes first:
 *   4. enrichment from the ContextProvider under "context.*" metadata keys
 *   5. name normalization (trailing numeric identifiers stripped)
 *   6. priority assignment and InsertBatch as PENDING
 *
 * A failed InsertBatch drops the batch and counts every event in it.
 * On shutdown the queue is closed and drained with one final write.
 */

// drainTimeout bounds the final write after the run context is cancelled.
const drainTimeout = 5 * time.Second

// Writer persists prepared events. *store.EventStore satisfies it.
type Writer interface {
	InsertBatch(ctx context.Context, events []types.StoredEvent) error
}

// ContextProvider supplies device and app state for an event. A returned
// error with a non-nil map keeps the partial context.
type ContextProvider interface {
	EventContext(e types.Event) (map[string]any, error)
}

// ContextProviderFunc adapts a function to ContextProvider.
type ContextProviderFunc func(e types.Event) (map[string]any, error)

func (f ContextProviderFunc) EventContext(e types.Event) (map[string]any, error) { return f(e) }

// Recorder receives performance samples for windowed aggregation.
type Recorder interface {
	Record(category, name string, durationMs int64)
}

// Stats counts events at each stage since the pipeline was created.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	SampledOut int64 `json:"sampled_out"`
	Dropped    int64 `json:"dropped"`
	Persisted  int64 `json:"persisted"`
	Queued     int   `json:"queued"`
}

type item struct {
	event   types.Event
	session types.SessionID
}

// Pipeline is the ingestion front of the SDK. Submit and SubmitBatch are safe
// for concurrent use; Run must be called exactly once.
type Pipeline struct {
	cfg      config.Provider
	sampler  *sampling.Sampler
	writer   Writer
	sessions *session.Tracker
	contexts ContextProvider
	recorder Recorder
	logger   *zap.Logger

	batchSize     int
	flushInterval time.Duration

	enabled atomic.Bool

	mu     sync.RWMutex
	closed bool
	queue  chan item
	syncC  chan chan struct{}
	done   chan struct{}

	submitted  atomic.Int64
	sampledOut atomic.Int64
	dropped    atomic.Int64
	persisted  atomic.Int64
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithSampler replaces the default sampler built from the config provider.
func WithSampler(s *sampling.Sampler) Option {
	return func(p *Pipeline) { p.sampler = s }
}

// WithSessions attributes events to the tracker's current session.
func WithSessions(t *session.Tracker) Option {
	return func(p *Pipeline) { p.sessions = t }
}

// WithContextProvider enables enrichment.
func WithContextProvider(cp ContextProvider) Option {
	return func(p *Pipeline) { p.contexts = cp }
}

// WithRecorder feeds performance events to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// New returns an enabled pipeline writing to w.
func New(cfg config.Provider, ingest config.IngestConfig, w Writer, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:           cfg,
		sampler:       sampling.New(cfg),
		writer:        w,
		logger:        logger.Named("pipeline"),
		batchSize:     ingest.WriteBatchSize,
		flushInterval: ingest.FlushInterval,
		queue:         make(chan item, ingest.QueueCapacity),
		syncC:         make(chan chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.enabled.Store(true)
	return p
}

// SetEnabled starts or stops accepting events. While disabled, submissions
// are discarded without error.
func (p *Pipeline) SetEnabled(on bool) {
	p.enabled.Store(on)
	p.logger.Info("monitoring toggled", zap.Bool("enabled", on))
}

// Enabled reports whether submissions are accepted.
func (p *Pipeline) Enabled() bool { return p.enabled.Load() }

// Submit hands e to the pipeline without blocking. It returns ErrQueueClosed
// after shutdown; sampling and overflow drops are counted, not returned.
func (p *Pipeline) Submit(e types.Event) error {
	e = types.Value(e)
	if e == nil {
		return fmt.Errorf("cannot submit nil event")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return types.ErrQueueClosed
	}

	p.submitted.Add(1)
	t := e.Type()
	metrics.EventsSubmitted.WithLabelValues(string(t)).Inc()

	if !p.enabled.Load() {
		p.dropped.Add(1)
		metrics.EventsDropped.WithLabelValues(metrics.DropDisabled).Inc()
		return nil
	}
	if !p.cfg.FeatureEnabled(config.FeatureFor(t)) || p.sampler.BaseRate(t) == 0 || !p.sampler.ShouldSample(e) {
		p.sampledOut.Add(1)
		metrics.EventsSampledOut.WithLabelValues(string(t)).Inc()
		return nil
	}

	it := item{event: e}
	if p.sessions != nil {
		it.session = p.sessions.Touch()
	}
	p.enqueue(it)
	return nil
}

// SubmitBatch submits each event in order. It stops at the first error.
func (p *Pipeline) SubmitBatch(events []types.Event) error {
	for _, e := range events {
		if err := p.Submit(e); err != nil {
			return err
		}
	}
	return nil
}

// enqueue must be called with p.mu read-locked and the queue open.
func (p *Pipeline) enqueue(it item) {
	for {
		select {
		case p.queue <- it:
			metrics.QueueUtilization.Set(p.utilization())
			return
		default:
		}
		select {
		case old := <-p.queue:
			p.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(metrics.DropQueueFull).Inc()
			p.logger.Debug("queue full, dropped oldest event", zap.String("event_id", string(old.event.ID())))
		default:
		}
	}
}

func (p *Pipeline) utilization() float64 {
	if cap(p.queue) == 0 {
		return 0
	}
	return float64(len(p.queue)) / float64(cap(p.queue))
}

// Run is the batch writer loop. It returns after ctx is cancelled and the
// queue has been drained.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	batch := make([]item, 0, p.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) > 0 {
			p.write(ctx, batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			p.close()
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			for it := range p.queue {
				batch = append(batch, it)
				if len(batch) >= p.batchSize {
					flush(drainCtx)
				}
			}
			flush(drainCtx)
			cancel()
			return nil

		case it := <-p.queue:
			batch = append(batch, it)
			if len(batch) >= p.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
			metrics.QueueUtilization.Set(p.utilization())

		case ack := <-p.syncC:
			for drained := false; !drained; {
				select {
				case it := <-p.queue:
					batch = append(batch, it)
					if len(batch) >= p.batchSize {
						flush(ctx)
					}
				default:
					drained = true
				}
			}
			flush(ctx)
			close(ack)
		}
	}
}

// Sync blocks until every event queued before the call has been written.
func (p *Pipeline) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.syncC <- ack:
	case <-p.done:
		return types.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// Stats returns the stage counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		SampledOut: p.sampledOut.Load(),
		Dropped:    p.dropped.Load(),
		Persisted:  p.persisted.Load(),
		Queued:     len(p.queue),
	}
}

func (p *Pipeline) write(ctx context.Context, batch []item) {
	rows := make([]types.StoredEvent, 0, len(batch))
	for _, it := range batch {
		se, err := p.prepare(it)
		if err != nil {
			p.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(metrics.DropEncode).Inc()
			p.logger.Warn("dropping unserializable event", zap.String("event_id", string(it.event.ID())), zap.Error(err))
			continue
		}
		rows = append(rows, se)
	}
	if len(rows) == 0 {
		return
	}

	if err := p.writer.InsertBatch(ctx, rows); err != nil {
		p.dropped.Add(int64(len(rows)))
		metrics.EventsDropped.WithLabelValues(metrics.DropStoreFailure).Add(float64(len(rows)))
		p.logger.Error("failed to persist batch", zap.Int("events", len(rows)), zap.Error(err))
		return
	}
	p.persisted.Add(int64(len(rows)))
	metrics.EventsPersisted.Add(float64(len(rows)))
}

// prepare enriches, normalizes and projects one queued event.
func (p *Pipeline) prepare(it item) (types.StoredEvent, error) {
	e := it.event

	var deviceState sql.NullString
	if extra := p.eventContext(e); len(extra) > 0 {
		md := e.Metadata()
		if md == nil {
			md = make(types.Metadata, len(extra))
		}
		for k, v := range extra {
			md["context."+k] = v
		}
		if b, err := json.Marshal(extra); err == nil {
			deviceState = sql.NullString{String: string(b), Valid: true}
			e = e.WithMetadata(md)
		} else {
			p.logger.Warn("discarding unserializable event context", zap.String("event_id", string(e.ID())), zap.Error(err))
		}
	}

	se, err := types.NewStoredEvent(e, types.StatusPending)
	if err != nil {
		return types.StoredEvent{}, err
	}
	se.Name = normalizedName(e)
	se.Priority = sampling.Priority(e)
	se.DeviceStateJSON = deviceState
	if it.session != "" {
		se.SessionID = sql.NullString{String: string(it.session), Valid: true}
	}

	if p.recorder != nil {
		if perf, ok := e.(types.PerformanceEvent); ok {
			p.recorder.Record(perf.MetricCategory, se.Name, perf.DurationMs)
		}
	}
	return se, nil
}

// eventContext asks the provider for context. Errors keep whatever partial
// map was returned; a panic yields no context.
func (p *Pipeline) eventContext(e types.Event) (extra map[string]any) {
	if p.contexts == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("context provider panicked", zap.String("event_id", string(e.ID())), zap.Any("panic", r))
			extra = nil
		}
	}()

	extra, err := p.contexts.EventContext(e)
	if err != nil {
		p.logger.Warn("partial event context", zap.String("event_id", string(e.ID())), zap.Error(err))
	}
	return extra
}
