// Package agent is the dependency root of the SDK core. It builds every
// component from one Config, owns their goroutines and exposes the admin
// surface used by the host façade and the CLI.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gaugex/gaugex/internal/aggregate"
	"github.com/gaugex/gaugex/internal/core/api"
	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/maintenance"
	"github.com/gaugex/gaugex/internal/pipeline"
	"github.com/gaugex/gaugex/internal/plugin"
	"github.com/gaugex/gaugex/internal/session"
	"github.com/gaugex/gaugex/internal/store"
	"github.com/gaugex/gaugex/internal/transmit"
	"github.com/gaugex/gaugex/internal/types"
)

// DefaultAggregationWindow is the tumbling window of the in-memory aggregates.
const DefaultAggregationWindow = time.Minute

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("agent already started")

	// ErrStopped is returned by Start after Shutdown.
	ErrStopped = errors.New("agent stopped")
)

type options struct {
	client     api.Client
	contexts   pipeline.ContextProvider
	deviceInfo session.DeviceInfoFunc
	plugins    []plugin.Plugin
	window     time.Duration
}

// Option customizes an Agent.
type Option func(*options)

// WithClient replaces the transport built from the endpoint URL.
func WithClient(c api.Client) Option {
	return func(o *options) { o.client = c }
}

// WithContextProvider enables event enrichment.
func WithContextProvider(cp pipeline.ContextProvider) Option {
	return func(o *options) { o.contexts = cp }
}

// WithDeviceInfo attaches a device snapshot to every new session.
func WithDeviceInfo(fn session.DeviceInfoFunc) Option {
	return func(o *options) { o.deviceInfo = fn }
}

// WithPlugins registers event producers.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(o *options) { o.plugins = append(o.plugins, plugins...) }
}

// WithAggregationWindow sets the aggregation window length.
func WithAggregationWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// Agent wires the store, ingestion pipeline, transmission engine,
// maintenance scheduler and plugins together.
type Agent struct {
	cfg    *config.Config
	logger *zap.Logger

	store       *store.EventStore
	client      api.Client
	sessions    *session.Tracker
	aggregates  *aggregate.Aggregator
	pipeline    *pipeline.Pipeline
	plugins     *plugin.Registry
	engine      *transmit.Engine
	maintenance *maintenance.Scheduler

	mu            sync.Mutex
	started       bool
	stopped       bool
	group         *errgroup.Group
	cancelLoops   context.CancelFunc
	cancelPlugins context.CancelFunc
	pluginsDone   chan struct{}
}

// New opens the store, applies migrations and builds every component.
// Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{window: DefaultAggregationWindow}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	client := o.client
	if client == nil {
		client, err = api.NewClient(cfg, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create api client: %w", err)
		}
	}

	a := &Agent{
		cfg:        cfg,
		logger:     logger.Named("agent"),
		store:      st,
		client:     client,
		aggregates: aggregate.New(o.window),
		plugins:    plugin.NewRegistry(logger),
	}

	var sessionOpts []session.Option
	if o.deviceInfo != nil {
		sessionOpts = append(sessionOpts, session.WithDeviceInfo(o.deviceInfo))
	}
	a.sessions = session.NewTracker(cfg.Ingest().SessionTimeout, logger, sessionOpts...)

	pipelineOpts := []pipeline.Option{
		pipeline.WithSessions(a.sessions),
		pipeline.WithRecorder(a.aggregates),
	}
	if o.contexts != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithContextProvider(o.contexts))
	}
	a.pipeline = pipeline.New(cfg, cfg.Ingest(), st, logger, pipelineOpts...)

	a.engine = transmit.New(client, st, cfg.Transmit(), logger)
	a.maintenance = maintenance.New(st, cfg.Storage(), logger,
		maintenance.WithDailyOptimization(cfg.FeatureEnabled(config.FeatureAutoOptimization)))

	for _, p := range o.plugins {
		if err := a.plugins.Register(p); err != nil {
			a.release()
			return nil, err
		}
	}
	return a, nil
}

// Start launches the batch writer, transmission loop, maintenance loop and
// plugin fan-in, and opens the first session.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.stopped:
		return ErrStopped
	case a.started:
		return ErrAlreadyStarted
	}
	a.started = true

	loopCtx, cancelLoops := context.WithCancel(context.WithoutCancel(ctx))
	pluginCtx, cancelPlugins := context.WithCancel(loopCtx)
	a.cancelLoops, a.cancelPlugins = cancelLoops, cancelPlugins
	a.pluginsDone = make(chan struct{})

	s := a.sessions.Start()
	a.logger.Info("agent started",
		zap.String("session_id", string(s.ID)),
		zap.String("endpoint", a.cfg.EndpointURL()),
		zap.Int("plugins", len(a.plugins.Plugins())))

	g := new(errgroup.Group)
	g.Go(func() error { return a.pipeline.Run(loopCtx) })
	g.Go(func() error { return a.engine.Run(loopCtx) })
	g.Go(func() error { return a.maintenance.Run(loopCtx) })
	g.Go(func() error {
		defer close(a.pluginsDone)
		return a.plugins.Run(pluginCtx, a.pipeline)
	})
	a.group = g
	return nil
}

// Run starts the agent, blocks until ctx is cancelled and shuts down within
// shutdownTimeout.
func (a *Agent) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return a.Shutdown(sctx)
}

// Shutdown stops plugins, stops the loops (the batch writer drains the
// submission queue on its way out), makes one best-effort flush and closes
// the store. Events still PROCESSING are reset on the next start.
// It is safe to call more than once.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	started := a.started
	a.mu.Unlock()

	var errs []error
	if started {
		a.cancelPlugins()
		select {
		case <-a.pluginsDone:
		case <-ctx.Done():
			a.logger.Warn("plugins did not stop before shutdown deadline")
		}

		a.cancelLoops()
		if err := a.group.Wait(); err != nil {
			errs = append(errs, err)
		}

		res, err := a.engine.Flush(ctx)
		if err != nil {
			a.logger.Warn("final flush incomplete", zap.Error(err))
		} else {
			a.logger.Info("final flush complete",
				zap.Int("transmitted", res.Transmitted),
				zap.Int("retried", res.Retried),
				zap.Int("failed", res.Failed))
		}

		if s, ok := a.sessions.End(); ok {
			a.logger.Info("session ended", zap.String("session_id", string(s.ID)))
		}
	}

	errs = append(errs, a.release())
	a.logger.Info("agent stopped", zap.Any("pipeline", a.pipeline.Stats()))
	return errors.Join(errs...)
}

func (a *Agent) release() error {
	var errs []error
	if err := a.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close api client: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close event store: %w", err))
	}
	return errors.Join(errs...)
}

func (a *Agent) running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && !a.stopped
}

// Submit hands e to the ingestion pipeline without blocking.
func (a *Agent) Submit(e types.Event) error { return a.pipeline.Submit(e) }

// SubmitBatch hands every event to the ingestion pipeline.
func (a *Agent) SubmitBatch(events []types.Event) error { return a.pipeline.SubmitBatch(events) }

// EnableMonitoring resumes ingestion.
func (a *Agent) EnableMonitoring() { a.pipeline.SetEnabled(true) }

// DisableMonitoring discards submissions until EnableMonitoring.
func (a *Agent) DisableMonitoring() { a.pipeline.SetEnabled(false) }

func (a *Agent) MonitoringEnabled() bool { return a.pipeline.Enabled() }

// FlushEvents persists everything already submitted and transmits every
// PENDING event now.
func (a *Agent) FlushEvents(ctx context.Context) (transmit.FlushResult, error) {
	if a.running() {
		if err := a.pipeline.Sync(ctx); err != nil && !errors.Is(err, types.ErrQueueClosed) {
			return transmit.FlushResult{}, fmt.Errorf("failed to persist queued events: %w", err)
		}
	}
	return a.engine.Flush(ctx)
}

// PurgeOldData deletes events older than days.
func (a *Agent) PurgeOldData(ctx context.Context, days int) (int64, error) {
	return a.maintenance.PurgeOlderThanDays(ctx, days)
}

// DatabaseStats reports row counts by status and the store size.
func (a *Agent) DatabaseStats(ctx context.Context) (store.Stats, error) {
	return a.store.Stats(ctx)
}

// OptimizeDatabaseNow sweeps terminal rows and compacts the store.
func (a *Agent) OptimizeDatabaseNow(ctx context.Context) error {
	return a.maintenance.OptimizeNow(ctx)
}

// Aggregates returns the current window of performance statistics.
func (a *Agent) Aggregates() []aggregate.Stats { return a.aggregates.Snapshot() }

// PerformanceSummary reports stored performance events since ts (epoch ms).
func (a *Agent) PerformanceSummary(ctx context.Context, since int64) ([]store.PerformanceSummary, error) {
	return a.store.PerformanceSummary(ctx, since)
}

// PipelineStats returns the ingestion stage counters.
func (a *Agent) PipelineStats() pipeline.Stats { return a.pipeline.Stats() }

// Session returns the current session, if one is active.
func (a *Agent) Session() (session.Session, bool) { return a.sessions.Current() }
