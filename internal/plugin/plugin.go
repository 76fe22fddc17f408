// Package plugin defines the producer capability and the registry that fans
// producer events into the ingestion pipeline.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gaugex/gaugex/internal/types"
)

// Plugin is an event producer such as a crash handler or a network interceptor.
// Events must return the same channel on every call; the plugin closes it
// after Stop.
type Plugin interface {
	ID() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Events() <-chan types.Event
}

// Sink receives fanned-in events.
type Sink interface {
	Submit(e types.Event) error
}

// stopTimeout bounds each plugin's Stop during shutdown.
const stopTimeout = 5 * time.Second

// Registry owns the registered plugins. Registration is closed once Run starts.
type Registry struct {
	logger *zap.Logger

	mu      sync.Mutex
	plugins []Plugin
	ids     map[string]struct{}
	running bool
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger.Named("plugin"), ids: make(map[string]struct{})}
}

// Register adds p. Ids must be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("cannot register plugin %s: registry already running", p.ID())
	}
	if _, dup := r.ids[p.ID()]; dup {
		return fmt.Errorf("plugin %s already registered", p.ID())
	}
	r.ids[p.ID()] = struct{}{}
	r.plugins = append(r.plugins, p)
	return nil
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Plugin(nil), r.plugins...)
}

// Run initializes and starts every plugin, then forwards their events to sink
// until ctx is cancelled or every channel closes. A plugin that fails to
// initialize or start is logged and left out. Started plugins are stopped
// before Run returns.
func (r *Registry) Run(ctx context.Context, sink Sink) error {
	r.mu.Lock()
	r.running = true
	plugins := append([]Plugin(nil), r.plugins...)
	r.mu.Unlock()

	var started []Plugin
	for _, p := range plugins {
		if err := p.Initialize(ctx); err != nil {
			r.logger.Error("plugin initialization failed", zap.String("plugin", p.ID()), zap.Error(err))
			continue
		}
		if err := p.Start(ctx); err != nil {
			r.logger.Error("plugin start failed", zap.String("plugin", p.ID()), zap.Error(err))
			continue
		}
		started = append(started, p)
		r.logger.Info("plugin started", zap.String("plugin", p.ID()))
	}
	defer r.stopAll(started)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range started {
		g.Go(func() error {
			r.forward(gctx, p, sink)
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) forward(ctx context.Context, p Plugin, sink Sink) {
	events := p.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := sink.Submit(e); err != nil {
				r.logger.Warn("dropping plugin event",
					zap.String("plugin", p.ID()),
					zap.String("event_id", string(e.ID())),
					zap.Error(err))
			}
		}
	}
}

func (r *Registry) stopAll(started []Plugin) {
	for i := len(started) - 1; i >= 0; i-- {
		p := started[i]
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := p.Stop(ctx); err != nil {
			r.logger.Warn("plugin stop failed", zap.String("plugin", p.ID()), zap.Error(err))
		}
		cancel()
	}
}
