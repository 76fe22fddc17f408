package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gaugex/gaugex/internal/types"
)

type fakePlugin struct {
	id      string
	initErr error
	ch      chan types.Event

	mu      sync.Mutex
	stopped bool
}

func newFakePlugin(id string) *fakePlugin {
	return &fakePlugin{id: id, ch: make(chan types.Event, 8)}
}

func (p *fakePlugin) ID() string                           { return p.id }
func (p *fakePlugin) Initialize(ctx context.Context) error { return p.initErr }
func (p *fakePlugin) Start(ctx context.Context) error      { return nil }
func (p *fakePlugin) Events() <-chan types.Event           { return p.ch }

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *fakePlugin) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *recordingSink) Submit(e types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register(newFakePlugin("crash")))
	assert.Error(t, r.Register(newFakePlugin("crash")))
	assert.Len(t, r.Plugins(), 1)
}

func TestRegistry_RunFansInAndStops(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	a, b := newFakePlugin("network"), newFakePlugin("logs")
	broken := newFakePlugin("broken")
	broken.initErr = errors.New("no permission")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(broken))

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sink) }()

	a.ch <- types.NewNetworkEvent("GET", "/", 200, 1, 0, "", nil)
	b.ch <- types.NewLogEvent(types.LevelInfo, "t", "m", nil)
	b.ch <- types.NewLogEvent(types.LevelInfo, "t", "m2", nil)

	require.Eventually(t, func() bool { return sink.len() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, a.wasStopped())
	assert.True(t, b.wasStopped())
	assert.False(t, broken.wasStopped(), "uninitialized plugin must not be stopped")
	assert.Error(t, r.Register(newFakePlugin("late")))
}
