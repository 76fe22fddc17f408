package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gaugex/gaugex/internal/aggregate"
	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/session"
	"github.com/gaugex/gaugex/internal/store"
	"github.com/gaugex/gaugex/internal/types"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]types.StoredEvent
	err     error
}

func (w *fakeWriter) InsertBatch(ctx context.Context, events []types.StoredEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]types.StoredEvent(nil), events...))
	return nil
}

func (w *fakeWriter) rows() []types.StoredEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []types.StoredEvent
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func testConfig(t *testing.T, b *config.Builder) *config.Config {
	t.Helper()
	cfg, err := b.Build()
	require.NoError(t, err)
	return cfg
}

func smallIngest() config.IngestConfig {
	ic := config.DefaultIngestConfig()
	ic.QueueCapacity = 16
	ic.WriteBatchSize = 4
	ic.FlushInterval = 20 * time.Millisecond
	return ic
}

// startPipeline runs p until the test ends.
func startPipeline(t *testing.T, p *Pipeline) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-p.Done()
	})
	return cancel
}

func TestSubmit_PersistsPendingWithPriority(t *testing.T) {
	w := &fakeWriter{}
	p := New(testConfig(t, config.NewBuilder()), smallIngest(), w, zaptest.NewLogger(t))
	startPipeline(t, p)

	require.NoError(t, p.Submit(types.NewPerformanceEvent("screen", "checkout", 6000, nil)))
	require.NoError(t, p.Sync(context.Background()))

	rows := w.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, types.StatusPending, rows[0].Status)
	assert.Equal(t, 90, rows[0].Priority)
	assert.Equal(t, int64(1), p.Stats().Persisted)
}

func TestSubmit_ZeroRateAndDisabledFeatureSampledOut(t *testing.T) {
	w := &fakeWriter{}
	cfg := testConfig(t, config.NewBuilder().
		SamplingRate(types.TypeLog, 0).
		Feature(config.FeatureUserTracking, false))
	p := New(cfg, smallIngest(), w, zaptest.NewLogger(t))
	startPipeline(t, p)

	require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "m", nil)))
	require.NoError(t, p.Submit(types.NewUserActionEvent("tap", "", "", nil)))
	require.NoError(t, p.Submit(types.NewCrashEvent("E", "m", "", "", true, nil)))
	require.NoError(t, p.Sync(context.Background()))

	rows := w.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, types.TypeCrash, rows[0].Type)
	assert.Equal(t, int64(2), p.Stats().SampledOut)
}

func TestSubmit_EnrichmentAndSession(t *testing.T) {
	w := &fakeWriter{}
	tracker := session.NewTracker(30*time.Minute, zaptest.NewLogger(t))
	provider := ContextProviderFunc(func(e types.Event) (map[string]any, error) {
		return map[string]any{"battery": 0.5, "network": "wifi"}, nil
	})
	p := New(testConfig(t, config.NewBuilder()), smallIngest(), w, zaptest.NewLogger(t),
		WithSessions(tracker), WithContextProvider(provider))
	startPipeline(t, p)

	require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "m", types.Metadata{"k": "v"})))
	require.NoError(t, p.Sync(context.Background()))

	rows := w.rows()
	require.Len(t, rows, 1)
	row := rows[0]

	cur, ok := tracker.Current()
	require.True(t, ok)
	assert.Equal(t, string(cur.ID), row.SessionID.String)

	require.True(t, row.DeviceStateJSON.Valid)
	var state map[string]any
	require.NoError(t, json.Unmarshal([]byte(row.DeviceStateJSON.String), &state))
	assert.Equal(t, "wifi", state["network"])

	ev, err := row.Event()
	require.NoError(t, err)
	md := ev.Metadata()
	assert.Equal(t, "v", md["k"])
	assert.Equal(t, 0.5, md["context.battery"])
	assert.Equal(t, "wifi", md["context.network"])
}

func TestSubmit_ContextProviderFailuresDegrade(t *testing.T) {
	w := &fakeWriter{}
	calls := 0
	provider := ContextProviderFunc(func(e types.Event) (map[string]any, error) {
		calls++
		if calls == 1 {
			panic("sensor unavailable")
		}
		return map[string]any{"memory": 128.0}, errors.New("battery probe failed")
	})
	p := New(testConfig(t, config.NewBuilder()), smallIngest(), w, zaptest.NewLogger(t), WithContextProvider(provider))
	startPipeline(t, p)

	require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "first", nil)))
	require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "second", nil)))
	require.NoError(t, p.Sync(context.Background()))

	rows := w.rows()
	require.Len(t, rows, 2)
	assert.False(t, rows[0].DeviceStateJSON.Valid, "panicking provider yields no context")
	assert.True(t, rows[1].DeviceStateJSON.Valid, "partial context is kept")
}

func TestSubmit_NormalizesStoredNamesOnly(t *testing.T) {
	w := &fakeWriter{}
	agg := aggregate.New(time.Minute)
	p := New(testConfig(t, config.NewBuilder()), smallIngest(), w, zaptest.NewLogger(t), WithRecorder(agg))
	startPipeline(t, p)

	require.NoError(t, p.Submit(types.NewPerformanceEvent("screen", "product:123", 40, nil)))
	require.NoError(t, p.Submit(types.NewNetworkEvent("GET", "https://api.example.com/orders/42", 200, 10, 5, "", nil)))
	require.NoError(t, p.Submit(types.NewNetworkEvent("GET", "http://10.0.2.2:8080", 200, 10, 5, "", nil)))
	require.NoError(t, p.Sync(context.Background()))

	rows := w.rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "product", rows[0].Name)
	assert.Equal(t, "GET https://api.example.com/orders", rows[1].Name)
	assert.Equal(t, "GET http://10.0.2.2:8080", rows[2].Name)

	wantPayload := []string{"product:123", "GET https://api.example.com/orders/42", "GET http://10.0.2.2:8080"}
	for i, row := range rows {
		e, err := row.Event()
		require.NoError(t, err)
		assert.Equal(t, wantPayload[i], e.Name(), "payload of row %d is untouched", i)
	}
	e, err := rows[2].Event()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.2.2:8080", e.(types.NetworkEvent).URL)

	snap := agg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "product", snap[0].Name)
	assert.Equal(t, int64(1), snap[0].Count)
}

func TestSubmit_PointerEvents(t *testing.T) {
	w := &fakeWriter{}
	agg := aggregate.New(time.Minute)
	p := New(testConfig(t, config.NewBuilder()), smallIngest(), w, zaptest.NewLogger(t), WithRecorder(agg))
	startPipeline(t, p)

	perf := types.NewPerformanceEvent("screen", "checkout", 6000, nil)
	netw := types.NewNetworkEvent("POST", "/pay", 0, 30, 0, "timeout", nil)
	require.NoError(t, p.Submit(&perf))
	require.NoError(t, p.Submit(&netw))

	var nilEvent *types.LogEvent
	require.Error(t, p.Submit(nilEvent))
	require.NoError(t, p.Sync(context.Background()))

	rows := w.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 90, rows[0].Priority)
	assert.Equal(t, 80, rows[1].Priority)

	snap := agg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "checkout", snap[0].Name)
}

func TestSubmit_QueueOverflowDropsOldest(t *testing.T) {
	w := &fakeWriter{}
	ic := smallIngest()
	ic.QueueCapacity = 2
	p := New(testConfig(t, config.NewBuilder()), ic, w, zaptest.NewLogger(t))

	first := types.NewLogEvent(types.LevelInfo, "t", "1", nil)
	second := types.NewLogEvent(types.LevelInfo, "t", "2", nil)
	third := types.NewLogEvent(types.LevelInfo, "t", "3", nil)
	require.NoError(t, p.SubmitBatch([]types.Event{first, second, third}))
	assert.Equal(t, int64(1), p.Stats().Dropped)
	assert.Equal(t, 2, p.Stats().Queued)

	startPipeline(t, p)
	require.NoError(t, p.Sync(context.Background()))

	rows := w.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, second.ID(), rows[0].ID)
	assert.Equal(t, third.ID(), rows[1].ID)
}

func TestSubmit_StorageFailureDropsBatch(t *testing.T) {
	w := &fakeWriter{err: errors.New("disk full")}
	p := New(testConfig(t, config.NewBuilder()), smallIngest(), w, zaptest.NewLogger(t))
	startPipeline(t, p)

	require.NoError(t, p.SubmitBatch([]types.Event{
		types.NewLogEvent(types.LevelInfo, "t", "1", nil),
		types.NewLogEvent(types.LevelInfo, "t", "2", nil),
	}))
	require.NoError(t, p.Sync(context.Background()))

	st := p.Stats()
	assert.Equal(t, int64(2), st.Dropped)
	assert.Equal(t, int64(0), st.Persisted)
}

func TestRun_BatchesBySize(t *testing.T) {
	w := &fakeWriter{}
	ic := smallIngest()
	ic.FlushInterval = time.Hour
	p := New(testConfig(t, config.NewBuilder()), ic, w, zaptest.NewLogger(t))
	startPipeline(t, p)

	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "m", nil)))
	}
	require.Eventually(t, func() bool { return len(w.rows()) == 8 }, 2*time.Second, 5*time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range w.batches {
		assert.LessOrEqual(t, len(b), ic.WriteBatchSize)
	}
}

func TestRun_FlushesOnInterval(t *testing.T) {
	w := &fakeWriter{}
	p := New(testConfig(t, config.NewBuilder()), smallIngest(), w, zaptest.NewLogger(t))
	startPipeline(t, p)

	require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "m", nil)))
	require.Eventually(t, func() bool { return len(w.rows()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRun_ShutdownDrainsQueue(t *testing.T) {
	w := &fakeWriter{}
	ic := smallIngest()
	ic.FlushInterval = time.Hour
	p := New(testConfig(t, config.NewBuilder()), ic, w, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "m", nil)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	assert.Len(t, w.rows(), 3)
	assert.ErrorIs(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "late", nil)), types.ErrQueueClosed)
	assert.ErrorIs(t, p.Sync(context.Background()), types.ErrQueueClosed)
}

func TestSetEnabled(t *testing.T) {
	w := &fakeWriter{}
	p := New(testConfig(t, config.NewBuilder()), smallIngest(), w, zaptest.NewLogger(t))
	startPipeline(t, p)

	p.SetEnabled(false)
	assert.False(t, p.Enabled())
	require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "off", nil)))
	p.SetEnabled(true)
	require.NoError(t, p.Submit(types.NewLogEvent(types.LevelInfo, "t", "on", nil)))
	require.NoError(t, p.Sync(context.Background()))

	assert.Len(t, w.rows(), 1)
}

func TestPipeline_WritesToStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "events.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := New(testConfig(t, config.NewBuilder()), smallIngest(), s, zaptest.NewLogger(t))
	startPipeline(t, p)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(types.NewNetworkEvent("GET", "/items/7", 200, 12, 64, "", nil)))
	}
	require.NoError(t, p.Sync(ctx))

	n, err := s.CountByStatus(ctx, types.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"checkout:123":   "checkout",
		"users/42":       "users",
		"users/42/posts": "users/42/posts",
		"frame":          "frame",
		"order:12/3":     "order",
		"/42":            "/42",
		"v2":             "v2",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"https://api.example.com/users/42":       "https://api.example.com/users",
		"https://api.example.com/users/42/7":     "https://api.example.com/users",
		"http://10.0.2.2:8080":                   "http://10.0.2.2:8080",
		"http://10.0.2.2:8080/items/5?full=1":    "http://10.0.2.2:8080/items?full=1",
		"https://api.example.com/users/42/posts": "https://api.example.com/users/42/posts",
		"/items/7":                               "/items",
		"/42":                                    "/42",
	}
	for in, want := range tests {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}
