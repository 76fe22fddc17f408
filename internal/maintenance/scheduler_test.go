package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/store"
	"github.com/gaugex/gaugex/internal/types"
)

const day = 24 * time.Hour

func newStore(t *testing.T) *store.EventStore {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "events.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertAt(t *testing.T, s *store.EventStore, status types.EventStatus, at ...time.Time) []types.EventID {
	t.Helper()
	ids := make([]types.EventID, len(at))
	batch := make([]types.StoredEvent, len(at))
	for i, ts := range at {
		se, err := types.NewStoredEvent(types.NewLogEvent(types.LevelInfo, "maintenance", "m", nil), status)
		require.NoError(t, err)
		se.Timestamp = ts.UnixMilli()
		batch[i] = se
		ids[i] = se.ID
	}
	require.NoError(t, s.InsertBatch(context.Background(), batch))
	return ids
}

func remaining(t *testing.T, s *store.EventStore, ids ...types.EventID) []types.EventID {
	t.Helper()
	var out []types.EventID
	for _, id := range ids {
		_, err := s.Get(context.Background(), id)
		if errors.Is(err, types.ErrEventNotFound) {
			continue
		}
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

func roomyConfig() config.StorageConfig {
	cfg := config.DefaultStorageConfig()
	cfg.MaxSizeBytes = 1 << 40
	return cfg
}

func TestTick_AgePurgeKeepsRecent(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	ids := insertAt(t, s, types.StatusPending, now.Add(-10*day), now.Add(-8*day), now.Add(-1*day))

	cfg := roomyConfig()
	cfg.MaxEventAge = 7 * day
	sched := New(s, cfg, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))

	res, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Aged: 2}, res)
	assert.Equal(t, ids[2:], remaining(t, s, ids...))
}

func TestTick_SizePressurePurgesToShortRetention(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	ids := insertAt(t, s, types.StatusPending, now.Add(-3*day), now.Add(-30*time.Hour), now.Add(-time.Hour))

	cfg := roomyConfig()
	cfg.MaxSizeBytes = 1
	sched := New(s, cfg, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))

	res, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Aged)
	assert.Equal(t, int64(2), res.Pressure)
	assert.Equal(t, ids[2:], remaining(t, s, ids...))
}

func TestTick_PressureClearsOnceRowsAreDeleted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()
	for b := 0; b < 10; b++ {
		batch := make([]types.StoredEvent, 200)
		for i := range batch {
			batch[i] = bulkyAt(t, now.Add(-2*day))
		}
		require.NoError(t, s.InsertBatch(ctx, batch))
	}

	size, err := s.SizeOnDisk(ctx)
	require.NoError(t, err)

	cfg := roomyConfig()
	cfg.MaxEventAge = 30 * day
	cfg.MaxSizeBytes = size
	sched := New(s, cfg, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))

	res, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), res.Pressure)

	// Inside the age limit but outside the pressure retention.
	kept := insertAt(t, s, types.StatusPending, now.Add(-30*time.Hour))

	res, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Pressure, "freed pages must not count toward the watermark")
	assert.Equal(t, kept, remaining(t, s, kept...))
}

// bulkyAt builds a row whose payload does not compress well.
func bulkyAt(t *testing.T, at time.Time) types.StoredEvent {
	t.Helper()
	var msg strings.Builder
	for msg.Len() < 512 {
		msg.WriteString(string(types.NewEventID()))
	}
	se, err := types.NewStoredEvent(types.NewLogEvent(types.LevelInfo, "bulk", msg.String(), nil), types.StatusPending)
	require.NoError(t, err)
	se.Timestamp = at.UnixMilli()
	return se
}

func TestTick_CountCapDeletesOldestRegardlessOfStatus(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	old := insertAt(t, s, types.StatusFailed, now.Add(-4*time.Hour))
	rest := insertAt(t, s, types.StatusPending, now.Add(-3*time.Hour), now.Add(-2*time.Hour), now.Add(-time.Hour))

	cfg := roomyConfig()
	cfg.MaxEventCount = 2
	sched := New(s, cfg, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))

	res, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Capped)
	assert.Empty(t, remaining(t, s, old...))
	assert.Equal(t, rest[1:], remaining(t, s, rest...))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOptimize_SweepsTerminalRowsAndCompacts(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	done := insertAt(t, s, types.StatusTransmitted, now, now)
	failed := insertAt(t, s, types.StatusFailed, now)
	live := insertAt(t, s, types.StatusPending, now)

	sched := New(s, roomyConfig(), zaptest.NewLogger(t))
	swept, err := sched.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), swept)
	assert.Empty(t, remaining(t, s, append(done, failed...)...))
	assert.Equal(t, live, remaining(t, s, live...))

	require.NoError(t, sched.OptimizeNow(context.Background()))
}

func TestPurgeOlderThanDays(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	ids := insertAt(t, s, types.StatusTransmitted, now.Add(-5*day), now.Add(-2*day))
	sched := New(s, roomyConfig(), zaptest.NewLogger(t), WithClock(func() time.Time { return now }))

	n, err := sched.PurgeOlderThanDays(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, ids[1:], remaining(t, s, ids...))

	_, err = sched.PurgeOlderThanDays(context.Background(), 0)
	assert.Error(t, err)
}

func TestNextCompaction(t *testing.T) {
	loc := time.FixedZone("test", 2*60*60)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before hour", time.Date(2026, 3, 10, 1, 30, 0, 0, loc), time.Date(2026, 3, 10, 3, 0, 0, 0, loc)},
		{"exactly at hour", time.Date(2026, 3, 10, 3, 0, 0, 0, loc), time.Date(2026, 3, 11, 3, 0, 0, 0, loc)},
		{"after hour", time.Date(2026, 3, 10, 22, 0, 0, 0, loc), time.Date(2026, 3, 11, 3, 0, 0, 0, loc)},
		{"month boundary", time.Date(2026, 3, 31, 4, 0, 0, 0, loc), time.Date(2026, 4, 1, 3, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextCompaction(tt.now, 3); !got.Equal(tt.want) {
				t.Errorf("NextCompaction() = %v, want %v", got, tt.want)
			}
		})
	}
}

// panicStore panics on every size check.
type panicStore struct{ *store.EventStore }

func (panicStore) SizeOnDisk(context.Context) (int64, error) { panic("disk on fire") }

func TestRun_TicksAndSurvivesPanics(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	ids := insertAt(t, s, types.StatusPending, now.Add(-30*day), now)

	cfg := roomyConfig()
	cfg.MaintenanceInterval = 10 * time.Millisecond
	sched := New(panicStore{s}, cfg, zaptest.NewLogger(t), WithDailyOptimization(false))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(remaining(t, s, ids...)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A later tick still runs after the first one panicked.
	late := insertAt(t, s, types.StatusPending, now.Add(-20*day))
	require.Eventually(t, func() bool {
		return len(remaining(t, s, late...)) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
}
