package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_RecordAndSnapshot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := NewWithClock(time.Minute, func() time.Time { return now })

	a.Record("screen", "checkout", 100)
	a.Record("screen", "checkout", 300)
	a.Record("db", "query", 7)

	snap := a.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "db", snap[0].Category)
	assert.Equal(t, int64(1), snap[0].Count)

	checkout := snap[1]
	assert.Equal(t, int64(2), checkout.Count)
	assert.Equal(t, int64(400), checkout.SumMs)
	assert.Equal(t, int64(100), checkout.MinMs)
	assert.Equal(t, int64(300), checkout.MaxMs)
	assert.InDelta(t, 200.0, checkout.MeanMs, 1e-9)
}

func TestAggregator_WindowRollover(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := NewWithClock(time.Minute, func() time.Time { return now })

	a.Record("screen", "home", 50)
	now = now.Add(90 * time.Second)

	assert.Empty(t, a.Snapshot())
	prev := a.Previous()
	require.Len(t, prev, 1)
	assert.Equal(t, "home", prev[0].Name)

	a.Record("screen", "home", 70)
	snap := a.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, time.Unix(1_700_000_060, 0), snap[0].WindowStart)

	now = now.Add(10 * time.Minute)
	assert.Empty(t, a.Previous())
}

func TestAggregator_NonPositiveWindowUsesDefault(t *testing.T) {
	for _, window := range []time.Duration{0, -time.Second} {
		now := time.Unix(1_700_000_000, 0)
		a := NewWithClock(window, func() time.Time { return now })

		a.Record("screen", "home", 50)
		now = now.Add(30 * time.Second)
		require.NotPanics(t, func() { a.Record("screen", "home", 70) })
		assert.Len(t, a.Snapshot(), 1, "window %v", window)

		now = now.Add(DefaultWindow)
		assert.Empty(t, a.Snapshot())
		assert.Len(t, a.Previous(), 1)
	}
}
