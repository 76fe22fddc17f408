// Package aggregate keeps in-memory duration statistics over tumbling windows.
package aggregate

import (
	"sort"
	"sync"
	"time"
)

// Stats summarizes one (category, name) series within a window.
type Stats struct {
	Category    string    `json:"category"`
	Name        string    `json:"name"`
	Count       int64     `json:"count"`
	SumMs       int64     `json:"sum_ms"`
	MinMs       int64     `json:"min_ms"`
	MaxMs       int64     `json:"max_ms"`
	MeanMs      float64   `json:"mean_ms"`
	WindowStart time.Time `json:"window_start"`
}

type key struct{ category, name string }

// Aggregator groups recorded durations by (category, name). When a window
// elapses, its statistics become the previous window and a fresh one starts.
type Aggregator struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	start    time.Time
	current  map[key]*Stats
	previous []Stats
}

// DefaultWindow replaces a non-positive window length.
const DefaultWindow = time.Minute

// New returns an aggregator with the given window length.
func New(window time.Duration) *Aggregator {
	return NewWithClock(window, time.Now)
}

// NewWithClock is New with an explicit clock.
func NewWithClock(window time.Duration, now func() time.Time) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		window:  window,
		now:     now,
		start:   now(),
		current: make(map[key]*Stats),
	}
}

// Record adds one duration sample.
func (a *Aggregator) Record(category, name string, durationMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollLocked()

	k := key{category, name}
	s, ok := a.current[k]
	if !ok {
		s = &Stats{Category: category, Name: name, MinMs: durationMs, MaxMs: durationMs, WindowStart: a.start}
		a.current[k] = s
	}
	s.Count++
	s.SumMs += durationMs
	s.MinMs = min(s.MinMs, durationMs)
	s.MaxMs = max(s.MaxMs, durationMs)
	s.MeanMs = float64(s.SumMs) / float64(s.Count)
}

// Snapshot returns the statistics of the current window, sorted by category
// then name.
func (a *Aggregator) Snapshot() []Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollLocked()
	return sorted(a.current)
}

// Previous returns the statistics of the last completed window.
func (a *Aggregator) Previous() []Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollLocked()
	return append([]Stats(nil), a.previous...)
}

func (a *Aggregator) rollLocked() {
	now := a.now()
	if now.Sub(a.start) < a.window {
		return
	}
	// An idle gap longer than one window leaves nothing to carry over.
	if now.Sub(a.start) >= 2*a.window {
		a.previous = nil
	} else {
		a.previous = sorted(a.current)
	}
	elapsed := now.Sub(a.start) / a.window
	a.start = a.start.Add(elapsed * a.window)
	a.current = make(map[key]*Stats)
}

func sorted(m map[key]*Stats) []Stats {
	out := make([]Stats, 0, len(m))
	for _, s := range m {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}
