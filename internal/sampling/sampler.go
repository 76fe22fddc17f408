// Package sampling decides which events are kept and how urgently they ship.
package sampling

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/types"
)

/*
 * Sampling decision.
 *
 * The base rate comes from the config provider for the event type.
 * Performance events are then adjusted multiplicatively:
 *   - duration > 1000ms: x2.0 (slow operations are what users notice)
 *   - duration < 10ms:   x0.5
 *   - category network:  x1.5
 *   - category memory:   x0.8
 * and the result is clamped to [0,1].
 *
 * Rate 0.0 never keeps (no RNG call), 1.0 always keeps (no RNG call),
 * intermediate values draw once from the random source. The default source
 * is crypto/rand; an RNG error draws 1.0, which keeps nothing.
 */

// Sampler is safe for concurrent use when its random source is.
type Sampler struct {
	cfg  config.Provider
	rand func() float64
}

// Option customizes a Sampler.
type Option func(*Sampler)

// WithRand replaces the random source. fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(s *Sampler) { s.rand = fn }
}

// New returns a sampler reading rates from cfg.
func New(cfg config.Provider, opts ...Option) *Sampler {
	s := &Sampler{cfg: cfg, rand: cryptoFloat}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BaseRate returns the configured rate for t without event adjustments.
func (s *Sampler) BaseRate(t types.EventType) float64 {
	return clamp(s.cfg.SamplingRate(t))
}

// Rate returns the effective retention probability for e.
func (s *Sampler) Rate(e types.Event) float64 {
	rate := s.cfg.SamplingRate(e.Type())
	if p, ok := types.Value(e).(types.PerformanceEvent); ok {
		switch {
		case p.DurationMs > 1000:
			rate *= 2.0
		case p.DurationMs < 10:
			rate *= 0.5
		}
		switch p.MetricCategory {
		case "network":
			rate *= 1.5
		case "memory":
			rate *= 0.8
		}
	}
	return clamp(rate)
}

// ShouldSample reports whether e is kept.
func (s *Sampler) ShouldSample(e types.Event) bool {
	rate := s.Rate(e)
	switch {
	case rate <= 0:
		return false
	case rate >= 1:
		return true
	}
	return s.rand() < rate
}

// Priority ranks e for transmission on a 0-100 scale.
func Priority(e types.Event) int {
	switch v := types.Value(e).(type) {
	case types.PerformanceEvent:
		switch {
		case v.DurationMs > 5000:
			return 90
		case v.DurationMs > 1000:
			return 70
		case v.DurationMs > 100:
			return 50
		default:
			return 30
		}
	case types.NetworkEvent:
		switch {
		case v.HasError():
			return 80
		case v.StatusCode >= 500:
			return 70
		case v.StatusCode >= 400:
			return 60
		default:
			return 50
		}
	default:
		return 50
	}
}

func clamp(r float64) float64 {
	switch {
	case r < 0 || r != r:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// cryptoFloat returns a uniform value in [0,1) from crypto/rand.
func cryptoFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1.0
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}
