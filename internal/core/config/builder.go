package config

import (
	"fmt"
	"net/url"

	"github.com/gaugex/gaugex/internal/types"
)

// Builder assembles a Config. The zero value is not usable; call NewBuilder.
type Builder struct {
	cfg Config
}

// NewBuilder returns a builder seeded with defaults: every event type sampled
// at 1.0 and every feature except payload signing enabled.
func NewBuilder() *Builder {
	b := &Builder{cfg: Config{
		endpointURL:   "https://ingest.gaugex.io/v1",
		databaseURL:   "sqlite://gaugex.db",
		samplingRates: make(map[types.EventType]float64, len(types.AllEventTypes)),
		features:      make(map[Feature]bool, len(AllFeatures)),
		storage:       DefaultStorageConfig(),
		ingest:        DefaultIngestConfig(),
		transmit:      DefaultTransmitConfig(),
	}}
	for _, t := range types.AllEventTypes {
		b.cfg.samplingRates[t] = 1.0
	}
	for _, f := range AllFeatures {
		b.cfg.features[f] = f != FeaturePayloadSigning
	}
	return b
}

func (b *Builder) APIKey(key string) *Builder {
	b.cfg.apiKey = key
	return b
}

func (b *Builder) SigningSecret(secret []byte) *Builder {
	b.cfg.signingSecret = append([]byte(nil), secret...)
	return b
}

func (b *Builder) EndpointURL(u string) *Builder {
	b.cfg.endpointURL = u
	return b
}

func (b *Builder) DatabaseURL(u string) *Builder {
	b.cfg.databaseURL = u
	return b
}

func (b *Builder) SamplingRate(t types.EventType, rate float64) *Builder {
	b.cfg.samplingRates[t] = rate
	return b
}

func (b *Builder) Feature(f Feature, enabled bool) *Builder {
	b.cfg.features[f] = enabled
	return b
}

func (b *Builder) Storage(s StorageConfig) *Builder {
	b.cfg.storage = s
	return b
}

func (b *Builder) Ingest(i IngestConfig) *Builder {
	b.cfg.ingest = i
	return b
}

func (b *Builder) Transmit(t TransmitConfig) *Builder {
	b.cfg.transmit = t
	return b
}

// Build validates the accumulated settings and returns an independent Config.
// The builder may be reused; later mutations do not affect returned configs.
func (b *Builder) Build() (*Config, error) {
	cfg := b.cfg
	cfg.samplingRates = make(map[types.EventType]float64, len(b.cfg.samplingRates))
	for k, v := range b.cfg.samplingRates {
		cfg.samplingRates[k] = v
	}
	cfg.features = make(map[Feature]bool, len(b.cfg.features))
	for k, v := range b.cfg.features {
		cfg.features[k] = v
	}
	cfg.signingSecret = b.cfg.SigningSecret()

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateConfig checks rate ranges, URL schemes and positive sizes/intervals.
func validateConfig(cfg *Config) error {
	for t, r := range cfg.samplingRates {
		if !t.Valid() {
			return fmt.Errorf("sampling rate for unknown event type %q", t)
		}
		if r < 0 || r > 1 {
			return fmt.Errorf("sampling rate for %s must be between 0 and 1, got %v", t, r)
		}
	}
	for f := range cfg.features {
		if !knownFeature(f) {
			return fmt.Errorf("unknown feature %q", f)
		}
	}

	u, err := url.Parse(cfg.endpointURL)
	if err != nil {
		return fmt.Errorf("invalid endpoint_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "grpc", "grpcs":
	default:
		return fmt.Errorf("endpoint_url scheme must be http, https, grpc or grpcs, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint_url must include a host, got %q", cfg.endpointURL)
	}
	if cfg.databaseURL == "" {
		return fmt.Errorf("database_url required")
	}
	if cfg.features[FeaturePayloadSigning] && len(cfg.signingSecret) == 0 {
		return fmt.Errorf("payload_signing enabled but no signing secret configured (set GX_SIGNING_SECRET)")
	}

	s := cfg.storage
	if s.MaxSizeBytes <= 0 {
		return fmt.Errorf("max_size_bytes must be positive, got %d", s.MaxSizeBytes)
	}
	if s.MaxEventAge <= 0 {
		return fmt.Errorf("max_event_age must be positive, got %v", s.MaxEventAge)
	}
	if s.MaxEventCount <= 0 {
		return fmt.Errorf("max_event_count must be positive, got %d", s.MaxEventCount)
	}
	if s.PressureRatio <= 0 || s.PressureRatio > 1 {
		return fmt.Errorf("pressure_ratio must be in (0,1], got %v", s.PressureRatio)
	}
	if s.PressureRetention <= 0 {
		return fmt.Errorf("pressure_retention must be positive, got %v", s.PressureRetention)
	}
	if s.CompactionHour < 0 || s.CompactionHour > 23 {
		return fmt.Errorf("compaction_hour must be between 0 and 23, got %d", s.CompactionHour)
	}
	if s.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance_interval must be positive, got %v", s.MaintenanceInterval)
	}

	i := cfg.ingest
	if i.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", i.QueueCapacity)
	}
	if i.WriteBatchSize <= 0 {
		return fmt.Errorf("write_batch_size must be positive, got %d", i.WriteBatchSize)
	}
	if i.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %v", i.FlushInterval)
	}
	if i.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive, got %v", i.SessionTimeout)
	}

	t := cfg.transmit
	if t.Interval <= 0 {
		return fmt.Errorf("transmit interval must be positive, got %v", t.Interval)
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", t.BatchSize)
	}
	if t.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", t.MaxRetries)
	}
	if t.RestartCooldown <= 0 {
		return fmt.Errorf("restart_cooldown must be positive, got %v", t.RestartCooldown)
	}
	if t.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative, got %v", t.RateLimit)
	}
	if t.ConnectTimeout <= 0 || t.ReadTimeout <= 0 || t.SendTimeout <= 0 {
		return fmt.Errorf("connect, read and send timeouts must be positive")
	}
	return nil
}

func knownFeature(f Feature) bool {
	for _, k := range AllFeatures {
		if k == f {
			return true
		}
	}
	return false
}
