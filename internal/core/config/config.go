// Package config provides the immutable runtime configuration for GaugeX.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gaugex/gaugex/internal/types"
)

// Feature names a toggle that enables a family of producers and their events.
type Feature string

const (
	FeatureCrashReporting   Feature = "crash_reporting"
	FeaturePerformance      Feature = "performance_monitoring"
	FeatureNetwork          Feature = "network_monitoring"
	FeatureUserTracking     Feature = "user_tracking"
	FeatureLogCapture       Feature = "log_capture"
	FeaturePayloadSigning   Feature = "payload_signing"
	FeatureAutoOptimization Feature = "auto_optimization"
)

// AllFeatures lists every known feature toggle.
var AllFeatures = []Feature{
	FeatureCrashReporting,
	FeaturePerformance,
	FeatureNetwork,
	FeatureUserTracking,
	FeatureLogCapture,
	FeaturePayloadSigning,
	FeatureAutoOptimization,
}

// FeatureFor returns the toggle gating events of type t.
func FeatureFor(t types.EventType) Feature {
	switch t {
	case types.TypeCrash:
		return FeatureCrashReporting
	case types.TypePerformance:
		return FeaturePerformance
	case types.TypeNetwork:
		return FeatureNetwork
	case types.TypeUserAction:
		return FeatureUserTracking
	default:
		return FeatureLogCapture
	}
}

// Provider is the read-only view of configuration consumed by the sampler
// and the ingestion pipeline.
type Provider interface {
	SamplingRate(t types.EventType) float64
	FeatureEnabled(f Feature) bool
}

// Config holds the complete runtime configuration. It is built once by
// Builder (or LoadConfig) and never mutated afterwards; every accessor
// returns a copy or a scalar.
type Config struct {
	apiKey        string
	signingSecret []byte
	endpointURL   string
	databaseURL   string

	samplingRates map[types.EventType]float64
	features      map[Feature]bool

	storage  StorageConfig
	ingest   IngestConfig
	transmit TransmitConfig
}

// StorageConfig bounds on-device storage.
type StorageConfig struct {
	MaxSizeBytes        int64
	MaxEventAge         time.Duration
	MaxEventCount       int
	PressureRatio       float64
	PressureRetention   time.Duration
	CompactionHour      int
	MaintenanceInterval time.Duration
}

// IngestConfig sizes the submission queue and batch writer.
type IngestConfig struct {
	QueueCapacity  int
	WriteBatchSize int
	FlushInterval  time.Duration
	SessionTimeout time.Duration
}

// TransmitConfig controls delivery cadence, batching, retries and timeouts.
type TransmitConfig struct {
	Interval        time.Duration
	BatchSize       int
	MaxRetries      int
	RestartCooldown time.Duration
	RateLimit       float64
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	SendTimeout     time.Duration
}

// DefaultStorageConfig returns storage limits with default values.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		MaxSizeBytes:        50 * 1024 * 1024,
		MaxEventAge:         7 * 24 * time.Hour,
		MaxEventCount:       10000,
		PressureRatio:       0.9,
		PressureRetention:   24 * time.Hour,
		CompactionHour:      3,
		MaintenanceInterval: 15 * time.Minute,
	}
}

// DefaultIngestConfig returns ingestion settings with default values.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		QueueCapacity:  2048,
		WriteBatchSize: 100,
		FlushInterval:  time.Second,
		SessionTimeout: 30 * time.Minute,
	}
}

// DefaultTransmitConfig returns transmission settings with default values.
func DefaultTransmitConfig() TransmitConfig {
	return TransmitConfig{
		Interval:        15 * time.Minute,
		BatchSize:       50,
		MaxRetries:      5,
		RestartCooldown: time.Minute,
		RateLimit:       2,
		ConnectTimeout:  15 * time.Second,
		ReadTimeout:     30 * time.Second,
		SendTimeout:     45 * time.Second,
	}
}

// APIKey returns the backend API key.
func (c *Config) APIKey() string { return c.apiKey }

// SigningSecret returns a copy of the payload signing secret, nil when unset.
func (c *Config) SigningSecret() []byte {
	if c.signingSecret == nil {
		return nil
	}
	return append([]byte(nil), c.signingSecret...)
}

// EndpointURL returns the backend base URL (http(s):// or grpc(s)://).
func (c *Config) EndpointURL() string { return c.endpointURL }

// DatabaseURL returns the local store URL (sqlite:// or postgres://).
func (c *Config) DatabaseURL() string { return c.databaseURL }

// SamplingRate returns the retention probability for events of type t.
// Unknown types sample at 1.0.
func (c *Config) SamplingRate(t types.EventType) float64 {
	if r, ok := c.samplingRates[t]; ok {
		return r
	}
	return 1.0
}

// FeatureEnabled reports whether feature f is on. Unknown features are off.
func (c *Config) FeatureEnabled(f Feature) bool {
	return c.features[f]
}

// Storage returns the storage limits.
func (c *Config) Storage() StorageConfig { return c.storage }

// Ingest returns the ingestion settings.
func (c *Config) Ingest() IngestConfig { return c.ingest }

// Transmit returns the transmission settings.
func (c *Config) Transmit() TransmitConfig { return c.transmit }

// ParseSigningSecret decodes a base64-encoded payload signing secret.
func ParseSigningSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// SecretsFromEnv reads the API key and the optional signing secret.
// Secrets are environment-only: GX_API_KEY and GX_SIGNING_SECRET.
func SecretsFromEnv() (apiKey string, signingSecret []byte, err error) {
	apiKey = strings.TrimSpace(os.Getenv("GX_API_KEY"))
	if val := os.Getenv("GX_SIGNING_SECRET"); val != "" {
		signingSecret, err = ParseSigningSecret(val)
		if err != nil {
			return "", nil, fmt.Errorf("GX_SIGNING_SECRET: %w", err)
		}
	}
	return apiKey, signingSecret, nil
}
