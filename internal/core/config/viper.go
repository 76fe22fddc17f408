package config

import (
	"fmt"
	"strings"

	"github.com/gaugex/gaugex/internal/types"
	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// Environment > config file > defaults precedence. Secrets come from the
// environment only (see SecretsFromEnv).
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWithOverrides(configPath, nil)
}

// LoadConfigWithOverrides is LoadConfig with explicit key overrides (for
// example CLI flags) that take precedence over every other source.
func LoadConfigWithOverrides(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Bind environment variables with GX_ prefix
	v.SetEnvPrefix("GX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}
	for k, val := range overrides {
		v.Set(k, val)
	}

	apiKey, secret, err := SecretsFromEnv()
	if err != nil {
		return nil, err
	}

	b := NewBuilder().
		APIKey(apiKey).
		EndpointURL(v.GetString("endpoint_url")).
		DatabaseURL(v.GetString("database_url"))
	if secret != nil {
		b.SigningSecret(secret)
	}

	for _, t := range types.AllEventTypes {
		b.SamplingRate(t, v.GetFloat64("sampling."+string(t)))
	}
	for _, f := range AllFeatures {
		b.Feature(f, v.GetBool("features."+string(f)))
	}

	b.Storage(StorageConfig{
		MaxSizeBytes:        v.GetInt64("storage.max_size_bytes"),
		MaxEventAge:         v.GetDuration("storage.max_event_age"),
		MaxEventCount:       v.GetInt("storage.max_event_count"),
		PressureRatio:       v.GetFloat64("storage.pressure_ratio"),
		PressureRetention:   v.GetDuration("storage.pressure_retention"),
		CompactionHour:      v.GetInt("storage.compaction_hour"),
		MaintenanceInterval: v.GetDuration("storage.maintenance_interval"),
	})
	b.Ingest(IngestConfig{
		QueueCapacity:  v.GetInt("ingest.queue_capacity"),
		WriteBatchSize: v.GetInt("ingest.write_batch_size"),
		FlushInterval:  v.GetDuration("ingest.flush_interval"),
		SessionTimeout: v.GetDuration("ingest.session_timeout"),
	})
	b.Transmit(TransmitConfig{
		Interval:        v.GetDuration("transmit.interval"),
		BatchSize:       v.GetInt("transmit.batch_size"),
		MaxRetries:      v.GetInt("transmit.max_retries"),
		RestartCooldown: v.GetDuration("transmit.restart_cooldown"),
		RateLimit:       v.GetFloat64("transmit.rate_limit"),
		ConnectTimeout:  v.GetDuration("transmit.connect_timeout"),
		ReadTimeout:     v.GetDuration("transmit.read_timeout"),
		SendTimeout:     v.GetDuration("transmit.send_timeout"),
	})

	return b.Build()
}

// setDefaults mirrors NewBuilder so env-only deployments need no file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint_url", "https://ingest.gaugex.io/v1")
	v.SetDefault("database_url", "sqlite://gaugex.db")

	for _, t := range types.AllEventTypes {
		v.SetDefault("sampling."+string(t), 1.0)
	}
	for _, f := range AllFeatures {
		v.SetDefault("features."+string(f), f != FeaturePayloadSigning)
	}

	s := DefaultStorageConfig()
	v.SetDefault("storage.max_size_bytes", s.MaxSizeBytes)
	v.SetDefault("storage.max_event_age", s.MaxEventAge.String())
	v.SetDefault("storage.max_event_count", s.MaxEventCount)
	v.SetDefault("storage.pressure_ratio", s.PressureRatio)
	v.SetDefault("storage.pressure_retention", s.PressureRetention.String())
	v.SetDefault("storage.compaction_hour", s.CompactionHour)
	v.SetDefault("storage.maintenance_interval", s.MaintenanceInterval.String())

	i := DefaultIngestConfig()
	v.SetDefault("ingest.queue_capacity", i.QueueCapacity)
	v.SetDefault("ingest.write_batch_size", i.WriteBatchSize)
	v.SetDefault("ingest.flush_interval", i.FlushInterval.String())
	v.SetDefault("ingest.session_timeout", i.SessionTimeout.String())

	t := DefaultTransmitConfig()
	v.SetDefault("transmit.interval", t.Interval.String())
	v.SetDefault("transmit.batch_size", t.BatchSize)
	v.SetDefault("transmit.max_retries", t.MaxRetries)
	v.SetDefault("transmit.restart_cooldown", t.RestartCooldown.String())
	v.SetDefault("transmit.rate_limit", t.RateLimit)
	v.SetDefault("transmit.connect_timeout", t.ConnectTimeout.String())
	v.SetDefault("transmit.read_timeout", t.ReadTimeout.String())
	v.SetDefault("transmit.send_timeout", t.SendTimeout.String())
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("api_key") || v.InConfig("signing_secret") {
		return fmt.Errorf("secrets not allowed in config files (use GX_API_KEY and GX_SIGNING_SECRET environment variables)")
	}
	return nil
}
