package config

import (
	"os"
	"testing"
	"time"

	"github.com/gaugex/gaugex/internal/types"
)

const testSecret = "dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"

func TestParseSigningSecret(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		secret, err := ParseSigningSecret(testSecret)
		if err != nil {
			t.Fatalf("ParseSigningSecret() error = %v, want nil", err)
		}
		if len(secret) < 32 {
			t.Errorf("len(secret) = %d, want >= 32", len(secret))
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := ParseSigningSecret("not base64!"); err == nil {
			t.Error("expected error for invalid base64")
		}
	})

	t.Run("too short", func(t *testing.T) {
		if _, err := ParseSigningSecret("c2hvcnQ="); err == nil {
			t.Error("expected error for short secret")
		}
	})
}

func TestSecretsFromEnv(t *testing.T) {
	os.Unsetenv("GX_API_KEY")
	os.Unsetenv("GX_SIGNING_SECRET")

	t.Run("api key and secret", func(t *testing.T) {
		t.Setenv("GX_API_KEY", " key-123 ")
		t.Setenv("GX_SIGNING_SECRET", testSecret)

		key, secret, err := SecretsFromEnv()
		if err != nil {
			t.Fatalf("SecretsFromEnv() error = %v, want nil", err)
		}
		if key != "key-123" {
			t.Errorf("api key = %q, want key-123", key)
		}
		if secret == nil {
			t.Error("expected signing secret")
		}
	})

	t.Run("invalid secret", func(t *testing.T) {
		t.Setenv("GX_SIGNING_SECRET", "short")
		if _, _, err := SecretsFromEnv(); err == nil {
			t.Error("expected error for invalid signing secret")
		}
	})
}

func TestBuilder_Defaults(t *testing.T) {
	cfg, err := NewBuilder().Build()
	if err != nil {
		t.Fatalf("Build() error = %v, want nil", err)
	}
	for _, et := range types.AllEventTypes {
		if r := cfg.SamplingRate(et); r != 1.0 {
			t.Errorf("SamplingRate(%s) = %v, want 1.0", et, r)
		}
	}
	if cfg.FeatureEnabled(FeaturePayloadSigning) {
		t.Error("payload signing should default to off")
	}
	if !cfg.FeatureEnabled(FeatureCrashReporting) {
		t.Error("crash reporting should default to on")
	}
	if cfg.Transmit().Interval != 15*time.Minute {
		t.Errorf("transmit interval = %v, want 15m", cfg.Transmit().Interval)
	}
	if cfg.Transmit().BatchSize != 50 {
		t.Errorf("batch size = %d, want 50", cfg.Transmit().BatchSize)
	}
	if cfg.Storage().MaxEventCount != 10000 {
		t.Errorf("max event count = %d, want 10000", cfg.Storage().MaxEventCount)
	}
	if cfg.Ingest().SessionTimeout != 30*time.Minute {
		t.Errorf("session timeout = %v, want 30m", cfg.Ingest().SessionTimeout)
	}
	if cfg.Transmit().SendTimeout != 45*time.Second {
		t.Errorf("send timeout = %v, want 45s", cfg.Transmit().SendTimeout)
	}
}

func TestBuilder_BuiltConfigIsIndependent(t *testing.T) {
	b := NewBuilder().SamplingRate(types.TypeLog, 0.25)
	cfg, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v, want nil", err)
	}
	b.SamplingRate(types.TypeLog, 0.75).Feature(FeatureNetwork, false)

	if r := cfg.SamplingRate(types.TypeLog); r != 0.25 {
		t.Errorf("SamplingRate(log) = %v, want 0.25 after builder mutation", r)
	}
	if !cfg.FeatureEnabled(FeatureNetwork) {
		t.Error("network feature changed after builder mutation")
	}
}

func TestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"rate above one", NewBuilder().SamplingRate(types.TypeCrash, 1.5)},
		{"negative rate", NewBuilder().SamplingRate(types.TypeLog, -0.1)},
		{"unknown type", NewBuilder().SamplingRate(types.EventType("telepathy"), 0.5)},
		{"unknown feature", NewBuilder().Feature(Feature("teleport"), true)},
		{"bad endpoint scheme", NewBuilder().EndpointURL("ftp://example.com")},
		{"empty database url", NewBuilder().DatabaseURL("")},
		{"signing without secret", NewBuilder().Feature(FeaturePayloadSigning, true)},
		{"zero batch size", func() *Builder {
			tc := DefaultTransmitConfig()
			tc.BatchSize = 0
			return NewBuilder().Transmit(tc)
		}()},
		{"compaction hour out of range", func() *Builder {
			sc := DefaultStorageConfig()
			sc.CompactionHour = 24
			return NewBuilder().Storage(sc)
		}()},
		{"zero queue capacity", func() *Builder {
			ic := DefaultIngestConfig()
			ic.QueueCapacity = 0
			return NewBuilder().Ingest(ic)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.b.Build(); err == nil {
				t.Error("Build() error = nil, want validation error")
			}
		})
	}
}

func TestSigningSecretIsCopied(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	cfg, err := NewBuilder().SigningSecret(secret).Feature(FeaturePayloadSigning, true).Build()
	if err != nil {
		t.Fatalf("Build() error = %v, want nil", err)
	}
	secret[0] = 'X'
	got := cfg.SigningSecret()
	if got[0] != '0' {
		t.Error("config secret aliased caller slice")
	}
	got[1] = 'Y'
	if cfg.SigningSecret()[1] != '1' {
		t.Error("SigningSecret() returned internal slice")
	}
}

func TestFeatureFor(t *testing.T) {
	tests := map[types.EventType]Feature{
		types.TypeCrash:       FeatureCrashReporting,
		types.TypePerformance: FeaturePerformance,
		types.TypeNetwork:     FeatureNetwork,
		types.TypeUserAction:  FeatureUserTracking,
		types.TypeLog:         FeatureLogCapture,
	}
	for et, want := range tests {
		if got := FeatureFor(et); got != want {
			t.Errorf("FeatureFor(%s) = %s, want %s", et, got, want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	os.Unsetenv("GX_TRANSMIT_BATCH_SIZE")
	os.Unsetenv("GX_SAMPLING_LOG")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.EndpointURL() != "https://ingest.gaugex.io/v1" {
			t.Errorf("endpoint = %s", cfg.EndpointURL())
		}
		if cfg.DatabaseURL() != "sqlite://gaugex.db" {
			t.Errorf("database url = %s", cfg.DatabaseURL())
		}
		if cfg.Transmit().BatchSize != 50 {
			t.Errorf("expected batch size 50, got %d", cfg.Transmit().BatchSize)
		}
		if cfg.Storage().MaxEventAge != 7*24*time.Hour {
			t.Errorf("expected max event age 168h, got %v", cfg.Storage().MaxEventAge)
		}
		if cfg.SamplingRate(types.TypePerformance) != 1.0 {
			t.Errorf("expected performance rate 1.0, got %v", cfg.SamplingRate(types.TypePerformance))
		}
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("GX_TRANSMIT_BATCH_SIZE", "25")
		t.Setenv("GX_SAMPLING_LOG", "0.1")
		t.Setenv("GX_API_KEY", "env-key")

		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Transmit().BatchSize != 25 {
			t.Errorf("expected batch size 25, got %d", cfg.Transmit().BatchSize)
		}
		if cfg.SamplingRate(types.TypeLog) != 0.1 {
			t.Errorf("expected log rate 0.1, got %v", cfg.SamplingRate(types.TypeLog))
		}
		if cfg.APIKey() != "env-key" {
			t.Errorf("expected api key env-key, got %q", cfg.APIKey())
		}
	})

	t.Run("invalid rate rejected", func(t *testing.T) {
		t.Setenv("GX_SAMPLING_LOG", "2")
		if _, err := LoadConfig(""); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("overrides win over environment", func(t *testing.T) {
		t.Setenv("GX_DATABASE_URL", "sqlite://env.db")
		cfg, err := LoadConfigWithOverrides("", map[string]any{"database_url": "sqlite://flag.db"})
		if err != nil {
			t.Fatalf("LoadConfigWithOverrides() error = %v, want nil", err)
		}
		if cfg.DatabaseURL() != "sqlite://flag.db" {
			t.Errorf("DatabaseURL() = %s, want sqlite://flag.db", cfg.DatabaseURL())
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfig("/nonexistent/gaugex.yaml"); err == nil {
			t.Error("expected error for missing config file")
		}
	})
}
