package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "LOYALTY_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "LOYALTY_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"SERVER_PORT", "PORT", "APPROVAL_EXPIRY_HOURS", "CARD_NUMBER_MAX_ATTEMPTS",
		"AUDIT_AUTO_REPAIR", "DB_LOCK_TIMEOUT_MS", "LOG_FORMAT", "POINTS_RATE_LIMIT_PER_MINUTE",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.ApprovalExpiry() != 7*24*time.Hour {
		t.Fatalf("expected 7 day approval expiry, got %s", cfg.ApprovalExpiry())
	}
	if cfg.CardNumberMaxAttempts != 5 {
		t.Fatalf("expected 5 card number attempts, got %d", cfg.CardNumberMaxAttempts)
	}
	if cfg.AuditAutoRepair {
		t.Fatalf("expected auto repair to be off by default")
	}
	if cfg.LockTimeout() != 3*time.Second {
		t.Fatalf("expected 3s lock timeout, got %s", cfg.LockTimeout())
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("expected json log format, got %q", cfg.LogFormat)
	}
	if cfg.PointsRateLimitPerMinute != 0 {
		t.Fatalf("expected rate limit disabled by default, got %d", cfg.PointsRateLimitPerMinute)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DB_LOCK_TIMEOUT_MS", "-5")
	setEnvWithCleanup(t, "POINTS_RATE_LIMIT_PER_MINUTE", "-1")
	setEnvWithCleanup(t, "CARD_NUMBER_MAX_ATTEMPTS", "0")
	setEnvWithCleanup(t, "LOG_FORMAT", "yaml")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DBLockTimeoutMS != 3000 {
		t.Fatalf("expected lock timeout coerced to default, got %d", cfg.DBLockTimeoutMS)
	}
	if cfg.PointsRateLimitPerMinute != 0 {
		t.Fatalf("expected negative rate limit coerced to 0, got %d", cfg.PointsRateLimitPerMinute)
	}
	if cfg.CardNumberMaxAttempts != 5 {
		t.Fatalf("expected card attempts coerced to 5, got %d", cfg.CardNumberMaxAttempts)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("expected unknown log format to fall back to json, got %q", cfg.LogFormat)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_ScheduleCanBeDisabled(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "AUDIT_SCHEDULE", "off")
	setEnvWithCleanup(t, "EXPIRY_SWEEP_SCHEDULE", " */5 * * * * ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.AuditSchedule != "" {
		t.Fatalf("expected audit schedule disabled, got %q", cfg.AuditSchedule)
	}
	if cfg.ExpirySweepSchedule != "*/5 * * * *" {
		t.Fatalf("expected trimmed expiry schedule, got %q", cfg.ExpirySweepSchedule)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.example , ,https://b.example"}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %#v", got)
	}
	if empty := (Config{}).AllowedOrigins(); len(empty) != 1 || empty[0] != "*" {
		t.Fatalf("expected wildcard default, got %#v", empty)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
