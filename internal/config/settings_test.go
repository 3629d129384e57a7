package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		EnvAPIKey, EnvAPIKeyLegacy, EnvAPIBaseURL, EnvConcurrency, EnvDwell, EnvCooldown,
		EnvMaxAttempts, EnvUnlockMaxAttempts, EnvUnlockBackoff, EnvAuditDir, EnvAcquireTimeout,
	} {
		t.Setenv(key, "")
	}
	s := Load()
	if s.APIBaseURL != DefaultAPIBaseURL || s.AuditDir != DefaultAuditDir {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.Concurrency != 3 || s.MaxAttempts != 3 || s.UnlockAttempts != 5 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.Dwell != 15*time.Second || s.Cooldown != 5*time.Second || s.UnlockBackoff != 5*time.Second {
		t.Fatalf("unexpected timings: %+v", s)
	}
	if s.AcquireTimeout != 90*time.Second {
		t.Fatalf("acquire timeout = %s", s.AcquireTimeout)
	}
	if err := s.Validate(); err == nil {
		t.Fatal("missing api key must fail validation")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPIKeyLegacy, "sandbox-key")
	t.Setenv(EnvAPIBaseURL, "https://api.example.com/")
	t.Setenv(EnvConcurrency, "5")
	t.Setenv(EnvDwell, "2s")
	t.Setenv(EnvUnlockRateLimit, "0.5")
	t.Setenv(EnvMaxAttempts, "not-a-number")

	s := Load()
	if s.APIKey != "sandbox-key" {
		t.Fatalf("legacy key fallback not used: %q", s.APIKey)
	}
	if s.APIBaseURL != "https://api.example.com" {
		t.Fatalf("base url = %q", s.APIBaseURL)
	}
	if s.Concurrency != 5 || s.Dwell != 2*time.Second || s.UnlockRateLimit != 0.5 {
		t.Fatalf("overrides not applied: %+v", s)
	}
	if s.MaxAttempts != 3 {
		t.Fatalf("invalid numbers fall back to defaults, got %d", s.MaxAttempts)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	s.Concurrency = 0
	if err := s.Validate(); err == nil {
		t.Fatal("zero concurrency must fail validation")
	}
}
