// Package config resolves DeviceKeeper settings from the environment.
package config

import (
	"strings"
	"time"

	"github.com/httprunner/DeviceKeeper/internal/env"
	"github.com/pkg/errors"
)

// Environment variable names.
const (
	EnvAPIKey             = "HEADSPIN_API_KEY"
	EnvAPIKeyLegacy       = "HEADSPIN_SANDBOX"
	EnvAPIBaseURL         = "HEADSPIN_API_BASE_URL"
	EnvRegistryFile       = "DEVICE_REGISTRY_FILE"
	EnvConcurrency        = "DEVICE_CONCURRENCY"
	EnvDwell              = "DEVICE_DWELL"
	EnvCooldown           = "DEVICE_COOLDOWN"
	EnvMaxAttempts        = "DEVICE_MAX_ATTEMPTS"
	EnvUnlockMaxAttempts  = "UNLOCK_MAX_ATTEMPTS"
	EnvUnlockBackoff      = "UNLOCK_BACKOFF"
	EnvUnlockRateLimit    = "UNLOCK_RATE_LIMIT"
	EnvAcquireTimeout     = "SESSION_ACQUIRE_TIMEOUT"
	EnvAuditDir           = "AUDIT_LOG_DIR"
	EnvAuditSQLitePath    = "AUDIT_SQLITE_PATH"
	EnvDeviceBitableURL   = "DEVICE_BITABLE_URL"
	EnvMetricsAddr        = "METRICS_ADDR"
	EnvStatusFlush        = "STATUS_FLUSH_INTERVAL"
	EnvADBEndpointPattern = "ADB_ENDPOINT_TEMPLATE"
)

const (
	DefaultAPIBaseURL = "https://api-dev.headspin.io"
	DefaultAuditDir   = "device logs"
)

// Settings is everything the fleet needs at startup.
type Settings struct {
	APIKey          string
	APIBaseURL      string
	RegistryFile    string
	Concurrency     int
	Dwell           time.Duration
	Cooldown        time.Duration
	MaxAttempts     int
	UnlockAttempts  int
	UnlockBackoff   time.Duration
	UnlockRateLimit float64
	AcquireTimeout  time.Duration
	AuditDir        string
	AuditSQLitePath string
	DeviceTableURL  string
	MetricsAddr     string
	StatusInterval  time.Duration
	ADBEndpoint     string
}

// Load reads Settings from the environment, applying defaults.
func Load() Settings {
	return Settings{
		APIKey:          env.FirstString("", EnvAPIKey, EnvAPIKeyLegacy),
		APIBaseURL:      strings.TrimRight(env.String(EnvAPIBaseURL, DefaultAPIBaseURL), "/"),
		RegistryFile:    env.String(EnvRegistryFile, ""),
		Concurrency:     env.Int(EnvConcurrency, 3),
		Dwell:           env.Duration(EnvDwell, 15*time.Second),
		Cooldown:        env.Duration(EnvCooldown, 5*time.Second),
		MaxAttempts:     env.Int(EnvMaxAttempts, 3),
		UnlockAttempts:  env.Int(EnvUnlockMaxAttempts, 5),
		UnlockBackoff:   env.Duration(EnvUnlockBackoff, 5*time.Second),
		UnlockRateLimit: env.Float(EnvUnlockRateLimit, 0),
		AcquireTimeout:  env.Duration(EnvAcquireTimeout, 90*time.Second),
		AuditDir:        env.String(EnvAuditDir, DefaultAuditDir),
		AuditSQLitePath: env.String(EnvAuditSQLitePath, ""),
		DeviceTableURL:  env.String(EnvDeviceBitableURL, ""),
		MetricsAddr:     env.String(EnvMetricsAddr, ""),
		StatusInterval:  env.Duration(EnvStatusFlush, time.Minute),
		ADBEndpoint:     env.String(EnvADBEndpointPattern, ""),
	}
}

// Validate checks the settings the fleet cannot run without.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" {
		return errors.Errorf("$%s (or $%s) must be set", EnvAPIKey, EnvAPIKeyLegacy)
	}
	if s.Concurrency <= 0 {
		return errors.Errorf("concurrency must be positive, got %d", s.Concurrency)
	}
	if s.MaxAttempts <= 0 {
		return errors.Errorf("max attempts must be positive, got %d", s.MaxAttempts)
	}
	if s.UnlockAttempts <= 0 {
		return errors.Errorf("unlock attempts must be positive, got %d", s.UnlockAttempts)
	}
	return nil
}
