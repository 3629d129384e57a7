package main

import (
	"context"
	"fmt"
	"strings"

	devicekeeper "github.com/httprunner/DeviceKeeper"
	"github.com/httprunner/DeviceKeeper/internal/config"
	"github.com/httprunner/DeviceKeeper/internal/headspin"
	"github.com/httprunner/DeviceKeeper/internal/providers/adb"
	"golang.org/x/time/rate"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// loadRegistry prefers the YAML file and falls back to adb discovery when only a template is set.
func loadRegistry(ctx context.Context, settings config.Settings) (*devicekeeper.Registry, error) {
	path := firstNonEmpty(rootRegistry, settings.RegistryFile)
	if path != "" {
		return devicekeeper.LoadRegistryFile(path, settings.APIKey)
	}
	if settings.ADBEndpoint == "" {
		return nil, fmt.Errorf("--registry, %s or %s must be provided",
			config.EnvRegistryFile, config.EnvADBEndpointPattern)
	}
	provider, err := adb.NewDefault()
	if err != nil {
		return nil, err
	}
	devices, err := provider.Discover(ctx, settings.ADBEndpoint, settings.APIKey)
	if err != nil {
		return nil, err
	}
	return devicekeeper.NewRegistry(devices)
}

func newRecoveryClient(settings config.Settings, audit devicekeeper.AuditLog) (*devicekeeper.RecoveryClient, error) {
	api, err := headspin.NewClient(settings.APIBaseURL, settings.APIKey, nil)
	if err != nil {
		return nil, err
	}
	cfg := devicekeeper.RecoveryConfig{
		MaxAttempts: settings.UnlockAttempts,
		Backoff:     settings.UnlockBackoff,
	}
	if settings.UnlockRateLimit > 0 {
		cfg.Limiter = rate.NewLimiter(rate.Limit(settings.UnlockRateLimit), 1)
	}
	return devicekeeper.NewRecoveryClient(api, audit, cfg)
}
