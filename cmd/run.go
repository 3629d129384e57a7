package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	devicekeeper "github.com/httprunner/DeviceKeeper"
	"github.com/httprunner/DeviceKeeper/internal/config"
	"github.com/httprunner/DeviceKeeper/internal/feishu"
	"github.com/httprunner/DeviceKeeper/internal/metrics"
	"github.com/httprunner/DeviceKeeper/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		flagConcurrency int
		flagDwell       time.Duration
		flagCooldown    time.Duration
		flagMaxAttempts int
		flagAuditDir    string
		flagSQLitePath  string
		flagMetricsAddr string
		flagDeviceTable string
		flagOnce        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the lifecycle loop on every registered device until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Load()
			flags := cmd.Flags()
			if flags.Changed("concurrency") {
				settings.Concurrency = flagConcurrency
			}
			if flags.Changed("dwell") {
				settings.Dwell = flagDwell
			}
			if flags.Changed("cooldown") {
				settings.Cooldown = flagCooldown
			}
			if flags.Changed("max-attempts") {
				settings.MaxAttempts = flagMaxAttempts
			}
			settings.AuditDir = firstNonEmpty(flagAuditDir, settings.AuditDir)
			settings.AuditSQLitePath = firstNonEmpty(flagSQLitePath, settings.AuditSQLitePath)
			settings.MetricsAddr = firstNonEmpty(flagMetricsAddr, settings.MetricsAddr)
			settings.DeviceTableURL = firstNonEmpty(flagDeviceTable, settings.DeviceTableURL)
			if err := settings.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFleet(ctx, settings, flagOnce)
		},
	}

	cmd.Flags().IntVar(&flagConcurrency, "concurrency", 3, "Maximum devices holding a session at once (default from DEVICE_CONCURRENCY)")
	cmd.Flags().DurationVar(&flagDwell, "dwell", 15*time.Second, "How long each session is held (default from DEVICE_DWELL)")
	cmd.Flags().DurationVar(&flagCooldown, "cooldown", 5*time.Second, "Pause between cycles (default from DEVICE_COOLDOWN)")
	cmd.Flags().IntVar(&flagMaxAttempts, "max-attempts", 3, "Attempts per cycle before giving up (default from DEVICE_MAX_ATTEMPTS)")
	cmd.Flags().StringVar(&flagAuditDir, "audit-dir", "", "Directory for per-device audit logs (default from AUDIT_LOG_DIR)")
	cmd.Flags().StringVar(&flagSQLitePath, "sqlite", "", "SQLite event journal path (default from AUDIT_SQLITE_PATH)")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default from METRICS_ADDR)")
	cmd.Flags().StringVar(&flagDeviceTable, "device-table-url", "", "Feishu device status bitable URL (default from DEVICE_BITABLE_URL)")
	cmd.Flags().BoolVar(&flagOnce, "once", false, "Run a single cycle per device and exit")

	return cmd
}

func runFleet(ctx context.Context, settings config.Settings, once bool) error {
	registry, err := loadRegistry(ctx, settings)
	if err != nil {
		return err
	}
	audit, err := devicekeeper.NewFileAuditLog(settings.AuditDir)
	if err != nil {
		return err
	}
	recovery, err := newRecoveryClient(settings, audit)
	if err != nil {
		return err
	}

	var recorders []devicekeeper.EventRecorder
	if settings.AuditSQLitePath != "" {
		store, err := storage.OpenEventStore(settings.AuditSQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()
		recorders = append(recorders, store)
	}

	gate := devicekeeper.NewAdmissionGate(settings.Concurrency)
	if settings.MetricsAddr != "" {
		collector := metrics.NewCollector("")
		collector.WatchGate("", gate)
		recorders = append(recorders, collector)
		server := metrics.NewServer(settings.MetricsAddr, collector)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("metrics server shutdown failed")
			}
		}()
	}

	cfg := devicekeeper.SchedulerConfig{
		Registry:  registry,
		Sessions:  devicekeeper.NewWebDriverSessionClient(nil, devicekeeper.DefaultCapabilities(), settings.AcquireTimeout),
		Recovery:  recovery,
		Audit:     audit,
		Recorders: recorders,
		Gate:      gate,
		Runner: devicekeeper.RunnerConfig{
			MaxAttempts: settings.MaxAttempts,
			Dwell:       settings.Dwell,
			Cooldown:    settings.Cooldown,
		},
		StatusInterval: settings.StatusInterval,
		HostUUID:       devicekeeper.HostUUID(),
	}
	deviceTable, err := feishu.NewDeviceRecorderFromEnv(settings.DeviceTableURL)
	if err != nil {
		return err
	}
	if deviceTable != nil {
		cfg.DeviceRecorder = deviceTable
	}

	scheduler, err := devicekeeper.NewFleetScheduler(cfg)
	if err != nil {
		return err
	}
	log.Info().
		Int("devices", registry.Len()).
		Int("concurrency", settings.Concurrency).
		Dur("dwell", settings.Dwell).
		Str("audit_dir", audit.Dir()).
		Str("sqlite", settings.AuditSQLitePath).
		Str("metrics_addr", settings.MetricsAddr).
		Bool("once", once).
		Msg("starting device fleet")

	if once {
		failed := 0
		for i, res := range scheduler.RunOnce(ctx) {
			if !res.Succeeded {
				failed++
			}
			log.Info().
				Str("device", registry.Devices()[i].ID).
				Bool("succeeded", res.Succeeded).
				Int("attempts", res.Attempts).
				Int("recoveries", res.Recoveries).
				Msg("single cycle finished")
		}
		if failed > 0 {
			log.Warn().Int("failed", failed).Int("devices", registry.Len()).Msg("some devices exhausted their attempts")
		}
		return nil
	}
	return scheduler.Run(ctx)
}
