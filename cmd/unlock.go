package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	devicekeeper "github.com/httprunner/DeviceKeeper"
	"github.com/httprunner/DeviceKeeper/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newUnlockCmd() *cobra.Command {
	var flagAuditDir string

	cmd := &cobra.Command{
		Use:   "unlock <device-id>",
		Short: "Force unlock one device with the same retry policy the runners use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Load()
			settings.AuditDir = firstNonEmpty(flagAuditDir, settings.AuditDir)
			if err := settings.Validate(); err != nil {
				return err
			}
			deviceID := strings.TrimSpace(args[0])
			if deviceID == "" {
				return fmt.Errorf("device id is empty")
			}
			audit, err := devicekeeper.NewFileAuditLog(settings.AuditDir)
			if err != nil {
				return err
			}
			recovery, err := newRecoveryClient(settings, audit)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res := recovery.Unlock(ctx, devicekeeper.Device{ID: deviceID})
			if !res.Unlocked {
				return fmt.Errorf("device %s still locked after %d attempts: %v", deviceID, res.Attempts, res.Err)
			}
			log.Info().Str("device", deviceID).Int("attempts", res.Attempts).Msg("device unlocked")
			return nil
		},
	}

	cmd.Flags().StringVar(&flagAuditDir, "audit-dir", "", "Directory for per-device audit logs (default from AUDIT_LOG_DIR)")
	return cmd
}
