package main

import (
	"os"
	"strings"

	"github.com/httprunner/DeviceKeeper/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devicekeeper",
	Short: "Keep a fleet of remote devices continuously exercised",
	Long: `devicekeeper acquires a WebDriver session on every registered device, holds it for a dwell,
releases it and starts over, force-unlocking devices through the vendor API when sessions fail.
Each device gets a plain-text audit trail; status can be mirrored to SQLite, Feishu and Prometheus.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := env.LoadFile(rootEnvFile); err != nil {
			return err
		}
		return applyLogLevel(rootLogLevel)
	},
	SilenceUsage: true,
}

var (
	rootLogLevel string
	rootEnvFile  string
	rootRegistry string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootEnvFile, "env-file", "", "Extra .env file loaded before reading settings")
	rootCmd.PersistentFlags().StringVar(&rootRegistry, "registry", "", "Device registry YAML (default from DEVICE_REGISTRY_FILE)")
	rootCmd.AddCommand(
		newRunCmd(),
		newUnlockCmd(),
		newDevicesCmd(),
		newHistoryCmd(),
	)
	_ = env.Ensure()
}

func applyLogLevel(raw string) error {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return err
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("devicekeeper command failed")
	}
}
