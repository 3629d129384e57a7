package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/httprunner/DeviceKeeper/internal/config"
	"github.com/httprunner/DeviceKeeper/internal/storage"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagSQLitePath string
		flagDevice     string
		flagLimit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events from the SQLite journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Load()
			path := firstNonEmpty(flagSQLitePath, settings.AuditSQLitePath)
			if path == "" {
				return fmt.Errorf("--sqlite or %s must be provided", config.EnvAuditSQLitePath)
			}
			store, err := storage.OpenEventStore(path)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListEvents(cmd.Context(), flagDevice, flagLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDEVICE\tCYCLE\tATTEMPT\tKIND\tMESSAGE")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					ev.At.UTC().Format(time.RFC3339), ev.DeviceID, ev.Cycle, ev.Attempt, ev.Kind, ev.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&flagSQLitePath, "sqlite", "", "SQLite event journal path (default from AUDIT_SQLITE_PATH)")
	cmd.Flags().StringVar(&flagDevice, "device", "", "Only show events for this device id")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum number of events")
	return cmd
}
