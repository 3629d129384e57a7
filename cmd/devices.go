package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/httprunner/DeviceKeeper/internal/config"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	var flagShowEndpoint bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices the fleet would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Load()
			registry, err := loadRegistry(cmd.Context(), settings)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENDPOINT")
			for _, d := range registry.Devices() {
				endpoint := d.Endpoint
				if !flagShowEndpoint && settings.APIKey != "" {
					endpoint = strings.ReplaceAll(endpoint, settings.APIKey, "***")
				}
				fmt.Fprintf(w, "%s\t%s\n", d.ID, endpoint)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&flagShowEndpoint, "show-secrets", false, "Print endpoints with the API key unmasked")
	return cmd
}
