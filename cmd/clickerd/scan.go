package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/clickerd/internal/ble"
)

func newScanCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby clicker accessories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadValidConfig()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Device.ScanTimeout
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Scanning for %s...\n", timeout)
			devices, err := ble.ScanForClickers(ble.NewTinyGoAdapter(), timeout)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Bluetooth scanning may require elevated permissions.")
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No clickers found.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI")
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%d dBm\n", d.Address, d.Name, d.RSSI)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "scan duration (default: device.scan_timeout)")
	return cmd
}
