package commands

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"androidfarm/adb"
	"androidfarm/config"
	"androidfarm/models"
	"androidfarm/service"
)

func newDevicesCmd() *cobra.Command {
	var enrich bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices discovery would put in the farm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var lister service.Lister
			if cfg.Discovery.Mode == config.DiscoveryStatic {
				lister = service.StaticLister(cfg.StaticDevices())
			} else {
				client := adb.NewClient(cfg.Transport.ADBPath)
				client.Enrich = enrich || cfg.Discovery.Enrich
				lister = client
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			devices, err := service.NewDeviceManager(lister, nil, 0).ScanDevices(ctx)
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enrich, "enrich", false, "query Android version, resolution and battery of every device")
	return cmd
}

func printDevices(w io.Writer, devices []models.Device) {
	if len(devices) == 0 {
		yellow.Fprintln(w, "no devices found")
		return
	}
	header(w, "%-24s %-20s %-8s %-12s %s", "ID", "NAME", "ANDROID", "RESOLUTION", "BATTERY")
	for _, d := range devices {
		battery := "-"
		if d.Battery > 0 {
			battery = strconv.Itoa(d.Battery) + "%"
		}
		printf(w, "%-24s %-20s %-8s %-12s %s\n",
			d.ID, d.Name, dash(d.AndroidVersion), dash(d.Resolution), battery)
	}
	green.Fprintf(w, "%d device(s)\n", len(devices))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
