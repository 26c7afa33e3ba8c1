package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ups-monitor/internal/discovery"
	"ups-monitor/internal/monitor"
	"ups-monitor/internal/store"
	"ups-monitor/internal/upsapi"
)

// The commands below talk to the remote server directly and do not need a
// running daemon.

func newClient(load configLoader) (*upsapi.Client, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	return upsapi.NewClient(cfg.Server.URL)
}

func newHealthCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(load)
			if err != nil {
				return err
			}
			if err := client.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", client.ServerURL())
			return nil
		},
	}
}

func newStatusCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status [device]",
		Short: "Print the current device snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(load)
			if err != nil {
				return err
			}
			snaps, dropped, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if dropped > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "dropped %d malformed entries\n", dropped)
			}
			if len(args) == 1 {
				snaps = filterSnapshots(snaps, args[0])
				if len(snaps) == 0 {
					return fmt.Errorf("device %q: %w", args[0], store.ErrNotFound)
				}
			}
			return printJSON(cmd.OutOrStdout(), snaps)
		},
	}
}

func filterSnapshots(snaps []store.DeviceSnapshot, name string) []store.DeviceSnapshot {
	var out []store.DeviceSnapshot
	for _, s := range snaps {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func newCommandCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "command <device> <command>",
		Short: "Send a command to a device",
		Long: "Send a command to a device. The command is either a catalog key " +
			"such as beeper_disable or a raw server command such as beeper.disable.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, ok := discovery.ResolveCommand(discovery.DefaultCatalog, args[1])
			if !ok {
				return fmt.Errorf("unknown command %q", args[1])
			}
			client, err := newClient(load)
			if err != nil {
				return err
			}
			res := client.SendCommand(cmd.Context(), args[0], command)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("command %s failed: %s", command, res.Error)
			}
			return nil
		},
	}
}

func newTestDeviceCmd(load configLoader) *cobra.Command {
	var reg upsapi.DeviceRegistration
	cmd := &cobra.Command{
		Use:   "test-device",
		Short: "Ask the server to probe a device without registering it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reg.Port == 0 {
				reg.Port = defaultPort(reg.Type)
			}
			if reg.Name == "" {
				reg.Name = reg.Host
			}
			client, err := newClient(load)
			if err != nil {
				return err
			}
			attrs, err := client.TestDevice(cmd.Context(), reg)
			if err != nil {
				return err
			}
			if attrs == nil {
				attrs = []string{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"success": true, "attributes": attrs})
		},
	}
	f := cmd.Flags()
	f.StringVar(&reg.Type, "type", store.DeviceTypeNUT, "device type (nut or apcupsd)")
	f.StringVar(&reg.Name, "name", "", "device name (defaults to the host)")
	f.StringVar(&reg.Host, "host", "", "device host")
	f.IntVar(&reg.Port, "port", 0, "device port (defaults to the daemon's standard port)")
	f.StringVar(&reg.Username, "username", "", "NUT username")
	f.StringVar(&reg.Password, "password", "", "NUT password")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func defaultPort(deviceType string) int {
	if deviceType == store.DeviceTypeApcupsd {
		return monitor.DefaultApcupsdPort
	}
	return monitor.DefaultNUTPort
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
