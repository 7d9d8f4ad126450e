package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ircal/ircal/pkg/device"
)

func NewPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "ports",
		GroupID:     gAdvanced,
		Short:       "List serial ports that may host instruments",
		Annotations: map[string]string{annotationLocal: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := device.DiscoverPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				cmd.Println("No candidate serial ports found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tUSB\tVID:PID\tSERIAL")
			for _, p := range ports {
				id := "-"
				if p.VID != "" || p.PID != "" {
					id = p.VID + ":" + p.PID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, bool2Text(p.IsUSB), id, p.SerialNumber)
			}
			return w.Flush()
		},
	}
}

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "config",
		GroupID: gAdvanced,
		Short:   "Print the configuration the daemon is using",
		Long: `Print the configuration the daemon is using, with defaults filled in.

Edit the config file and send SIGHUP to the daemon to reload it. Timing
changes apply from the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := apiClient.GetConfig()
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(raw, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(b))
			return nil
		},
	}
}
