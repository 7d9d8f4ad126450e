package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ircal/ircal/pkg/client"
	"github.com/ircal/ircal/pkg/plan"
	"github.com/ircal/ircal/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{annotationLocal: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "start <plan-file>",
		Short:   "Start a calibration run from a plan file",
		GroupID: gBasic,
		Long: `Start a calibration run from a YAML or JSON plan file.

A plan lists the modeling and verification temperatures and the sensors
under test with their positioner slots:

  label: chamber-25
  modeling: [35, 37, 40]
  verification: [36.5, 38.5]
  tasks:
    - channel: COM3
      position: 1
    - channel: COM4
      position: 2`,
		Example: `  ircal start /etc/ircal/plan.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			// Catch obvious mistakes before bothering the daemon.
			if _, err := plan.Parse(b); err != nil {
				return err
			}
			ret, err := apiClient.StartRun(b)
			if err != nil {
				return fmt.Errorf("failed to start calibration: %w", err)
			}
			cmd.Println(ret)
			return nil
		},
	}
}

func NewPauseCommand() *cobra.Command {
	return newRunControlCommand("pause", "Pause the running calibration", (*client.Client).PauseRun)
}

func NewResumeCommand() *cobra.Command {
	return newRunControlCommand("resume", "Resume a paused calibration", (*client.Client).ResumeRun)
}

func NewCancelCommand() *cobra.Command {
	return newRunControlCommand("cancel", "Cancel the calibration and power down the sources", (*client.Client).CancelRun)
}
