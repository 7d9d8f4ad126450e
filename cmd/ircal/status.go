package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/config"
)

func stateText(s calibration.State) string {
	switch s {
	case calibration.StateRunning:
		return color.New(color.Bold, color.FgGreen).Sprint(s)
	case calibration.StatePaused:
		return color.New(color.Bold, color.FgYellow).Sprint(s)
	case calibration.StateCanceling:
		return color.New(color.Bold, color.FgRed).Sprint(s)
	case calibration.StateFinished:
		return color.New(color.Bold, color.FgCyan).Sprint(s)
	default:
		return bold("%s", s)
	}
}

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current calibration status",
		Long:    `Get the state of the current calibration run, the schedule and the configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}
			if asJSON {
				b, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			raw, err := apiClient.GetConfig()
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}
			conf := config.NewFileFromConfig(raw, "")

			cmd.Println(bold("Calibration:"))
			cmd.Printf("  State: %s\n", stateText(st.State))
			if st.State != calibration.StateIdle {
				cmd.Printf("  Stage: %s\n", bold("%s", st.Stage))
				if st.Operation != "" {
					cmd.Printf("  Operation: %s\n", st.Operation)
				}
				if st.TotalPoints > 0 {
					cmd.Printf("  Point: %s (%s)\n", bold("%d/%d", min(st.PointIndex+1, st.TotalPoints), st.TotalPoints), bold("%d%%", st.Progress))
				}
				if st.Stage == calibration.StageSettlingAndSampling || st.Stage == calibration.StagePositionerMoving {
					cmd.Printf("  Sensor: %s\n", bold("%d/%d", st.TaskIndex+1, st.TotalTasks))
				}
				if st.RemainingSecs > 0 {
					label := st.CountdownLabel
					if label == "" {
						label = "Remaining"
					}
					cmd.Printf("  %s: %s\n", label, bold("%s", formatRemaining(st.RemainingSecs)))
				}
				cmd.Printf("  Reference: %s\n", bold("%.2f °C", st.ReferenceValue))
				cmd.Printf("  Records: %s\n", bold("%d", st.Records))
				if st.EnvironmentLabel != "" {
					cmd.Printf("  Environment: %s\n", st.EnvironmentLabel)
				}
				if !st.StartedAt.IsZero() {
					cmd.Printf("  Started at: %s\n", st.StartedAt.Local().Format(time.DateTime))
				}
				if st.ReportID != "" {
					cmd.Printf("  Report: %s\n", st.ReportID)
				}
			}
			if st.LastError != "" {
				cmd.Printf("  Last error: %s\n", color.RedString(st.LastError))
			}

			cmd.Println()

			cmd.Println(bold("Schedule:"))
			if conf.Schedule() == "" {
				cmd.Println("  Not scheduled")
			} else {
				cmd.Printf("  Cron: %s\n", bold("%s", conf.Schedule()))
				cmd.Printf("  Plan: %s\n", conf.PlanPath())
				if !st.ScheduledAt.IsZero() {
					cmd.Printf("  Next run: %s\n", bold("%s", st.ScheduledAt.Local().Format(time.DateTime)))
				}
			}

			cmd.Println()

			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Stability window: %s\n", bold("%d samples every %s", conf.StabilityWindow(), conf.SampleInterval()))
			cmd.Printf("  Max deviation / fluctuation: %s\n", bold("%.2f / %.2f °C", conf.MaxDeviation(), conf.MaxFluctuation()))
			cmd.Printf("  Settle duration: %s\n", bold("%s", conf.SettleDuration()))
			cmd.Printf("  Movement timeout: %s\n", bold("%s", conf.MoveTimeout()))
			cmd.Printf("  Angle per slot: %s\n", bold("%.1f°", conf.AnglePerSlot()))
			cmd.Printf("  Align sampling to the minute: %s\n", bool2Text(conf.MinuteAlignment()))
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")

	return cmd
}
