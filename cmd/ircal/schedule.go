package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ircal/ircal/pkg/config"
)

func NewScheduleCommand() *cobra.Command {
	var planPath string

	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the unattended calibration schedule",
		Long: `Manage the unattended calibration schedule.

The schedule command can be used in multiple ways:
  ircal schedule 'minute hour day month weekday' --plan <file>  Set schedule with cron expression
  ircal schedule disable                                         Disable the schedule
  ircal schedule postpone [duration]                             Postpone next run
  ircal schedule skip                                            Skip next run
  ircal schedule show                                            Show current schedule

The plan file is read by the daemon each time a scheduled run starts.`,
		Example: `  ircal schedule '0 2 * * 1' --plan /etc/ircal/plan.yaml (At 02:00 on Monday)
  ircal schedule '30 1 1 * *' (At 01:30 on the first day of every month, keeping the configured plan)`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0], planPath)
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "plan file used by scheduled runs (default: the configured plan)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "disable",
			Short: "Disable the calibration schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := apiClient.SetSchedule("", ""); err != nil {
					return err
				}
				cmd.Println("Calibration schedule disabled.")
				return nil
			},
		},
		newSchedulePostponeCommand(),
		&cobra.Command{
			Use:   "skip",
			Short: "Skip the next scheduled calibration run",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				next, err := apiClient.SkipSchedule()
				if err != nil {
					return err
				}
				cmd.Printf("Next scheduled run skipped. Following run: %s\n", next.Local().Format(time.DateTime))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the current calibration schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleShow(cmd)
			},
		},
	)

	return cmd
}

func newSchedulePostponeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled calibration run",
		Example: `  ircal schedule postpone      (Postpone by 1 hour)
  ircal schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next scheduled calibration run by a specified duration.
If no duration is provided, defaults to 1 hour. The postponed run must still
start before the run after it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			at, err := apiClient.PostponeSchedule(d)
			if err != nil {
				return err
			}
			cmd.Printf("Next run postponed by %s, now at %s.\n", d, at.Local().Format(time.DateTime))
			return nil
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr, planPath string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	s, err := apiClient.SetSchedule(cronExpr, planPath)
	if err != nil {
		return err
	}
	cmd.Printf("Calibration scheduled with plan %s. Next %d run(s):\n", s.Plan, len(s.NextRuns))
	for _, run := range s.NextRuns {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	raw, err := apiClient.GetConfig()
	if err != nil {
		return err
	}
	conf := config.NewFileFromConfig(raw, "")
	if conf.Schedule() == "" {
		cmd.Println("Calibration schedule is not set.")
		return nil
	}
	cmd.Printf("Cron: %s\n", conf.Schedule())
	cmd.Printf("Plan: %s\n", conf.PlanPath())

	st, err := apiClient.GetStatus()
	if err != nil {
		return err
	}
	if !st.ScheduledAt.IsZero() {
		cmd.Printf("Next run: %s\n", st.ScheduledAt.Local().Format(time.DateTime))
	}
	return nil
}
