package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ircal/ircal/pkg/events"
)

func NewWatchCommand() *cobra.Command {
	var showCountdown bool

	cmd := &cobra.Command{
		Use:     "watch",
		GroupID: gBasic,
		Short:   "Follow calibration events as they happen",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for ev := range apiClient.SubscribeEvents(ctx) {
				if ev.Name == events.RunCountdown && !showCountdown {
					continue
				}
				line, err := describeEvent(ev)
				if err != nil {
					line = fmt.Sprintf("%s %s", ev.Name, string(ev.Data))
				}
				cmd.Printf("%s %s\n", time.Now().Format(time.TimeOnly), line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showCountdown, "countdown", false, "also print countdown ticks")

	return cmd
}

func describeEvent(ev events.Event) (string, error) {
	switch ev.Name {
	case events.RunState:
		p, err := events.DecodeAs[events.RunStateEvent](ev)
		if err != nil {
			return "", err
		}
		s := fmt.Sprintf("state %s -> %s", p.From, bold("%s", p.To))
		if p.Message != "" {
			s += ": " + p.Message
		}
		return s, nil
	case events.RunOperation:
		p, err := events.DecodeAs[events.RunOperationEvent](ev)
		return p.Message, err
	case events.RunProgress:
		p, err := events.DecodeAs[events.RunProgressEvent](ev)
		return fmt.Sprintf("progress %s (point %d/%d)", bold("%d%%", p.Percent), p.PointIndex, p.Total), err
	case events.RunCountdown:
		p, err := events.DecodeAs[events.RunCountdownEvent](ev)
		return fmt.Sprintf("%s %s", p.Label, formatRemaining(p.RemainingSeconds)), err
	case events.RunFinished:
		p, err := events.DecodeAs[events.RunFinishedEvent](ev)
		return color.CyanString("run %s finished, report %s", p.RunID, p.ReportID), err
	case events.RunError:
		p, err := events.DecodeAs[events.RunErrorEvent](ev)
		return color.RedString("error: %s", p.Message), err
	case events.RunAction:
		p, err := events.DecodeAs[events.RunActionEvent](ev)
		return fmt.Sprintf("[%s] %s", p.Action, p.Message), err
	case events.Measurement:
		p, err := events.DecodeAs[events.MeasurementEvent](ev)
		if p.Active {
			return fmt.Sprintf("sampling %s", p.ChannelID), err
		}
		return fmt.Sprintf("sampling stopped on %s", p.ChannelID), err
	}
	return fmt.Sprintf("%s %s", ev.Name, string(ev.Data)), nil
}
