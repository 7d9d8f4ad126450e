package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ircal/ircal/pkg/client"
)

// newRunControlCommand builds a command that sends one run control request
// and prints the daemon's answer.
func newRunControlCommand(use, short string, fn func(*client.Client) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ret, err := fn(apiClient)
			if err != nil {
				return fmt.Errorf("failed to %s calibration: %w", use, err)
			}
			cmd.Println(ret)
			return nil
		},
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...any) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

// formatRemaining renders a countdown as m:ss, or h:mm:ss past an hour.
func formatRemaining(secs int) string {
	d := time.Duration(max(secs, 0)) * time.Second
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
