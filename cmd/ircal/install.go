package main

import (
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ircal/ircal/pkg/config"
	daemonutils "github.com/ircal/ircal/pkg/utils/daemon"
)

var gInstallation = "Installation:"

func init() {
	commandGroups = append(commandGroups, gInstallation)
}

func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:         "install",
		Short:       "Install ircal as a systemd service",
		GroupID:     gInstallation,
		Annotations: map[string]string{annotationLocal: "true"},
		Long: `Install the ircal daemon as a systemd service.

This makes ircal run in the background and start on boot. You must run this command as root.

By default, only root may talk to the daemon. Use --allow-non-root-access to let other users control calibrations without sudo.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			absConfig, err := filepath.Abs(configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(absConfig), 0755); err != nil {
				return pkgerrors.Wrapf(err, "failed to create config directory")
			}

			conf, err := config.NewFile(absConfig)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the ircal daemon.")
			} else {
				logrus.Info("only root user is allowed to access the ircal daemon.")
			}

			// Saved first so the service starts with it.
			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(absConfig)
			if err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use the current binary (%s) at startup, so do not move it. If you do, run `ircal install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access ircal daemon.")

	return cmd
}

func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "uninstall",
		Short:       "Uninstall the ircal systemd service",
		GroupID:     gInstallation,
		Annotations: map[string]string{annotationLocal: "true"},
		Long: `Stop the ircal daemon and remove its systemd unit.

Stopping the daemon cancels any active calibration and powers down the sources. You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			cmd.Println("Uninstalled. The config file and report database were kept.")
			return nil
		},
	}
}
