package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ircal/ircal/pkg/config"
	"github.com/ircal/ircal/pkg/device"
	"github.com/ircal/ircal/pkg/events"
	"github.com/ircal/ircal/pkg/metrics"
	"github.com/ircal/ircal/pkg/orchestrator"
	"github.com/ircal/ircal/pkg/report"
	"github.com/ircal/ircal/pkg/runloop"
)

const shutdownTimeout = 5 * time.Second

// simDevices builds the simulated bench: reference source, chamber,
// positioner and averaging service, all on clk.
func simDevices(clk clock.Clock) orchestrator.Devices {
	ref := device.NewSimReference(clk)
	return orchestrator.Devices{
		Reference:   ref,
		Environment: device.NewSimEnvironment(clk),
		Positioner:  device.NewSimPositioner(clk, 30),
		Averager:    device.NewSimAverager(clk, ref.CurrentValue, 2*time.Second),
	}
}

func openReports(path string) (*report.SQLiteWriter, error) {
	if path == "" {
		return nil, nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}
	return report.OpenSQLite(path)
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return err
	}
	logrus.WithFields(conf.LogrusFields()).Info("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	hub := events.NewEventHub()
	defer hub.Close()

	devs := simDevices(clock.New())
	logrus.Info("using simulated devices")

	var store recordStore
	w, err := openReports(conf.ReportDatabase())
	if err != nil {
		// Runs still work, they just are not persisted.
		logrus.WithError(err).WithField("path", conf.ReportDatabase()).Error("failed to open report database")
	} else if w != nil {
		defer func() {
			if err := w.Close(); err != nil {
				logrus.WithError(err).Warn("failed to close report database")
			}
		}()
		devs.Reports = w
		store = w
		logrus.WithField("path", w.Path()).Info("report database opened")
	}

	// Started without ctx: the loop must outlive the signal so shutdown can
	// still cancel the active run. Stopped before the database closes.
	loop := runloop.New(nil)
	loop.Start(context.Background())
	defer loop.Stop()

	orch, err := orchestrator.New(loop, devs, optionsFromConfig(conf), hub, m)
	if err != nil {
		return err
	}

	s := newServer(orch, conf, hub, m, store)
	s.restoreSchedule()
	defer s.scheduler.Stop()

	srv := &http.Server{
		Handler: s.setupRoutes(),
	}

	// Remove a stale socket left by an unclean exit.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return err
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Receive SIGHUP to reload config.
	g.Go(func() error {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		defer signal.Stop(sigc)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sigc:
				if err := s.reload(); err != nil {
					logrus.WithError(err).Error("failed to reload config")
				}
			}
		}
	})

	if broker := conf.MQTTBroker(); broker != "" {
		bridge, err := events.NewMQTTBridge(broker, "ircal-"+filepath.Base(unixSocketPath), conf.MQTTTopicPrefix())
		if err != nil {
			logrus.WithError(err).WithField("broker", broker).Error("MQTT event bridge disabled")
		} else {
			g.Go(func() error {
				bridge.Run(gctx, hub)
				return nil
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("shutting down")

		// Leave the bench in a safe state.
		if err := orch.Cancel(); err == nil {
			logrus.Info("active calibration canceled")
		}

		// Ends open event streams, which would otherwise hold Shutdown.
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logrus.Info("shutting down http server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("failed to shutdown http server")
		}
		return nil
	})

	err = g.Wait()
	logrus.Info("exiting")
	return err
}
