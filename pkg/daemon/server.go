package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/config"
	"github.com/ircal/ircal/pkg/events"
	"github.com/ircal/ircal/pkg/metrics"
	"github.com/ircal/ircal/pkg/orchestrator"
	"github.com/ircal/ircal/pkg/plan"
	"github.com/ircal/ircal/pkg/report"
	"github.com/ircal/ircal/pkg/stability"
)

// recordStore reads back persisted reports.
type recordStore interface {
	Load(ctx context.Context, reportID string) ([]calibration.Record, error)
	List(ctx context.Context) ([]report.Summary, error)
}

// Server holds everything the HTTP handlers and the scheduler act on.
type Server struct {
	orch      *orchestrator.Orchestrator
	conf      *config.File
	hub       *events.EventHub
	metrics   *metrics.Metrics
	reports   recordStore
	scheduler *Scheduler
}

func newServer(orch *orchestrator.Orchestrator, conf *config.File, hub *events.EventHub, m *metrics.Metrics, reports recordStore) *Server {
	s := &Server{
		orch:    orch,
		conf:    conf,
		hub:     hub,
		metrics: m,
		reports: reports,
	}
	s.scheduler = NewScheduler(s.runScheduled, s.readyForSchedule, s.onScheduleUpcoming, s.onScheduleError)
	return s
}

// restoreSchedule re-arms the persisted cron schedule on startup.
func (s *Server) restoreSchedule() {
	spec := s.conf.Schedule()
	if spec == "" {
		return
	}
	if err := s.scheduler.Schedule(spec); err != nil {
		logrus.WithError(err).WithField("cron", spec).Error("ignoring invalid calibration schedule")
		return
	}
	s.scheduler.Start()
	_, next, _ := s.scheduler.Status()
	logrus.WithFields(logrus.Fields{
		"cron":    spec,
		"plan":    s.conf.PlanPath(),
		"nextRun": next.Format(time.DateTime),
	}).Info("calibration schedule restored")
}

func (s *Server) runScheduled() error {
	p, err := plan.Load(s.conf.PlanPath())
	if err != nil {
		return err
	}
	return s.start(p)
}

func (s *Server) readyForSchedule() error {
	st := s.orch.Status()
	switch st.State {
	case calibration.StateIdle, calibration.StateFinished:
		return nil
	default:
		return fmt.Errorf("calibration is %s", st.State)
	}
}

func (s *Server) onScheduleUpcoming(at time.Time) {
	s.hub.Publish(events.RunAction, events.RunActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: fmt.Sprintf("Scheduled calibration starts at %s", at.Format("Jan _2 15:04")),
		Ts:      time.Now().Unix(),
	})
}

func (s *Server) onScheduleError(err error) {
	logrus.WithError(err).Error("scheduled calibration")
	s.hub.Publish(events.RunError, events.RunErrorEvent{
		Message: err.Error(),
		Ts:      time.Now().Unix(),
	})
}

// reload re-reads the config file and applies it to the orchestrator and
// the schedule.
func (s *Server) reload() error {
	if err := s.conf.Load(); err != nil {
		return err
	}
	logrus.WithFields(s.conf.LogrusFields()).Info("config reloaded")

	if err := s.orch.Reconfigure(optionsFromConfig(s.conf)); err != nil {
		logrus.WithError(err).Error("calibration options not updated")
	}

	if spec := s.conf.Schedule(); spec == "" {
		s.scheduler.Stop()
	} else if err := s.scheduler.Schedule(spec); err != nil {
		logrus.WithError(err).WithField("cron", spec).Error("ignoring invalid calibration schedule")
	} else {
		s.scheduler.Start()
	}
	return nil
}

func optionsFromConfig(c config.Config) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.Stability = stability.Options{
		WindowSize:     c.StabilityWindow(),
		MaxDeviation:   c.MaxDeviation(),
		MaxFluctuation: c.MaxFluctuation(),
	}
	opts.SampleInterval = c.SampleInterval()
	opts.SettleDuration = c.SettleDuration()
	opts.SettleSampleInterval = c.SettleSampleInterval()
	opts.SettleBufferSize = c.SettleBufferSize()
	opts.MoveTimeout = c.MoveTimeout()
	opts.AnglePerSlot = c.AnglePerSlot()
	opts.MinuteAlignment = c.MinuteAlignment()
	opts.PointAdvanceDelay = c.PointAdvanceDelay()
	opts.CancelGrace = c.CancelGrace()
	opts.FinishGrace = c.FinishGrace()
	return opts
}
