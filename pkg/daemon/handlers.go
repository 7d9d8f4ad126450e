package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/events"
	"github.com/ircal/ircal/pkg/orchestrator"
	"github.com/ircal/ircal/pkg/plan"
	"github.com/ircal/ircal/pkg/version"
)

// ScheduleRequest is the body of PUT /schedule. An empty Cron disables the
// schedule.
type ScheduleRequest struct {
	Cron string `json:"cron"`
	Plan string `json:"plan"`
}

// ScheduleResponse lists the next activations of a schedule.
type ScheduleResponse struct {
	Cron     string      `json:"cron"`
	Plan     string      `json:"plan,omitempty"`
	NextRuns []time.Time `json:"nextRuns"`
}

// PostponeRequest is the body of POST /schedule/postpone.
type PostponeRequest struct {
	Duration string `json:"duration"`
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.Use(s.metrics.GinMiddleware())

	router.GET("/status", s.getStatus)
	router.POST("/run/start", s.startRun)
	router.POST("/run/pause", s.pauseRun)
	router.POST("/run/resume", s.resumeRun)
	router.POST("/run/cancel", s.cancelRun)
	router.GET("/run/records", s.getRecords)
	router.GET("/reports", s.listReports)
	router.GET("/events", s.streamEvents)
	router.GET("/config", s.getConfig)
	router.PUT("/schedule", s.setSchedule)
	router.POST("/schedule/postpone", s.postponeSchedule)
	router.POST("/schedule/skip", s.skipSchedule)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	router.GET("/version", getVersion)

	return router
}

// abort writes err as the JSON body and records it on the context for the
// request logger.
func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

// statusCode maps orchestrator errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, orchestrator.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrPositionerDisconnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.orch.Status()
	if s.scheduler != nil {
		if _, next, running := s.scheduler.Status(); running {
			st.ScheduledAt = next
		}
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (s *Server) startRun(c *gin.Context) {
	b, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	// JSON is valid YAML, so either works as a body.
	p, err := plan.Parse(b)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if err := s.start(p); err != nil {
		abort(c, statusCode(err), err)
		return
	}

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("calibration started: %d points x %d sensors", len(p.Points()), len(p.Tasks)))
}

// start runs p with its own tasks.
func (s *Server) start(p *plan.Plan) error {
	return s.orch.StartWith(p.Tasks, p.Points(), p.Label)
}

func (s *Server) pauseRun(c *gin.Context) {
	if err := s.orch.Pause(); err != nil {
		abort(c, statusCode(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "calibration paused")
}

func (s *Server) resumeRun(c *gin.Context) {
	if err := s.orch.Resume(); err != nil {
		abort(c, statusCode(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "calibration resumed")
}

func (s *Server) cancelRun(c *gin.Context) {
	if err := s.orch.Cancel(); err != nil {
		abort(c, statusCode(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "calibration canceled")
}

// getRecords returns the records of the current or last run, or of a
// stored report when ?report= is given.
func (s *Server) getRecords(c *gin.Context) {
	id := c.Query("report")
	if id == "" {
		c.IndentedJSON(http.StatusOK, s.orch.Records())
		return
	}
	if s.reports == nil {
		abort(c, http.StatusNotFound, errors.New("report storage is disabled"))
		return
	}
	records, err := s.reports.Load(c.Request.Context(), id)
	if err != nil {
		abort(c, http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, records)
}

func (s *Server) listReports(c *gin.Context) {
	if s.reports == nil {
		c.IndentedJSON(http.StatusOK, []any{})
		return
	}
	list, err := s.reports.List(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, list)
}

func (s *Server) streamEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		}
	})
}

func (s *Server) getConfig(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.conf.Raw())
}

func (s *Server) setSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if req.Cron == "" {
		s.conf.SetSchedule("", s.conf.PlanPath())
		if err := s.conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			abort(c, http.StatusInternalServerError, err)
			return
		}
		s.scheduler.Stop()
		s.hub.Publish(events.RunAction, events.RunActionEvent{
			Action:  string(calibration.ActionScheduleDisable),
			Message: "Calibration schedule disabled",
			Ts:      time.Now().Unix(),
		})
		c.IndentedJSON(http.StatusCreated, ScheduleResponse{})
		return
	}

	if req.Plan == "" {
		req.Plan = s.conf.PlanPath()
	}
	if _, err := plan.Load(req.Plan); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	runs, err := NextRuns(req.Cron, time.Now(), 3)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	s.conf.SetSchedule(req.Cron, req.Plan)
	if err := s.conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if err := s.scheduler.Schedule(req.Cron); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	s.scheduler.Start()

	logrus.WithFields(logrus.Fields{
		"cron": req.Cron,
		"plan": req.Plan,
	}).Info("calibration scheduled")
	s.hub.Publish(events.RunAction, events.RunActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: fmt.Sprintf("Calibration scheduled at %s", runs[0].Format("Jan _2 15:04")),
		Ts:      time.Now().Unix(),
	})

	c.IndentedJSON(http.StatusCreated, ScheduleResponse{Cron: req.Cron, Plan: req.Plan, NextRuns: runs})
}

func (s *Server) postponeSchedule(c *gin.Context) {
	var req PostponeRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	at, err := s.scheduler.Postpone(d)
	if err != nil {
		abort(c, http.StatusConflict, err)
		return
	}

	s.hub.Publish(events.RunAction, events.RunActionEvent{
		Action:  string(calibration.ActionSchedulePostpone),
		Message: fmt.Sprintf("Calibration postponed for %s", d),
		Ts:      time.Now().Unix(),
	})
	c.IndentedJSON(http.StatusCreated, at)
}

func (s *Server) skipSchedule(c *gin.Context) {
	next, err := s.scheduler.Skip()
	if err != nil {
		abort(c, http.StatusConflict, err)
		return
	}

	s.hub.Publish(events.RunAction, events.RunActionEvent{
		Action:  string(calibration.ActionScheduleSkip),
		Message: "Next scheduled calibration skipped",
		Ts:      time.Now().Unix(),
	})
	c.IndentedJSON(http.StatusCreated, next)
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
