package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/config"
	"github.com/ircal/ircal/pkg/events"
	"github.com/ircal/ircal/pkg/metrics"
	"github.com/ircal/ircal/pkg/orchestrator"
	"github.com/ircal/ircal/pkg/report"
	"github.com/ircal/ircal/pkg/runloop"
	"github.com/ircal/ircal/pkg/version"
)

const testPlan = `
label: chamber-25
modeling: [35, 40]
verification: [37.5]
tasks:
  - channel: COM4
    position: 4
  - channel: COM3
    position: 1
`

type testServer struct {
	s      *Server
	router *gin.Engine
	exec   *runloop.Manual
	dir    string
}

func newTestServer(t *testing.T, store recordStore) *testServer {
	t.Helper()
	dir := t.TempDir()
	exec := runloop.NewManual(time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC))
	hub := events.NewEventHub()
	m := metrics.New(prometheus.NewRegistry())
	conf := config.NewFileFromConfig(nil, filepath.Join(dir, "ircal.json"))

	orch, err := orchestrator.New(exec, simDevices(clock.NewMock()), optionsFromConfig(conf), hub, m)
	require.NoError(t, err)

	s := newServer(orch, conf, hub, m, store)
	t.Cleanup(s.scheduler.Stop)
	return &testServer{s: s, router: s.setupRoutes(), exec: exec, dir: dir}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) status(t *testing.T) calibration.Status {
	t.Helper()
	w := ts.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st calibration.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	return st
}

func TestRunLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/run/start", testPlan)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "3 points x 2 sensors")

	st := ts.status(t)
	assert.Equal(t, calibration.StateRunning, st.State)
	assert.Equal(t, calibration.StageStabilityCheck, st.Stage)
	assert.Equal(t, 3, st.TotalPoints)
	assert.Equal(t, "chamber-25", st.EnvironmentLabel)

	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/run/start", testPlan).Code)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/run/resume", "").Code)

	assert.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/run/pause", "").Code)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/run/pause", "").Code)
	assert.Equal(t, calibration.StatePaused, ts.status(t).State)

	assert.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/run/resume", "").Code)
	assert.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/run/cancel", "").Code)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, "/run/cancel", "").Code)

	ts.exec.Advance(time.Second)
	assert.Equal(t, calibration.StateIdle, ts.status(t).State)
}

func TestStartRejectsBadPlans(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not yaml", "modeling: [35"},
		{"no points", "tasks: [{channel: COM3, position: 1}]"},
		{"no tasks", "modeling: [35]"},
		{"position out of range", "modeling: [35]\ntasks: [{channel: COM3, position: 11}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/run/start", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, calibration.StateIdle, ts.status(t).State)
}

func TestRecordsRoute(t *testing.T) {
	w, err := report.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	records := []calibration.Record{{
		PointIndex:       0,
		Target:           35,
		ReferenceAverage: 35.01,
		MeasuredAt:       time.Date(2024, 3, 1, 10, 6, 0, 0, time.UTC),
		ChannelID:        "COM3",
		Position:         1,
		Category:         calibration.CategoryModeling,
		Reading:          calibration.Reading{DeviceType: "sim"},
	}}
	require.NoError(t, w.Write(context.Background(), "measurement_record_test", records, true))

	ts := newTestServer(t, w)

	resp := ts.do(http.MethodGet, "/run/records", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, "[]", resp.Body.String())

	resp = ts.do(http.MethodGet, "/run/records?report=measurement_record_test", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var got []calibration.Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "COM3", got[0].ChannelID)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/run/records?report=missing", "").Code)

	resp = ts.do(http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list []report.Summary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Final)
}

func TestRecordsRouteWithoutStorage(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/run/records?report=x", "").Code)
	resp := ts.do(http.MethodGet, "/reports", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, "[]", resp.Body.String())
}

func TestScheduleRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	planPath := filepath.Join(ts.dir, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(testPlan), 0644))

	assert.Equal(t, http.StatusBadRequest,
		ts.do(http.MethodPut, "/schedule", `{"cron": "0 2 * * *", "plan": "/does/not/exist.yaml"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do(http.MethodPut, "/schedule", `{"cron": "whenever", "plan": "`+planPath+`"}`).Code)

	w := ts.do(http.MethodPut, "/schedule", `{"cron": "0 2 * * *", "plan": "`+planPath+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp ScheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.NextRuns, 3)

	assert.Equal(t, "0 2 * * *", ts.s.conf.Schedule())
	assert.Equal(t, planPath, ts.s.conf.PlanPath())
	assert.FileExists(t, filepath.Join(ts.dir, "ircal.json"))
	assert.False(t, ts.status(t).ScheduledAt.IsZero())

	assert.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/schedule/skip", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/schedule/postpone", `{"duration": "soon"}`).Code)
	assert.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/schedule/postpone", `{"duration": "10m"}`).Code)

	w = ts.do(http.MethodPut, "/schedule", `{"cron": ""}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, ts.s.conf.Schedule())
}

func TestScheduledRunStartsFromPlan(t *testing.T) {
	ts := newTestServer(t, nil)
	planPath := filepath.Join(ts.dir, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(testPlan), 0644))
	ts.s.conf.SetSchedule("0 2 * * *", planPath)

	require.NoError(t, ts.s.readyForSchedule())
	require.NoError(t, ts.s.runScheduled())
	assert.Equal(t, calibration.StateRunning, ts.status(t).State)
	assert.Error(t, ts.s.readyForSchedule())
}

func TestInfoRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"`+version.Version+`"`, w.Body.String())

	w = ts.do(http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	var raw config.RawFileConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	require.NotNil(t, raw.StabilityWindow)
	assert.Equal(t, 150, *raw.StabilityWindow)

	w = ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ircal_http_requests_total")
}

type closeNotifyingRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyingRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := &closeNotifyingRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.router.ServeHTTP(w, req)
	}()

	require.Eventually(t, func() bool { return ts.s.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	ts.s.hub.Publish(events.RunOperation, events.RunOperationEvent{Message: "hello", Ts: 1})
	ts.s.hub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("event stream did not end after the hub closed")
	}
	body := w.Body.String()
	assert.Contains(t, body, "event:run.operation")
	assert.Contains(t, body, `"message":"hello"`)
}
