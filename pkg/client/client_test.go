package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/events"
)

// serveUnix serves h on a unix socket and returns a client for it.
func serveUnix(t *testing.T, h http.Handler) *Client {
	t.Helper()
	// Unix socket paths are length limited, so avoid the long test dir.
	dir, err := os.MkdirTemp("", "ircal")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sock := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(h)
	_ = srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)

	return NewClient(sock)
}

func TestClientRunCommands(t *testing.T) {
	var gotPlan string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run/start", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotPlan = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`"calibration started: 1 points x 1 sensors"`))
	})
	mux.HandleFunc("POST /run/pause", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`"calibration is not running"`))
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state": "Running", "stage": "SettlingAndSampling", "totalPoints": 3, "remainingSeconds": 120}`))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`"v1.2.3"`))
	})
	c := serveUnix(t, mux)

	msg, err := c.StartRun([]byte("modeling: [35]"))
	require.NoError(t, err)
	assert.Equal(t, "calibration started: 1 points x 1 sensors", msg)
	assert.Equal(t, "modeling: [35]", gotPlan)

	_, err = c.PauseRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 409")

	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, calibration.StateRunning, st.State)
	assert.Equal(t, calibration.StageSettlingAndSampling, st.Stage)
	assert.Equal(t, 120, st.RemainingSecs)

	v, err := c.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", v)

	_, err = c.GetRecords("nope")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestClientSchedule(t *testing.T) {
	next := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /schedule", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"cron": "0 2 * * *", "plan": "/etc/ircal/plan.yaml"}`, string(b))
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"cron": "0 2 * * *", "plan": "/etc/ircal/plan.yaml", "nextRuns": ["%s"]}`, next.Format(time.RFC3339))
	})
	mux.HandleFunc("POST /schedule/postpone", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"duration": "30m0s"}`, string(b))
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `"%s"`, next.Add(30*time.Minute).Format(time.RFC3339))
	})
	c := serveUnix(t, mux)

	s, err := c.SetSchedule("0 2 * * *", "/etc/ircal/plan.yaml")
	require.NoError(t, err)
	require.Len(t, s.NextRuns, 1)
	assert.True(t, s.NextRuns[0].Equal(next))

	at, err := c.PostponeSchedule(30 * time.Minute)
	require.NoError(t, err)
	assert.True(t, at.Equal(next.Add(30*time.Minute)))
}

func TestClientDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.GetVersion()
	assert.True(t, errors.Is(err, ErrDaemonNotRunning), "got %v", err)
}

func TestReadEvents(t *testing.T) {
	stream := "event:run.state\ndata:{\"from\":\"Idle\",\"to\":\"Running\"}\n\n" +
		": comment\n" +
		"event: run.error\ndata: {\"message\":\"x\"}\n\n"
	out := make(chan events.Event, 4)
	require.NoError(t, readEvents(context.Background(), bufio.NewScanner(strings.NewReader(stream)), out))
	close(out)

	var got []events.Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, events.RunState, got[0].Name)
	st, err := events.DecodeAs[events.RunStateEvent](got[0])
	require.NoError(t, err)
	assert.Equal(t, "Running", st.To)
	assert.Equal(t, events.RunError, got[1].Name)
	assert.JSONEq(t, `{"message":"x"}`, string(got[1].Data))
}
