package client

import (
	"encoding/json"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/config"
	"github.com/ircal/ircal/pkg/report"
)

// Schedule is the daemon's answer to a schedule change.
type Schedule struct {
	Cron     string      `json:"cron"`
	Plan     string      `json:"plan,omitempty"`
	NextRuns []time.Time `json:"nextRuns"`
}

func (c *Client) GetStatus() (*calibration.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration status")
	}
	var st calibration.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration status")
	}
	return &st, nil
}

// StartRun starts a run from a YAML or JSON plan.
func (c *Client) StartRun(plan []byte) (string, error) {
	ret, err := c.Post("/run/start", string(plan))
	if err != nil {
		return "", err
	}
	return unquote(ret), nil
}

func (c *Client) PauseRun() (string, error) {
	ret, err := c.Post("/run/pause", "")
	if err != nil {
		return "", err
	}
	return unquote(ret), nil
}

func (c *Client) ResumeRun() (string, error) {
	ret, err := c.Post("/run/resume", "")
	if err != nil {
		return "", err
	}
	return unquote(ret), nil
}

func (c *Client) CancelRun() (string, error) {
	ret, err := c.Post("/run/cancel", "")
	if err != nil {
		return "", err
	}
	return unquote(ret), nil
}

// GetRecords returns the records of the current run, or of a stored report
// when reportID is set.
func (c *Client) GetRecords(reportID string) ([]calibration.Record, error) {
	path := "/run/records"
	if reportID != "" {
		path += "?report=" + url.QueryEscape(reportID)
	}
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get records")
	}
	var records []calibration.Record
	if err := json.Unmarshal([]byte(ret), &records); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal records")
	}
	return records, nil
}

func (c *Client) ListReports() ([]report.Summary, error) {
	ret, err := c.Get("/reports")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list reports")
	}
	var list []report.Summary
	if err := json.Unmarshal([]byte(ret), &list); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal reports")
	}
	return list, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

// SetSchedule sets the cron schedule of unattended runs. An empty cron
// disables it; an empty planPath keeps the configured plan.
func (c *Client) SetSchedule(cron, planPath string) (*Schedule, error) {
	payload, err := json.Marshal(map[string]string{"cron": cron, "plan": planPath})
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	var s Schedule
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &s, nil
}

func (c *Client) PostponeSchedule(d time.Duration) (time.Time, error) {
	payload, err := json.Marshal(map[string]string{"duration": d.String()})
	if err != nil {
		return time.Time{}, err
	}
	ret, err := c.Post("/schedule/postpone", string(payload))
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to postpone schedule")
	}
	return parseTime(ret)
}

func (c *Client) SkipSchedule() (time.Time, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to skip schedule")
	}
	return parseTime(ret)
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}

// unquote strips the JSON string quoting of plain-text answers. Anything that
// is not a JSON string is returned as is.
func unquote(s string) string {
	var v string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func parseTime(s string) (time.Time, error) {
	var t time.Time
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to parse time %s", s)
	}
	return t, nil
}
