package calibration

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// State defines the top-level states of a calibration run.
type State string

const (
	StateIdle      State = "Idle"
	StateRunning   State = "Running"
	StatePaused    State = "Paused"
	StateCanceling State = "Canceling"
	StateFinished  State = "Finished"
)

// Stage defines what a running calibration is currently waiting on.
// Exactly one stage is active at a time, and it is the unit that pause
// and resume operate on.
type Stage string

const (
	StageNone                      Stage = "None"
	StageStabilityCheck            Stage = "StabilityCheck"
	StageWaitingForMinuteAlignment Stage = "WaitingForMinuteAlignment"
	StagePositionerMoving          Stage = "PositionerMoving"
	StageSettlingAndSampling       Stage = "SettlingAndSampling"
)

// Action defines user actions for a calibration run.
type Action string

const (
	ActionStart            Action = "Start"
	ActionPause            Action = "Pause"
	ActionResume           Action = "Resume"
	ActionCancel           Action = "Cancel"
	ActionSchedule         Action = "Schedule"
	ActionScheduleDisable  Action = "DisableSchedule"
	ActionSchedulePostpone Action = "PostponeSchedule"
	ActionScheduleSkip     Action = "SkipSchedule"
)

// Category tags a temperature point with its purpose in the report.
type Category string

const (
	CategoryModeling     Category = "Modeling"
	CategoryVerification Category = "Verification"
)

// DefaultEnvironmentTarget is used for points that have no explicit
// environment chamber target.
const DefaultEnvironmentTarget = 25.0

// TemperaturePoint is a single reference temperature to calibrate at.
type TemperaturePoint struct {
	Target            float64  `json:"target" yaml:"target"`
	Category          Category `json:"category" yaml:"category"`
	EnvironmentTarget float64  `json:"environmentTarget" yaml:"environmentTarget"`
}

// SensorTask binds a sensor channel to a physical positioner slot (1..N).
type SensorTask struct {
	ChannelID string `json:"channelId" yaml:"channel"`
	Position  int    `json:"position" yaml:"position"`
}

// SortTasks returns a copy of tasks ordered by physical position, so the
// positioner sweeps monotonically. Equal positions keep their input order.
func SortTasks(tasks []SensorTask) []SensorTask {
	sorted := make([]SensorTask, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	return sorted
}

// ChannelAverages is one (primary, ambient, secondary) triple reported by
// the averaging service. NaN marks a channel without data.
type ChannelAverages struct {
	Primary   float64 `json:"primary"`
	Ambient   float64 `json:"ambient"`
	Secondary float64 `json:"secondary"`
}

type channelAveragesJSON struct {
	Primary   *float64 `json:"primary"`
	Ambient   *float64 `json:"ambient"`
	Secondary *float64 `json:"secondary"`
}

// MarshalJSON encodes channels without data as null.
func (c ChannelAverages) MarshalJSON() ([]byte, error) {
	return json.Marshal(channelAveragesJSON{
		Primary:   finiteOrNil(c.Primary),
		Ambient:   finiteOrNil(c.Ambient),
		Secondary: finiteOrNil(c.Secondary),
	})
}

func (c *ChannelAverages) UnmarshalJSON(b []byte) error {
	var v channelAveragesJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	c.Primary = nilToNaN(v.Primary)
	c.Ambient = nilToNaN(v.Ambient)
	c.Secondary = nilToNaN(v.Secondary)
	return nil
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func nilToNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// MaxChannelSets is the most ChannelAverages sets a Reading carries.
const MaxChannelSets = 3

// Reading is an averaged sensor reading for one channel.
type Reading struct {
	// ChannelID is the channel the averaging service answered for. Empty
	// means the service does not tag its answers.
	ChannelID  string            `json:"channelId,omitempty"`
	DeviceType string            `json:"deviceType"`
	Sets       []ChannelAverages `json:"sets"`
}

// Record is a single measurement result. One record is produced per
// (point, sensor task) pair and never modified afterwards.
type Record struct {
	PointIndex       int       `json:"pointIndex"`
	Target           float64   `json:"target"`
	ReferenceAverage float64   `json:"referenceAverage"`
	MeasuredAt       time.Time `json:"measuredAt"`
	ChannelID        string    `json:"channelId"`
	Position         int       `json:"position"`
	Category         Category  `json:"category"`
	EnvironmentLabel string    `json:"environmentLabel"`
	Reading          Reading   `json:"reading"`
}

// Status is a synthesized view model exposed via the HTTP API and the CLI.
// It derives from the orchestrator state plus the active wait, if any.
type Status struct {
	State            State     `json:"state"`
	Stage            Stage     `json:"stage"`
	RunID            string    `json:"runId,omitempty"`
	ReportID         string    `json:"reportId,omitempty"`
	EnvironmentLabel string    `json:"environmentLabel,omitempty"`
	PointIndex       int       `json:"pointIndex"`
	TotalPoints      int       `json:"totalPoints"`
	TaskIndex        int       `json:"taskIndex"`
	TotalTasks       int       `json:"totalTasks"`
	Progress         int       `json:"progress"`
	RemainingSecs    int       `json:"remainingSeconds"`
	CountdownLabel   string    `json:"countdownLabel,omitempty"`
	ReferenceValue   float64   `json:"referenceValue"`
	Records          int       `json:"records"`
	StartedAt        time.Time `json:"startedAt"`
	CanPause         bool      `json:"canPause"`
	CanResume        bool      `json:"canResume"`
	CanCancel        bool      `json:"canCancel"`
	Operation        string    `json:"operation"`
	LastError        string    `json:"lastError,omitempty"`
	ScheduledAt      time.Time `json:"scheduledAt,omitempty"`
}
