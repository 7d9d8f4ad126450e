package events

import "encoding/json"

// Event name constants
const (
	RunState     = "run.state"
	RunOperation = "run.operation"
	RunProgress  = "run.progress"
	RunCountdown = "run.countdown"
	RunFinished  = "run.finished"
	RunError     = "run.error"
	RunAction    = "run.action"
	Measurement  = "run.measurement"
)

// Names lists every event the daemon publishes.
var Names = []string{
	RunState, RunOperation, RunProgress, RunCountdown,
	RunFinished, RunError, RunAction, Measurement,
}

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// RunStateEvent is the typed payload for run.state.
type RunStateEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// RunOperationEvent carries the human-readable current operation.
type RunOperationEvent struct {
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

type RunProgressEvent struct {
	Percent    int `json:"percent"`
	PointIndex int `json:"pointIndex"`
	Total      int `json:"total"`
}

// RunCountdownEvent is advisory and published about once a second while a
// wait is running.
type RunCountdownEvent struct {
	RemainingSeconds int    `json:"remainingSeconds"`
	Label            string `json:"label"`
}

// RunFinishedEvent is published once per normally completed run. Records
// holds the full ordered record sequence.
type RunFinishedEvent struct {
	RunID    string          `json:"runId"`
	ReportID string          `json:"reportId"`
	Records  json.RawMessage `json:"records"`
	Ts       int64           `json:"ts"`
}

type RunErrorEvent struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
	Ts      int64  `json:"ts"`
}

// RunActionEvent is published for every operator (or scheduler) action.
type RunActionEvent struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// MeasurementEvent marks acquisition starting or stopping on a channel.
type MeasurementEvent struct {
	ChannelID string `json:"channelId"`
	Active    bool   `json:"active"`
	Ts        int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.RunStateEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
