package orchestrator

import (
	"time"

	"github.com/ircal/ircal/pkg/sequencer"
	"github.com/ircal/ircal/pkg/stability"
	"github.com/ircal/ircal/pkg/timing"
)

// Options holds every tunable of a run. The zero value of a field means its
// default.
type Options struct {
	Stability stability.Options

	// SampleInterval is the stability sampling cadence.
	SampleInterval       time.Duration
	SettleDuration       time.Duration
	SettleSampleInterval time.Duration
	SettleBufferSize     int

	MoveTimeout  time.Duration
	AnglePerSlot float64

	// MinuteAlignment delays formal measurement to the next wall-clock
	// minute after stability.
	MinuteAlignment bool

	PointAdvanceDelay time.Duration
	CancelGrace       time.Duration
	FinishGrace       time.Duration
	CountdownInterval time.Duration

	// MaxReadingRequests bounds how often a reading is requested for one
	// task when the averaging service answers for another channel. The
	// default of 1 commits an empty record on the first mismatch.
	MaxReadingRequests int
}

func DefaultOptions() Options {
	return Options{
		Stability: stability.Options{
			WindowSize:     stability.DefaultWindowSize,
			MaxDeviation:   stability.DefaultMaxDeviation,
			MaxFluctuation: stability.DefaultMaxFluctuation,
		},
		SampleInterval:       2 * time.Second,
		SettleDuration:       5 * time.Minute,
		SettleSampleInterval: time.Second,
		SettleBufferSize:     timing.DefaultSettleBufferSize,
		MoveTimeout:          sequencer.DefaultMoveTimeout,
		AnglePerSlot:         sequencer.DefaultAnglePerSlot,
		MinuteAlignment:      true,
		PointAdvanceDelay:    5 * time.Second,
		CancelGrace:          time.Second,
		FinishGrace:          2 * time.Second,
		CountdownInterval:    timing.DefaultTickInterval,
		MaxReadingRequests:   1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SampleInterval <= 0 {
		o.SampleInterval = d.SampleInterval
	}
	if o.SettleDuration <= 0 {
		o.SettleDuration = d.SettleDuration
	}
	if o.SettleSampleInterval <= 0 {
		o.SettleSampleInterval = d.SettleSampleInterval
	}
	if o.SettleBufferSize <= 0 {
		o.SettleBufferSize = d.SettleBufferSize
	}
	if o.MoveTimeout <= 0 {
		o.MoveTimeout = d.MoveTimeout
	}
	if o.AnglePerSlot == 0 {
		o.AnglePerSlot = d.AnglePerSlot
	}
	if o.PointAdvanceDelay < 0 {
		o.PointAdvanceDelay = 0
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = d.CancelGrace
	}
	if o.FinishGrace <= 0 {
		o.FinishGrace = d.FinishGrace
	}
	if o.CountdownInterval <= 0 {
		o.CountdownInterval = d.CountdownInterval
	}
	if o.MaxReadingRequests <= 0 {
		o.MaxReadingRequests = d.MaxReadingRequests
	}
	return o
}
