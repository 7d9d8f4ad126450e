package config

import "time"

type Config interface {
	StabilityWindow() int
	MaxDeviation() float64
	MaxFluctuation() float64
	SampleInterval() time.Duration
	SettleDuration() time.Duration
	SettleSampleInterval() time.Duration
	SettleBufferSize() int
	MoveTimeout() time.Duration
	AnglePerSlot() float64
	MinuteAlignment() bool
	PointAdvanceDelay() time.Duration
	CancelGrace() time.Duration
	FinishGrace() time.Duration

	ReportDatabase() string
	MQTTBroker() string
	MQTTTopicPrefix() string
	Schedule() string
	PlanPath() string
	AllowNonRootAccess() bool

	SetMinuteAlignment(bool)
	SetSchedule(spec, planPath string)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
