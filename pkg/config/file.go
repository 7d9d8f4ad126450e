package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/sequencer"
	"github.com/ircal/ircal/pkg/stability"
	"github.com/ircal/ircal/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		StabilityWindow:             ptr.To(stability.DefaultWindowSize),
		MaxDeviation:                ptr.To(stability.DefaultMaxDeviation),
		MaxFluctuation:              ptr.To(stability.DefaultMaxFluctuation),
		SampleIntervalSeconds:       ptr.To(2.0),
		SettleSeconds:               ptr.To(300.0),
		SettleSampleIntervalSeconds: ptr.To(1.0),
		SettleBufferSize:            ptr.To(60),
		MoveTimeoutSeconds:          ptr.To(sequencer.DefaultMoveTimeout.Seconds()),
		AnglePerSlot:                ptr.To(sequencer.DefaultAnglePerSlot),
		MinuteAlignment:             ptr.To(true),
		PointAdvanceDelaySeconds:    ptr.To(5.0),
		CancelGraceSeconds:          ptr.To(1.0),
		FinishGraceSeconds:          ptr.To(2.0),
		ReportDatabase:              ptr.To("/var/lib/ircal/reports.db"),
		MQTTBroker:                  ptr.To(""),
		MQTTTopicPrefix:             ptr.To("ircal"),
		Schedule:                    ptr.To(""),
		PlanPath:                    ptr.To(""),
		AllowNonRootAccess:          ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// RawFileConfig is the on-disk form. A nil field falls back to its default.
// Durations are stored as seconds.
type RawFileConfig struct {
	StabilityWindow             *int     `json:"stabilityWindow,omitempty"`
	MaxDeviation                *float64 `json:"maxDeviation,omitempty"`
	MaxFluctuation              *float64 `json:"maxFluctuation,omitempty"`
	SampleIntervalSeconds       *float64 `json:"sampleIntervalSeconds,omitempty"`
	SettleSeconds               *float64 `json:"settleSeconds,omitempty"`
	SettleSampleIntervalSeconds *float64 `json:"settleSampleIntervalSeconds,omitempty"`
	SettleBufferSize            *int     `json:"settleBufferSize,omitempty"`
	MoveTimeoutSeconds          *float64 `json:"moveTimeoutSeconds,omitempty"`
	AnglePerSlot                *float64 `json:"anglePerSlot,omitempty"`
	MinuteAlignment             *bool    `json:"minuteAlignment,omitempty"`
	PointAdvanceDelaySeconds    *float64 `json:"pointAdvanceDelaySeconds,omitempty"`
	CancelGraceSeconds          *float64 `json:"cancelGraceSeconds,omitempty"`
	FinishGraceSeconds          *float64 `json:"finishGraceSeconds,omitempty"`

	ReportDatabase     *string `json:"reportDatabase,omitempty"`
	MQTTBroker         *string `json:"mqttBroker,omitempty"`
	MQTTTopicPrefix    *string `json:"mqttTopicPrefix,omitempty"`
	Schedule           *string `json:"schedule,omitempty"`
	PlanPath           *string `json:"planPath,omitempty"`
	AllowNonRootAccess *bool   `json:"allowNonRootAccess,omitempty"`
}

// Validate checks the values that are set. Unset values use defaults and
// are always valid.
func (c *RawFileConfig) Validate() error {
	if c.StabilityWindow != nil && *c.StabilityWindow < 1 {
		return pkgerrors.Errorf("stabilityWindow must be at least 1, got %d", *c.StabilityWindow)
	}
	if c.SettleBufferSize != nil && *c.SettleBufferSize < 1 {
		return pkgerrors.Errorf("settleBufferSize must be at least 1, got %d", *c.SettleBufferSize)
	}
	if c.AnglePerSlot != nil {
		if err := sequencer.ValidateAnglePerSlot(*c.AnglePerSlot); err != nil {
			return pkgerrors.Wrapf(err, "anglePerSlot %v", *c.AnglePerSlot)
		}
	}
	positive := map[string]*float64{
		"maxDeviation":                c.MaxDeviation,
		"maxFluctuation":              c.MaxFluctuation,
		"sampleIntervalSeconds":       c.SampleIntervalSeconds,
		"settleSeconds":               c.SettleSeconds,
		"settleSampleIntervalSeconds": c.SettleSampleIntervalSeconds,
		"moveTimeoutSeconds":          c.MoveTimeoutSeconds,
		"cancelGraceSeconds":          c.CancelGraceSeconds,
		"finishGraceSeconds":          c.FinishGraceSeconds,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return pkgerrors.Errorf("%s must be positive, got %v", name, *v)
		}
	}
	if c.PointAdvanceDelaySeconds != nil && *c.PointAdvanceDelaySeconds < 0 {
		return pkgerrors.Errorf("pointAdvanceDelaySeconds must not be negative, got %v", *c.PointAdvanceDelaySeconds)
	}
	return nil
}

func get[T any](f *File, pick func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if v := pick(f.c); v != nil {
		return *v
	}
	return *pick(defaultFileConfig)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (f *File) StabilityWindow() int {
	return get(f, func(c *RawFileConfig) *int { return c.StabilityWindow })
}

func (f *File) MaxDeviation() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MaxDeviation })
}

func (f *File) MaxFluctuation() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MaxFluctuation })
}

func (f *File) SampleInterval() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.SampleIntervalSeconds }))
}

func (f *File) SettleDuration() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.SettleSeconds }))
}

func (f *File) SettleSampleInterval() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.SettleSampleIntervalSeconds }))
}

func (f *File) SettleBufferSize() int {
	return get(f, func(c *RawFileConfig) *int { return c.SettleBufferSize })
}

func (f *File) MoveTimeout() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.MoveTimeoutSeconds }))
}

func (f *File) AnglePerSlot() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.AnglePerSlot })
}

func (f *File) MinuteAlignment() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.MinuteAlignment })
}

func (f *File) PointAdvanceDelay() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.PointAdvanceDelaySeconds }))
}

func (f *File) CancelGrace() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.CancelGraceSeconds }))
}

func (f *File) FinishGrace() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.FinishGraceSeconds }))
}

func (f *File) ReportDatabase() string {
	return get(f, func(c *RawFileConfig) *string { return c.ReportDatabase })
}

// MQTTBroker is the broker URL events are bridged to. Empty disables the
// bridge.
func (f *File) MQTTBroker() string {
	return get(f, func(c *RawFileConfig) *string { return c.MQTTBroker })
}

func (f *File) MQTTTopicPrefix() string {
	return get(f, func(c *RawFileConfig) *string { return c.MQTTTopicPrefix })
}

// Schedule is the cron spec for unattended runs. Empty means disabled.
func (f *File) Schedule() string {
	return get(f, func(c *RawFileConfig) *string { return c.Schedule })
}

// PlanPath is the plan file scheduled runs start from.
func (f *File) PlanPath() string {
	return get(f, func(c *RawFileConfig) *string { return c.PlanPath })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) SetMinuteAlignment(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.MinuteAlignment = &b
}

func (f *File) SetSchedule(spec, planPath string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Schedule = &spec
	f.c.PlanPath = &planPath
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file means all defaults. f.c must not stay nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// json.Decoder cannot tell an empty file from a broken one.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	if err := conf.Validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config in file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

// Raw returns a fully populated copy with defaults filled in, for display.
func (f *File) Raw() RawFileConfig {
	return RawFileConfig{
		StabilityWindow:             ptr.To(f.StabilityWindow()),
		MaxDeviation:                ptr.To(f.MaxDeviation()),
		MaxFluctuation:              ptr.To(f.MaxFluctuation()),
		SampleIntervalSeconds:       ptr.To(f.SampleInterval().Seconds()),
		SettleSeconds:               ptr.To(f.SettleDuration().Seconds()),
		SettleSampleIntervalSeconds: ptr.To(f.SettleSampleInterval().Seconds()),
		SettleBufferSize:            ptr.To(f.SettleBufferSize()),
		MoveTimeoutSeconds:          ptr.To(f.MoveTimeout().Seconds()),
		AnglePerSlot:                ptr.To(f.AnglePerSlot()),
		MinuteAlignment:             ptr.To(f.MinuteAlignment()),
		PointAdvanceDelaySeconds:    ptr.To(f.PointAdvanceDelay().Seconds()),
		CancelGraceSeconds:          ptr.To(f.CancelGrace().Seconds()),
		FinishGraceSeconds:          ptr.To(f.FinishGrace().Seconds()),
		ReportDatabase:              ptr.To(f.ReportDatabase()),
		MQTTBroker:                  ptr.To(f.MQTTBroker()),
		MQTTTopicPrefix:             ptr.To(f.MQTTTopicPrefix()),
		Schedule:                    ptr.To(f.Schedule()),
		PlanPath:                    ptr.To(f.PlanPath()),
		AllowNonRootAccess:          ptr.To(f.AllowNonRootAccess()),
	}
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"stabilityWindow":    f.StabilityWindow(),
		"maxDeviation":       f.MaxDeviation(),
		"maxFluctuation":     f.MaxFluctuation(),
		"settleDuration":     f.SettleDuration(),
		"moveTimeout":        f.MoveTimeout(),
		"minuteAlignment":    f.MinuteAlignment(),
		"reportDatabase":     f.ReportDatabase(),
		"mqttBroker":         f.MQTTBroker(),
		"schedule":           f.Schedule(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
	}
}
