// Package orchestrator runs calibration: one temperature point at a time it
// waits for the reference to stabilize, aligns to the next minute, visits
// every sensor position and records an averaged reading per position.
//
// All run state is owned by a single runloop.Executor. Public methods may be
// called from any goroutine; they hop onto the loop with Executor.Call.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/device"
	"github.com/ircal/ircal/pkg/events"
	"github.com/ircal/ircal/pkg/metrics"
	"github.com/ircal/ircal/pkg/report"
	"github.com/ircal/ircal/pkg/runloop"
	"github.com/ircal/ircal/pkg/sequencer"
	"github.com/ircal/ircal/pkg/stability"
	"github.com/ircal/ircal/pkg/timing"
)

// Publisher receives run events. *events.EventHub satisfies it.
type Publisher interface {
	Publish(name string, payload any)
}

// Devices are the collaborators of a run. Reports may be nil.
type Devices struct {
	Reference   device.Thermal
	Environment device.Environment
	Positioner  device.Positioner
	Averager    device.Averager
	Reports     report.Writer
}

// Device I/O queues. Work issued on one queue reaches its device in issue
// order, so a shutdown command always lands after the commands before it.
const (
	queueReference   = "reference"
	queueEnvironment = "environment"
	queuePositioner  = "positioner"
	queueAverager    = "averager"
	queueReports     = "reports"
)

type deviceStep struct {
	queue string
	name  string
	fn    func(ctx context.Context) error
}

var allStages = []string{
	string(calibration.StageNone),
	string(calibration.StageStabilityCheck),
	string(calibration.StageWaitingForMinuteAlignment),
	string(calibration.StagePositionerMoving),
	string(calibration.StageSettlingAndSampling),
}

type Orchestrator struct {
	exec    runloop.Executor
	dev     Devices
	opts    Options
	pub     Publisher
	metrics *metrics.Metrics

	detector      *stability.Detector
	sampler       *timing.Periodic
	settleSampler *timing.Periodic
	buffer        *timing.SettleBuffer
	waits         *timing.Supervisor
	seq           *sequencer.Sequencer

	// Everything below is owned by the loop.

	state      calibration.State
	stage      calibration.Stage
	tasks      []calibration.SensorTask
	points     []calibration.TemperaturePoint
	pointIndex int
	envLabel   string
	runID      string
	reportID   string
	startedAt  time.Time
	progress   int
	operation  string
	lastError  string

	records      []calibration.Record
	pointRecords []calibration.Record

	// runGen changes whenever a run starts or ends, stageGen whenever the
	// active stage changes. Completions carry the values they were issued
	// under and are dropped on mismatch.
	runGen   uint64
	stageGen uint64

	ctx       context.Context
	cancelRun context.CancelFunc

	starting       bool
	advancePending bool
	readingPending bool
	readingTries   int
	sampling       bool
	settleTask     calibration.SensorTask
	pointStartedAt time.Time
	lastReason     string

	// Completions that arrived while paused, replayed on resume.
	stashed []func()
	grace   runloop.Timer

	pendingOpts *Options
}

// New builds an Orchestrator. pub and m may be nil.
func New(exec runloop.Executor, dev Devices, opts Options, pub Publisher, m *metrics.Metrics) (*Orchestrator, error) {
	if dev.Reference == nil || dev.Environment == nil || dev.Positioner == nil || dev.Averager == nil {
		return nil, errors.New("reference, environment, positioner and averager are all required")
	}
	o := &Orchestrator{
		exec:    exec,
		dev:     dev,
		pub:     pub,
		metrics: m,
		state:   calibration.StateIdle,
		stage:   calibration.StageNone,
		ctx:     context.Background(),
	}
	if err := o.configure(opts); err != nil {
		return nil, err
	}

	dev.Positioner.OnArrived(o.Arrived)

	return o, nil
}

// configure builds the run components from opts. Nothing is replaced if
// opts are invalid or the configured tasks no longer fit.
func (o *Orchestrator) configure(opts Options) error {
	opts = opts.withDefaults()
	seq, err := o.newSequencer(opts)
	if err != nil {
		return err
	}

	o.opts = opts
	o.seq = seq
	o.detector = stability.NewDetector(opts.Stability)
	o.buffer = timing.NewSettleBuffer(opts.SettleBufferSize)
	o.sampler = timing.NewPeriodic(o.exec, opts.SampleInterval, o.onStabilitySample)
	o.settleSampler = timing.NewPeriodic(o.exec, opts.SettleSampleInterval, o.onSettleSample)
	o.waits = timing.NewSupervisor(o.exec, opts.CountdownInterval, o.onTick)
	return nil
}

// newSequencer builds a sequencer for opts and checks that every configured
// task has a slot.
func (o *Orchestrator) newSequencer(opts Options) (*sequencer.Sequencer, error) {
	seq, err := sequencer.New(o.exec, sequencer.Options{
		AnglePerSlot: opts.AnglePerSlot,
		MoveTimeout:  opts.MoveTimeout,
	}, sequencer.Hooks{
		Move:     o.onMove,
		Settle:   o.onSettle,
		Complete: o.onQueueComplete,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range o.tasks {
		if t.Position > seq.Slots() {
			return nil, errors.Wrapf(ErrInvalidTask, "channel %s: position %d outside 1..%d", t.ChannelID, t.Position, seq.Slots())
		}
	}
	return seq, nil
}

// Reconfigure replaces the run options. While a run is active the options
// are checked at once and applied when the run ends.
func (o *Orchestrator) Reconfigure(opts Options) error {
	var err error
	o.exec.Call(func() {
		if o.active() {
			if _, err = o.newSequencer(opts.withDefaults()); err != nil {
				return
			}
			o.pendingOpts = &opts
			logrus.Info("calibration options will be updated after the active run")
			return
		}
		o.pendingOpts = nil
		err = o.configure(opts)
		if err == nil {
			logrus.Info("calibration options updated")
		}
	})
	return err
}

// applyPendingOptions installs options deferred by Reconfigure. It runs
// once the run components are stopped.
func (o *Orchestrator) applyPendingOptions() {
	if o.pendingOpts == nil {
		return
	}
	opts := *o.pendingOpts
	o.pendingOpts = nil
	if err := o.configure(opts); err != nil {
		logrus.WithError(err).Error("failed to update calibration options")
		return
	}
	logrus.Info("calibration options updated")
}

// SetTasks configures the sensor task queue. Tasks are sorted by position
// once, here. It fails while a run is active.
func (o *Orchestrator) SetTasks(tasks []calibration.SensorTask) error {
	var err error
	o.exec.Call(func() {
		if o.active() {
			err = ErrAlreadyRunning
			return
		}
		err = o.setTasks(tasks)
	})
	return err
}

func (o *Orchestrator) setTasks(tasks []calibration.SensorTask) error {
	sorted, err := o.checkTasks(tasks)
	if err != nil {
		return err
	}
	o.tasks = sorted
	logrus.WithField("tasks", len(o.tasks)).Info("sensor tasks configured")
	return nil
}

// checkTasks validates tasks against the positioner slots and returns them
// in visiting order.
func (o *Orchestrator) checkTasks(tasks []calibration.SensorTask) ([]calibration.SensorTask, error) {
	slots := o.seq.Slots()
	seen := map[string]bool{}
	for _, t := range tasks {
		if t.ChannelID == "" {
			return nil, errors.Wrap(ErrInvalidTask, "empty channel")
		}
		if t.Position < 1 || t.Position > slots {
			return nil, errors.Wrapf(ErrInvalidTask, "channel %s: position %d outside 1..%d", t.ChannelID, t.Position, slots)
		}
		if seen[t.ChannelID] {
			return nil, errors.Wrapf(ErrInvalidTask, "channel %s listed twice", t.ChannelID)
		}
		seen[t.ChannelID] = true
	}
	return calibration.SortTasks(tasks), nil
}

// Tasks returns the configured task queue in visiting order.
func (o *Orchestrator) Tasks() []calibration.SensorTask {
	var out []calibration.SensorTask
	o.exec.Call(func() {
		out = append(out, o.tasks...)
	})
	return out
}

// Start begins a run over points. Configuration problems are returned
// without changing any state.
func (o *Orchestrator) Start(points []calibration.TemperaturePoint, environmentLabel string) error {
	var err error
	o.exec.Call(func() {
		err = o.start(points, environmentLabel)
	})
	return err
}

// StartWith configures tasks and begins a run over points in one step. On
// any error neither the task queue nor the run state changes.
func (o *Orchestrator) StartWith(tasks []calibration.SensorTask, points []calibration.TemperaturePoint, environmentLabel string) error {
	var err error
	o.exec.Call(func() {
		if o.active() || o.state == calibration.StateCanceling {
			err = ErrAlreadyRunning
			return
		}
		var sorted []calibration.SensorTask
		if sorted, err = o.checkTasks(tasks); err != nil {
			return
		}
		prev := o.tasks
		o.tasks = sorted
		if err = o.start(points, environmentLabel); err != nil {
			o.tasks = prev
			return
		}
		logrus.WithField("tasks", len(o.tasks)).Info("sensor tasks configured")
	})
	return err
}

// Pause freezes the active stage. Only valid while running.
func (o *Orchestrator) Pause() error {
	var err error
	o.exec.Call(func() {
		err = o.pause()
	})
	return err
}

// Resume re-enters the stage that was active at pause.
func (o *Orchestrator) Resume() error {
	var err error
	o.exec.Call(func() {
		err = o.resume()
	})
	return err
}

// Cancel stops the run and puts every device into a safe state. It is
// valid while running or paused and is never rolled back.
func (o *Orchestrator) Cancel() error {
	var err error
	o.exec.Call(func() {
		err = o.cancel()
	})
	return err
}

// Arrived delivers a positioner arrival notification. It is safe to call
// from any goroutine and never blocks.
func (o *Orchestrator) Arrived() {
	o.exec.Post(o.onArrived)
}

// Records returns the records committed so far. After a run ends they stay
// available until the next run starts.
func (o *Orchestrator) Records() []calibration.Record {
	var out []calibration.Record
	o.exec.Call(func() {
		out = make([]calibration.Record, len(o.records))
		copy(out, o.records)
	})
	return out
}

// Operation is a human-readable description of what the run is doing.
func (o *Orchestrator) Operation() string {
	var op string
	o.exec.Call(func() {
		op = o.operation
	})
	return op
}

func (o *Orchestrator) Status() calibration.Status {
	var st calibration.Status
	o.exec.Call(func() {
		st = o.status()
	})
	return st
}

func (o *Orchestrator) status() calibration.Status {
	st := calibration.Status{
		State:            o.state,
		Stage:            o.stage,
		RunID:            o.runID,
		ReportID:         o.reportID,
		EnvironmentLabel: o.envLabel,
		PointIndex:       o.pointIndex,
		TotalPoints:      len(o.points),
		TaskIndex:        o.seq.Cursor(),
		TotalTasks:       len(o.tasks),
		Progress:         o.progress,
		ReferenceValue:   o.dev.Reference.CurrentValue(),
		Records:          len(o.records),
		StartedAt:        o.startedAt,
		CanPause:         o.state == calibration.StateRunning,
		CanResume:        o.state == calibration.StatePaused,
		CanCancel:        o.active(),
		Operation:        o.operation,
		LastError:        o.lastError,
	}
	if math.IsNaN(st.ReferenceValue) || math.IsInf(st.ReferenceValue, 0) {
		st.ReferenceValue = 0
	}

	switch {
	case o.waits.Active():
		w := o.waits.Wait()
		st.RemainingSecs = w.RemainingSeconds(o.exec.Now())
		st.CountdownLabel = w.Label
	case o.stage == calibration.StagePositionerMoving:
		st.RemainingSecs = int(math.Ceil(o.seq.MoveRemaining().Seconds()))
		st.CountdownLabel = "move"
	}
	return st
}

func (o *Orchestrator) active() bool {
	return o.state == calibration.StateRunning || o.state == calibration.StatePaused
}

func (o *Orchestrator) start(points []calibration.TemperaturePoint, envLabel string) error {
	if o.active() || o.state == calibration.StateCanceling {
		return ErrAlreadyRunning
	}
	if !o.dev.Positioner.IsConnected() {
		return ErrPositionerDisconnected
	}
	if len(o.tasks) == 0 {
		return ErrEmptyTaskQueue
	}
	if len(points) == 0 {
		return ErrNoPoints
	}
	for _, p := range points {
		if math.IsNaN(p.Target) || math.IsInf(p.Target, 0) {
			return ErrInvalidPoint
		}
	}

	o.stopGrace()
	o.points = append([]calibration.TemperaturePoint(nil), points...)
	o.envLabel = envLabel
	o.pointIndex = 0
	o.progress = 0
	o.records = nil
	o.pointRecords = nil
	o.lastError = ""
	o.stashed = nil
	o.runID = uuid.NewString()
	o.startedAt = o.exec.Now()
	o.reportID = report.NewID(o.startedAt)
	o.runGen++
	o.ctx, o.cancelRun = context.WithCancel(context.Background())

	logrus.WithFields(logrus.Fields{
		"runId":    o.runID,
		"reportId": o.reportID,
		"points":   len(o.points),
		"tasks":    len(o.tasks),
		"label":    envLabel,
	}).Info("starting calibration")

	o.publish(events.RunAction, events.RunActionEvent{
		Action:  string(calibration.ActionStart),
		Message: fmt.Sprintf("Start calibration: %d points x %d sensors", len(o.points), len(o.tasks)),
		Ts:      o.exec.Now().Unix(),
	})
	o.setState(calibration.StateRunning, "")
	o.metrics.SetProgress(0)
	o.setOperation("Acquiring device control")

	o.starting = true
	o.acquireControl([]deviceStep{
		{queuePositioner, "failed to reset positioner zero point", func(context.Context) error {
			return o.dev.Positioner.ResetZeroPoint()
		}},
		{queueReference, "failed to acquire reference control", func(ctx context.Context) error {
			return o.dev.Reference.AcquireControl(ctx, true)
		}},
		{queueEnvironment, "failed to acquire environment control", func(ctx context.Context) error {
			return o.dev.Environment.AcquireControl(ctx, true)
		}},
	})
	return nil
}

// acquireControl runs steps one after another and begins the first point
// once all of them succeeded. A step is only issued after the previous one
// completed, so a cancel in between has nothing to race with.
func (o *Orchestrator) acquireControl(steps []deviceStep) {
	if len(steps) == 0 {
		o.starting = false
		o.seq.ResetZero()
		o.beginPoint()
		return
	}
	step := steps[0]
	ctx := o.ctx
	o.async(step.queue, func() error {
		return errors.Wrap(step.fn(ctx), step.name)
	}, func(err error) {
		if err != nil {
			o.starting = false
			o.abort(err)
			return
		}
		o.acquireControl(steps[1:])
	})
}

// async runs work on queue. done runs only if the run and the stage are
// still the ones work was issued under; while paused it is held back until
// resume.
func (o *Orchestrator) async(queue string, work func() error, done func(error)) {
	runGen, stageGen := o.runGen, o.stageGen
	o.exec.Serial(queue, work, func(err error) {
		o.deliver(runGen, stageGen, func() { done(err) })
	})
}

// asyncRun is async guarded by the run only, for device commands whose
// outcome matters across stage changes.
func (o *Orchestrator) asyncRun(queue string, work func() error, done func(error)) {
	runGen := o.runGen
	o.exec.Serial(queue, work, func(err error) {
		if runGen != o.runGen {
			return
		}
		done(err)
	})
}

func (o *Orchestrator) deliver(runGen, stageGen uint64, fn func()) {
	if runGen != o.runGen || stageGen != o.stageGen {
		logrus.WithFields(logrus.Fields{
			"stage": o.stage,
		}).Debug("dropping stale completion")
		return
	}
	if o.state == calibration.StatePaused {
		o.stashed = append(o.stashed, func() { o.deliver(runGen, stageGen, fn) })
		return
	}
	fn()
}

// command issues a fire-and-forget command on the queue of one device.
// Failures are reported and not retried.
func (o *Orchestrator) command(queue string, work func(ctx context.Context) error) {
	ctx := o.ctx
	o.asyncRun(queue, func() error {
		return work(ctx)
	}, func(err error) {
		if err != nil {
			o.metrics.DeviceError(queue)
			o.reportError(errors.Wrapf(err, "%s command failed", queue), false)
		}
	})
}

func (o *Orchestrator) setState(to calibration.State, msg string) {
	from := o.state
	o.state = to
	if from == to {
		return
	}
	logrus.WithFields(logrus.Fields{
		"from":  from,
		"to":    to,
		"stage": o.stage,
	}).Info("calibration state changed")
	o.publish(events.RunState, events.RunStateEvent{
		From:    string(from),
		To:      string(to),
		Stage:   string(o.stage),
		Message: msg,
		Ts:      o.exec.Now().Unix(),
	})
}

// setStage switches the active stage and invalidates completions issued
// under the previous one.
func (o *Orchestrator) setStage(s calibration.Stage) {
	o.stageGen++
	if o.stage == s {
		return
	}
	logrus.WithFields(logrus.Fields{
		"pointIndex": o.pointIndex,
		"from":       o.stage,
		"to":         s,
	}).Debug("stage changed")
	o.stage = s
	o.metrics.SetStage(string(s), allStages)
}

func (o *Orchestrator) setOperation(msg string) {
	if msg == o.operation {
		return
	}
	o.operation = msg
	o.publish(events.RunOperation, events.RunOperationEvent{Message: msg, Ts: o.exec.Now().Unix()})
}

func (o *Orchestrator) reportError(err error, fatal bool) {
	o.lastError = err.Error()
	logrus.WithError(err).WithField("fatal", fatal).Error("calibration error")
	o.publish(events.RunError, events.RunErrorEvent{
		Message: err.Error(),
		Fatal:   fatal,
		Ts:      o.exec.Now().Unix(),
	})
}

func (o *Orchestrator) publish(name string, payload any) {
	if o.pub == nil {
		return
	}
	o.pub.Publish(name, payload)
}

func (o *Orchestrator) onTick(t timing.Tick) {
	o.publish(events.RunCountdown, events.RunCountdownEvent{
		RemainingSeconds: t.RemainingSeconds,
		Label:            t.Label,
	})
}

func (o *Orchestrator) stopGrace() {
	if o.grace != nil {
		o.grace.Stop()
		o.grace = nil
	}
}
