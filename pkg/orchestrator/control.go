package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/events"
)

func (o *Orchestrator) pause() error {
	if o.state != calibration.StateRunning {
		return ErrNotRunning
	}

	o.sampler.Stop()
	o.settleSampler.Stop()
	w := o.waits.Pause()
	o.seq.Pause()

	o.logger().WithField("remaining", w.Remaining(o.exec.Now())).Info("calibration paused")
	o.publish(events.RunAction, events.RunActionEvent{
		Action:  string(calibration.ActionPause),
		Message: fmt.Sprintf("Paused during %s", o.stage),
		Ts:      o.exec.Now().Unix(),
	})
	o.setState(calibration.StatePaused, "")
	o.setOperation("Paused: " + o.operation)
	return nil
}

func (o *Orchestrator) resume() error {
	if o.state != calibration.StatePaused {
		return ErrNotPaused
	}

	o.publish(events.RunAction, events.RunActionEvent{
		Action:  string(calibration.ActionResume),
		Message: fmt.Sprintf("Resuming %s", o.stage),
		Ts:      o.exec.Now().Unix(),
	})
	o.setState(calibration.StateRunning, "")
	o.logger().Info("calibration resumed")

	ok := true
	switch o.stage {
	case calibration.StageStabilityCheck:
		o.seq.Resume()
		o.sampler.Start()
	case calibration.StageWaitingForMinuteAlignment:
		o.seq.Resume()
		ok = o.waits.Resume()
	case calibration.StagePositionerMoving:
		ok = o.seq.Resume()
	case calibration.StageSettlingAndSampling:
		o.seq.Resume()
		if o.waits.Paused() {
			o.settleSampler.Start()
			ok = o.waits.Resume()
		} else {
			// Settle already over, the reading request is in flight or
			// stashed.
			ok = o.readingPending
		}
	default:
		o.seq.Resume()
		switch {
		case o.advancePending:
			ok = o.waits.Resume()
		case o.starting:
		default:
			ok = false
		}
	}

	if !ok {
		o.restartPoint()
	}

	stash := o.stashed
	o.stashed = nil
	for _, fn := range stash {
		fn()
	}
	return nil
}

// restartPoint throws away the progress of the current point and begins it
// again. Used when the paused stage cannot be resumed.
func (o *Orchestrator) restartPoint() {
	o.logger().Warn("cannot resume the paused stage, restarting the current point")
	o.sampler.Stop()
	o.settleSampler.Stop()
	o.waits.Cancel()
	o.seq.Stop()
	o.endSampling()
	o.readingPending = false
	o.advancePending = false
	o.beginPoint()
}

func (o *Orchestrator) cancel() error {
	if !o.active() {
		return ErrNotRunning
	}

	o.logger().Info("canceling calibration")
	o.publish(events.RunAction, events.RunActionEvent{
		Action:  string(calibration.ActionCancel),
		Message: "Cancel calibration",
		Ts:      o.exec.Now().Unix(),
	})
	o.metrics.RunEnded("canceled")

	o.powerDown(true)
	o.endRun(calibration.StateCanceling, "Calibration canceled", o.opts.CancelGrace)
	return nil
}

// abort ends the run on a safety-relevant failure through the cancel path.
func (o *Orchestrator) abort(err error) {
	o.reportError(errors.Wrap(err, "calibration aborted"), true)
	o.metrics.RunEnded("aborted")
	o.powerDown(true)
	o.endRun(calibration.StateCanceling, "Calibration aborted", o.opts.CancelGrace)
}

// powerDown commands every device into a safe state and releases control.
// Each command is issued exactly once; failures are reported, not retried.
func (o *Orchestrator) powerDown(stopMotion bool) {
	sampling := o.sampling
	if sampling {
		o.sampling = false
		o.publish(events.Measurement, events.MeasurementEvent{
			ChannelID: o.settleTask.ChannelID,
			Active:    false,
			Ts:        o.exec.Now().Unix(),
		})
	}

	dev := o.dev
	var steps []deviceStep
	if stopMotion {
		steps = append(steps,
			deviceStep{queuePositioner, "stop positioner", func(context.Context) error { return dev.Positioner.Stop() }},
			deviceStep{queueEnvironment, "close measurement window", func(ctx context.Context) error { return dev.Environment.SetWindow(ctx, false) }},
		)
	}
	if sampling {
		steps = append(steps, deviceStep{queueAverager, "end acquisition", func(context.Context) error { return dev.Averager.EndSampling() }})
	}
	steps = append(steps,
		deviceStep{queueReference, "power off reference", func(ctx context.Context) error { return dev.Reference.SetPower(ctx, false) }},
		deviceStep{queueEnvironment, "power off environment", func(ctx context.Context) error { return dev.Environment.SetPower(ctx, false) }},
		deviceStep{queueReference, "release reference control", func(ctx context.Context) error { return dev.Reference.AcquireControl(ctx, false) }},
		deviceStep{queueEnvironment, "release environment control", func(ctx context.Context) error { return dev.Environment.AcquireControl(ctx, false) }},
	)

	// Each step queues behind the commands already issued to its device.
	remaining, failed := len(steps), 0
	for _, s := range steps {
		o.exec.Serial(s.queue, func() error {
			// The run context may already be canceled; shutdown must still
			// go out.
			return s.fn(context.Background())
		}, func(err error) {
			remaining--
			if err != nil {
				failed++
				o.metrics.DeviceError("shutdown")
				o.reportError(errors.Wrap(err, s.name), false)
			}
			if remaining == 0 && failed == 0 {
				logrus.Info("devices are in a safe state")
			}
		})
	}
}

// endRun stops every timer, invalidates outstanding completions and enters
// a terminal state that falls back to Idle after grace.
func (o *Orchestrator) endRun(state calibration.State, msg string, grace time.Duration) {
	o.sampler.Stop()
	o.settleSampler.Stop()
	o.waits.Cancel()
	o.seq.Stop()
	if o.cancelRun != nil {
		o.cancelRun()
	}
	o.applyPendingOptions()

	o.runGen++
	o.stashed = nil
	o.starting = false
	o.readingPending = false
	o.advancePending = false
	o.pointRecords = nil
	o.setStage(calibration.StageNone)

	o.setState(state, msg)
	o.setOperation(msg)

	o.stopGrace()
	o.grace = o.exec.AfterFunc(grace, func() {
		o.grace = nil
		if o.state != state {
			return
		}
		o.setState(calibration.StateIdle, "")
		o.setOperation("Idle")
	})
}
