package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/events"
	"github.com/ircal/ircal/pkg/sequencer"
	"github.com/ircal/ircal/pkg/timing"
)

func (o *Orchestrator) point() calibration.TemperaturePoint {
	return o.points[o.pointIndex]
}

func (o *Orchestrator) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"runId":      o.runID,
		"pointIndex": o.pointIndex,
		"stage":      o.stage,
	})
}

// beginPoint drives both thermal devices to the current point, homes the
// positioner and starts the stability check.
func (o *Orchestrator) beginPoint() {
	p := o.point()
	o.setStage(calibration.StageNone)
	o.pointRecords = nil
	o.pointStartedAt = o.exec.Now()

	o.logger().WithFields(logrus.Fields{
		"target":            p.Target,
		"environmentTarget": p.EnvironmentTarget,
		"category":          p.Category,
	}).Info("starting temperature point")

	o.command(queueReference, func(ctx context.Context) error {
		if err := o.dev.Reference.SetTarget(ctx, p.Target); err != nil {
			return err
		}
		return o.dev.Reference.SetPower(ctx, true)
	})
	o.command(queueEnvironment, func(ctx context.Context) error {
		if err := o.dev.Environment.SetTarget(ctx, p.EnvironmentTarget); err != nil {
			return err
		}
		return o.dev.Environment.SetPower(ctx, true)
	})

	o.seq.Home()
	o.startStability()
}

func (o *Orchestrator) startStability() {
	o.setStage(calibration.StageStabilityCheck)
	o.detector.Reset()
	o.lastReason = ""
	o.setOperation(fmt.Sprintf("Point %d/%d: waiting for reference to stabilize at %.2f",
		o.pointIndex+1, len(o.points), o.point().Target))
	o.sampler.Start()
}

func (o *Orchestrator) onStabilitySample() {
	if o.state != calibration.StateRunning || o.stage != calibration.StageStabilityCheck {
		return
	}

	target := o.point().Target
	res, err := o.detector.Observe(o.dev.Reference.CurrentValue(), target)
	if err != nil {
		o.metrics.StabilitySample(false)
		o.reportError(errors.Wrap(err, "reference sample dropped"), false)
		return
	}
	o.metrics.StabilitySample(true)

	if !res.Stable {
		// Throttle debug logs to changes only.
		if res.Reason != o.lastReason {
			o.lastReason = res.Reason
			o.logger().WithFields(logrus.Fields{
				"samples":     res.Samples,
				"deviation":   res.Deviation,
				"fluctuation": res.Fluctuation,
			}).Debug(res.Reason)
		}
		return
	}

	o.sampler.Stop()
	o.detector.Reset()
	o.logger().WithFields(logrus.Fields{
		"samples":     res.Samples,
		"deviation":   res.Deviation,
		"fluctuation": res.Fluctuation,
	}).Info("reference is stable")

	o.command(queueEnvironment, func(ctx context.Context) error {
		return o.dev.Environment.SetWindow(ctx, true)
	})
	o.startAlignment()
}

func (o *Orchestrator) startAlignment() {
	o.setStage(calibration.StageWaitingForMinuteAlignment)
	var d time.Duration
	if o.opts.MinuteAlignment {
		d = timing.UntilNextMinute(o.exec.Now())
	}
	o.setOperation(fmt.Sprintf("Point %d/%d: waiting %.0fs for the next minute", o.pointIndex+1, len(o.points), d.Seconds()))
	o.waits.Begin("minute alignment", d, o.startSensorLoop)
}

func (o *Orchestrator) startSensorLoop() {
	if err := o.seq.Start(o.tasks); err != nil {
		// Tasks cannot change during a run, so this only happens if the
		// queue was empty at start.
		o.abort(err)
	}
}

// onMove is the sequencer asking for a positioner move.
func (o *Orchestrator) onMove(target, delta float64) {
	if o.seq.State() == sequencer.Moving {
		o.setStage(calibration.StagePositionerMoving)
		task, _ := o.seq.CurrentTask()
		o.setOperation(fmt.Sprintf("Point %d/%d: moving to position %d (%s)",
			o.pointIndex+1, len(o.points), task.Position, task.ChannelID))
	}
	o.logger().WithFields(logrus.Fields{
		"angle": target,
		"delta": delta,
	}).Debug("commanding positioner")

	o.command(queuePositioner, func(ctx context.Context) error {
		return o.dev.Positioner.MoveToAbsolute(ctx, target)
	})
}

func (o *Orchestrator) onArrived() {
	if !o.active() {
		logrus.Debug("ignoring positioner arrival, no run active")
		return
	}
	o.seq.Arrived()
}

// onSettle starts the settle-and-sample step for task.
func (o *Orchestrator) onSettle(task calibration.SensorTask, forced bool) {
	o.setStage(calibration.StageSettlingAndSampling)
	if forced {
		o.metrics.ForcedSettle()
	}
	o.settleTask = task
	o.readingTries = 0
	o.buffer.Clear()

	o.logger().WithFields(logrus.Fields{
		"channelId": task.ChannelID,
		"position":  task.Position,
		"forced":    forced,
	}).Info("settling at sensor position")
	o.setOperation(fmt.Sprintf("Point %d/%d: settling at position %d (%s)",
		o.pointIndex+1, len(o.points), task.Position, task.ChannelID))

	o.sampling = true
	ch := task.ChannelID
	o.command(queueAverager, func(context.Context) error {
		return o.dev.Averager.BeginSampling(ch)
	})
	o.publish(events.Measurement, events.MeasurementEvent{ChannelID: ch, Active: true, Ts: o.exec.Now().Unix()})

	o.settleSampler.Start()
	o.waits.Begin("settle "+ch, o.opts.SettleDuration, o.onSettleExpired)
}

func (o *Orchestrator) onSettleSample() {
	if o.state != calibration.StateRunning || o.stage != calibration.StageSettlingAndSampling {
		return
	}
	if !o.buffer.Add(o.dev.Reference.CurrentValue()) {
		o.logger().Warn("dropping non-finite reference sample while settling")
	}
}

func (o *Orchestrator) onSettleExpired() {
	o.settleSampler.Stop()
	task := o.settleTask
	refAvg := o.buffer.Mean(o.dev.Reference.CurrentValue())
	measuredAt := o.exec.Now()

	o.logger().WithFields(logrus.Fields{
		"channelId":        task.ChannelID,
		"referenceAverage": refAvg,
		"samples":          o.buffer.Len(),
	}).Info("settle finished, requesting averaged reading")
	o.setOperation(fmt.Sprintf("Point %d/%d: reading %s", o.pointIndex+1, len(o.points), task.ChannelID))

	o.requestReading(task, refAvg, measuredAt)
}

func (o *Orchestrator) requestReading(task calibration.SensorTask, refAvg float64, measuredAt time.Time) {
	o.readingPending = true
	o.readingTries++
	ctx := o.ctx
	var reading calibration.Reading
	o.async(queueAverager, func() error {
		var err error
		reading, err = o.dev.Averager.Average(ctx, task.ChannelID)
		return err
	}, func(err error) {
		o.onReading(task, refAvg, measuredAt, reading, err)
	})
}

func (o *Orchestrator) onReading(task calibration.SensorTask, refAvg float64, measuredAt time.Time, reading calibration.Reading, err error) {
	current, ok := o.seq.CurrentTask()
	if !ok || o.seq.State() != sequencer.Settling || current.ChannelID != task.ChannelID {
		o.logger().WithField("channelId", task.ChannelID).Debug("discarding reading for a task that is no longer current")
		return
	}
	if err == nil && reading.ChannelID != "" && reading.ChannelID != task.ChannelID {
		o.logger().WithFields(logrus.Fields{
			"channelId": task.ChannelID,
			"answered":  reading.ChannelID,
		}).Warn("discarding reading for another channel")
		if o.readingTries < o.opts.MaxReadingRequests {
			o.requestReading(task, refAvg, measuredAt)
			return
		}
		err = errors.Errorf("averaging service kept answering for channel %s", reading.ChannelID)
	}
	o.readingPending = false

	if err != nil {
		o.metrics.DeviceError("averager")
		o.reportError(errors.Wrapf(err, "failed to read channel %s", task.ChannelID), false)
		reading = calibration.Reading{}
	}
	reading.ChannelID = task.ChannelID
	if len(reading.Sets) > calibration.MaxChannelSets {
		reading.Sets = reading.Sets[:calibration.MaxChannelSets]
	}

	p := o.point()
	o.pointRecords = append(o.pointRecords, calibration.Record{
		PointIndex:       o.pointIndex,
		Target:           p.Target,
		ReferenceAverage: refAvg,
		MeasuredAt:       measuredAt,
		ChannelID:        task.ChannelID,
		Position:         task.Position,
		Category:         p.Category,
		EnvironmentLabel: o.envLabel,
		Reading:          reading,
	})

	o.endSampling()
	o.seq.Next()
}

func (o *Orchestrator) endSampling() {
	if !o.sampling {
		return
	}
	o.sampling = false
	o.command(queueAverager, func(context.Context) error {
		return o.dev.Averager.EndSampling()
	})
	o.publish(events.Measurement, events.MeasurementEvent{
		ChannelID: o.settleTask.ChannelID,
		Active:    false,
		Ts:        o.exec.Now().Unix(),
	})
}

// onQueueComplete closes out the current point.
func (o *Orchestrator) onQueueComplete() {
	o.records = append(o.records, o.pointRecords...)
	o.metrics.RecordsAdded(len(o.pointRecords))
	o.metrics.PointCompleted(o.exec.Now().Sub(o.pointStartedAt))
	o.pointRecords = nil

	o.logger().WithField("records", len(o.records)).Info("temperature point complete")
	o.writeReport(false)

	o.command(queueEnvironment, func(ctx context.Context) error {
		return o.dev.Environment.SetWindow(ctx, false)
	})
	o.seq.Home()

	o.setStage(calibration.StageNone)
	o.setOperation(fmt.Sprintf("Point %d/%d complete", o.pointIndex+1, len(o.points)))
	o.advancePending = true
	o.waits.Begin("next point", o.opts.PointAdvanceDelay, o.advancePoint)
}

func (o *Orchestrator) advancePoint() {
	o.advancePending = false
	o.pointIndex++
	o.progress = o.pointIndex * 100 / len(o.points)
	o.metrics.SetProgress(o.progress)
	o.publish(events.RunProgress, events.RunProgressEvent{
		Percent:    o.progress,
		PointIndex: o.pointIndex,
		Total:      len(o.points),
	})

	if o.pointIndex >= len(o.points) {
		o.finalize()
		return
	}
	o.beginPoint()
}

// writeReport hands a snapshot of the committed records to the report
// writer. Writes are queued, so a later snapshot is never overwritten by an
// earlier one. Failures are reported and never change run state.
func (o *Orchestrator) writeReport(final bool) {
	if o.dev.Reports == nil || len(o.records) == 0 {
		return
	}
	records := make([]calibration.Record, len(o.records))
	copy(records, o.records)
	id := o.reportID
	o.exec.Serial(queueReports, func() error {
		return o.dev.Reports.Write(context.Background(), id, records, final)
	}, func(err error) {
		if err != nil {
			o.reportError(errors.Wrapf(err, "failed to save report %s", id), false)
		}
	})
}

func (o *Orchestrator) finalize() {
	o.setStage(calibration.StageNone)
	o.setOperation("Saving final report")
	o.writeReport(true)

	o.powerDown(false)
	o.metrics.RunEnded("finished")

	records, _ := json.Marshal(o.records)
	o.publish(events.RunFinished, events.RunFinishedEvent{
		RunID:    o.runID,
		ReportID: o.reportID,
		Records:  records,
		Ts:       o.exec.Now().Unix(),
	})
	o.endRun(calibration.StateFinished, "Calibration finished", o.opts.FinishGrace)
}
