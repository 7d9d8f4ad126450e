// Package sequencer drives a positioner through an ordered queue of sensor
// tasks, one move at a time, turning each arrival (or movement timeout)
// into a settle request.
package sequencer

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/runloop"
	"github.com/ircal/ircal/pkg/timing"
)

const (
	DefaultAnglePerSlot = 36.0
	DefaultMoveTimeout  = 20 * time.Second
)

var (
	ErrEmptyQueue       = errors.New("sensor task queue is empty")
	ErrInvalidSlotAngle = errors.New("angle per slot must be positive and divide 360 evenly")
)

type State int

const (
	Idle State = iota
	Homing
	Moving
	Settling
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Homing:
		return "Homing"
	case Moving:
		return "Moving"
	case Settling:
		return "Settling"
	case Done:
		return "Done"
	}
	return "Unknown"
}

type Options struct {
	AnglePerSlot float64
	// MoveTimeout bounds how long a move may go unacknowledged before the
	// sequencer settles anyway. Zero disables the timeout.
	MoveTimeout time.Duration
}

// Hooks are called on the executor's loop.
type Hooks struct {
	// Move asks for the positioner to go to target degrees. delta is the
	// change from the software-tracked current angle.
	Move func(target, delta float64)
	// Settle starts the settle-and-sample step for task. forced is set when
	// the move was never acknowledged.
	Settle func(task calibration.SensorTask, forced bool)
	// Complete is called once the queue is exhausted.
	Complete func()
}

// Sequencer is not safe for concurrent use; every method must run on the
// executor's loop.
type Sequencer struct {
	opts  Options
	hooks Hooks

	queue  []calibration.SensorTask
	cursor int
	state  State
	angle  float64

	timeout *timing.Supervisor

	paused         bool
	arrivedInPause bool
	forced         int
}

func New(exec runloop.Executor, opts Options, hooks Hooks) (*Sequencer, error) {
	if opts.AnglePerSlot == 0 {
		opts.AnglePerSlot = DefaultAnglePerSlot
	}
	if err := ValidateAnglePerSlot(opts.AnglePerSlot); err != nil {
		return nil, err
	}
	return &Sequencer{
		opts:    opts,
		hooks:   hooks,
		timeout: timing.NewSupervisor(exec, 0, nil),
	}, nil
}

// ValidateAnglePerSlot checks that a full turn is a whole number of slots.
func ValidateAnglePerSlot(a float64) error {
	if a <= 0 || math.IsNaN(a) || math.IsInf(a, 0) {
		return ErrInvalidSlotAngle
	}
	slots := 360 / a
	if math.Abs(slots-math.Round(slots)) > 1e-9 {
		return ErrInvalidSlotAngle
	}
	return nil
}

// Slots is the number of physical positions in a full turn.
func (s *Sequencer) Slots() int {
	return int(math.Round(360 / s.opts.AnglePerSlot))
}

// TargetAngle is the absolute angle of a physical position, counted from 1.
func (s *Sequencer) TargetAngle(position int) float64 {
	return float64(position-1) * s.opts.AnglePerSlot
}

// Start resets the cursor and issues the first move. The queue is used in
// the given order.
func (s *Sequencer) Start(queue []calibration.SensorTask) error {
	if len(queue) == 0 {
		return ErrEmptyQueue
	}
	s.timeout.Cancel()
	s.queue = append(s.queue[:0], queue...)
	s.cursor = 0
	s.paused = false
	s.arrivedInPause = false
	s.Advance()
	return nil
}

// Advance moves to the task under the cursor and arms the movement timeout.
func (s *Sequencer) Advance() {
	task, ok := s.CurrentTask()
	if !ok {
		s.complete()
		return
	}

	target := s.TargetAngle(task.Position)
	delta := target - s.angle
	s.angle = target
	s.state = Moving
	s.arrivedInPause = false

	logrus.WithFields(logrus.Fields{
		"channelId": task.ChannelID,
		"position":  task.Position,
		"target":    target,
		"delta":     delta,
		"cursor":    s.cursor,
	}).Info("moving positioner")

	if s.opts.MoveTimeout > 0 {
		s.timeout.Begin("move", s.opts.MoveTimeout, s.onTimeout)
	}
	if s.hooks.Move != nil {
		s.hooks.Move(target, delta)
	}
}

// Arrived handles an arrival notification. It reports whether the
// notification started a settle step. Arrivals outside a move are stale and
// ignored; that includes a late arrival after a forced settle.
func (s *Sequencer) Arrived() bool {
	if s.paused {
		if s.state == Moving || s.state == Homing {
			s.arrivedInPause = true
		}
		return false
	}

	switch s.state {
	case Homing:
		s.state = Idle
		logrus.Debug("positioner homed")
		return false
	case Moving:
		s.timeout.Cancel()
		s.settle(false)
		return true
	default:
		logrus.WithField("state", s.state.String()).Debug("ignoring stale positioner arrival")
		return false
	}
}

// Next finishes the current task and moves on, or completes the queue.
func (s *Sequencer) Next() {
	if s.state != Settling {
		logrus.WithField("state", s.state.String()).Warn("next requested outside of settle, ignoring")
		return
	}
	s.cursor++
	if s.cursor >= len(s.queue) {
		s.complete()
		return
	}
	s.Advance()
}

// Home returns the positioner to the zero reference. There is no timeout on
// homing and no settle follows it.
func (s *Sequencer) Home() {
	s.timeout.Cancel()
	delta := -s.angle
	s.angle = 0
	s.state = Homing
	s.arrivedInPause = false
	if s.hooks.Move != nil {
		s.hooks.Move(0, delta)
	}
}

// ResetZero forgets the tracked angle after the positioner itself has been
// re-zeroed.
func (s *Sequencer) ResetZero() {
	s.angle = 0
}

// Pause freezes the movement timeout. An arrival received while paused is
// remembered and handled on Resume.
func (s *Sequencer) Pause() {
	if s.paused {
		return
	}
	s.paused = true
	s.timeout.Pause()
}

// Resume continues after Pause. It reports false when the sequencer was
// moving but had lost its timeout, in which case the caller should restart
// the move.
func (s *Sequencer) Resume() bool {
	if !s.paused {
		return true
	}
	s.paused = false

	if s.arrivedInPause {
		s.arrivedInPause = false
		s.Arrived()
		return true
	}
	if s.state == Moving && s.opts.MoveTimeout > 0 {
		return s.timeout.Resume()
	}
	return true
}

// Stop drops the queue and any pending timeout. Notifications after Stop
// are ignored.
func (s *Sequencer) Stop() {
	s.timeout.Cancel()
	s.queue = s.queue[:0]
	s.cursor = 0
	s.state = Idle
	s.paused = false
	s.arrivedInPause = false
}

func (s *Sequencer) State() State {
	return s.state
}

func (s *Sequencer) Cursor() int {
	return s.cursor
}

func (s *Sequencer) Len() int {
	return len(s.queue)
}

// Angle is the software-tracked absolute angle of the positioner.
func (s *Sequencer) Angle() float64 {
	return s.angle
}

// ForcedSettles counts moves that timed out since the sequencer was created.
func (s *Sequencer) ForcedSettles() int {
	return s.forced
}

// MoveRemaining is the time left before the current move times out.
func (s *Sequencer) MoveRemaining() time.Duration {
	return s.timeout.Remaining()
}

func (s *Sequencer) CurrentTask() (calibration.SensorTask, bool) {
	if s.cursor < 0 || s.cursor >= len(s.queue) {
		return calibration.SensorTask{}, false
	}
	return s.queue[s.cursor], true
}

func (s *Sequencer) onTimeout() {
	if s.state != Moving || s.paused {
		return
	}
	task, _ := s.CurrentTask()
	logrus.WithFields(logrus.Fields{
		"channelId": task.ChannelID,
		"position":  task.Position,
		"timeout":   s.opts.MoveTimeout,
	}).Warn("positioner did not report arrival in time, settling anyway")
	s.forced++
	s.settle(true)
}

func (s *Sequencer) settle(forced bool) {
	s.state = Settling
	task, _ := s.CurrentTask()
	if s.hooks.Settle != nil {
		s.hooks.Settle(task, forced)
	}
}

func (s *Sequencer) complete() {
	s.timeout.Cancel()
	s.state = Done
	logrus.WithField("tasks", len(s.queue)).Info("sensor task queue exhausted")
	if s.hooks.Complete != nil {
		s.hooks.Complete()
	}
}
