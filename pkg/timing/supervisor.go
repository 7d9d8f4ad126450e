package timing

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/runloop"
)

const DefaultTickInterval = time.Second

// Tick is the advisory countdown published while a wait is running.
type Tick struct {
	RemainingSeconds int
	Label            string
}

// Supervisor runs at most one Wait at a time on an executor. It owns the
// expiry timer and the countdown ticker, and centralizes the elapsed and
// remaining arithmetic needed for pause and resume.
//
// All methods must be called from the executor's loop.
type Supervisor struct {
	exec         runloop.Executor
	tickInterval time.Duration
	onTick       func(Tick)

	wait     Wait
	onExpire func()
	expiry   runloop.Timer
	ticker   *Periodic
	gen      uint64
}

// NewSupervisor returns a Supervisor. onTick may be nil.
func NewSupervisor(exec runloop.Executor, tickInterval time.Duration, onTick func(Tick)) *Supervisor {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	s := &Supervisor{
		exec:         exec,
		tickInterval: tickInterval,
		onTick:       onTick,
	}
	s.ticker = NewPeriodic(exec, tickInterval, s.tick)
	return s
}

// Begin starts a new wait of total duration, replacing any current wait.
// If total is not positive, onExpire runs immediately.
func (s *Supervisor) Begin(label string, total time.Duration, onExpire func()) {
	s.Cancel()

	if total <= 0 {
		logrus.WithField("label", label).Debug("wait skipped, nothing to wait for")
		onExpire()
		return
	}

	s.wait = NewWait(label, s.exec.Now(), total)
	s.onExpire = onExpire
	s.schedule(total)
}

// Pause freezes the current wait and stops its timers. The frozen wait is
// returned so callers can report the captured remaining time.
func (s *Supervisor) Pause() Wait {
	if !s.wait.Active() || s.wait.Paused() {
		return s.wait
	}
	s.stopTimers()
	s.wait = s.wait.Pause(s.exec.Now())

	logrus.WithFields(logrus.Fields{
		"label":     s.wait.Label,
		"elapsed":   s.wait.Elapsed(s.exec.Now()),
		"remaining": s.wait.Remaining(s.exec.Now()),
	}).Debug("wait paused")

	return s.wait
}

// Resume continues a paused wait, scheduling exactly the remaining time
// captured at pause. If nothing remains, the expiry runs immediately.
// It reports false if there was no paused wait to resume.
func (s *Supervisor) Resume() bool {
	if !s.wait.Active() || !s.wait.Paused() {
		return false
	}

	s.wait = s.wait.Resume(s.exec.Now())
	remaining := s.wait.Remaining(s.exec.Now())

	logrus.WithFields(logrus.Fields{
		"label":     s.wait.Label,
		"remaining": remaining,
	}).Debug("wait resumed")

	if remaining <= 0 {
		s.expire(s.gen)
		return true
	}
	s.schedule(remaining)
	return true
}

// Cancel drops the current wait without running its expiry.
func (s *Supervisor) Cancel() {
	s.stopTimers()
	s.wait = Wait{}
	s.onExpire = nil
}

// Wait returns a copy of the current wait. The zero Wait means idle.
func (s *Supervisor) Wait() Wait {
	return s.wait
}

// Active reports whether a wait is running or paused.
func (s *Supervisor) Active() bool {
	return s.wait.Active()
}

// Paused reports whether the current wait is frozen.
func (s *Supervisor) Paused() bool {
	return s.wait.Active() && s.wait.Paused()
}

// Remaining returns the remaining time of the current wait.
func (s *Supervisor) Remaining() time.Duration {
	if !s.wait.Active() {
		return 0
	}
	return s.wait.Remaining(s.exec.Now())
}

func (s *Supervisor) schedule(d time.Duration) {
	s.gen++
	gen := s.gen
	s.expiry = s.exec.AfterFunc(d, func() {
		s.expire(gen)
	})
	if s.onTick != nil {
		s.ticker.Start()
	}
}

func (s *Supervisor) expire(gen uint64) {
	if gen != s.gen || !s.wait.Active() || s.wait.Paused() {
		// Stale expiry, raced with pause or cancel.
		return
	}
	fn := s.onExpire
	s.stopTimers()
	s.wait = Wait{}
	s.onExpire = nil
	if fn != nil {
		fn()
	}
}

func (s *Supervisor) stopTimers() {
	s.gen++
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.ticker.Stop()
}

func (s *Supervisor) tick() {
	if !s.wait.Active() || s.wait.Paused() || s.onTick == nil {
		return
	}
	s.onTick(Tick{
		RemainingSeconds: s.wait.RemainingSeconds(s.exec.Now()),
		Label:            s.wait.Label,
	})
}
