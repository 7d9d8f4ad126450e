package timing

import (
	"time"

	"github.com/ircal/ircal/pkg/runloop"
)

// Periodic calls fn on the executor every interval until stopped. Each
// period is a fresh one-shot timer, so a stopped Periodic never leaves a
// timer behind.
type Periodic struct {
	exec     runloop.Executor
	interval time.Duration
	fn       func()

	timer runloop.Timer
	gen   uint64
}

func NewPeriodic(exec runloop.Executor, interval time.Duration, fn func()) *Periodic {
	return &Periodic{
		exec:     exec,
		interval: interval,
		fn:       fn,
	}
}

// Start schedules the first call one interval from now. Starting a running
// Periodic restarts its phase.
func (p *Periodic) Start() {
	p.Stop()
	p.arm()
}

// Stop cancels the pending call, if any.
func (p *Periodic) Stop() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Running reports whether a call is scheduled.
func (p *Periodic) Running() bool {
	return p.timer != nil
}

func (p *Periodic) arm() {
	gen := p.gen
	p.timer = p.exec.AfterFunc(p.interval, func() {
		if gen != p.gen {
			return
		}
		p.arm()
		p.fn()
	})
}
