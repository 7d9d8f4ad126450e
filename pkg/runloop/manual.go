package runloop

import (
	"sort"
	"time"
)

var _ Executor = &Manual{}

// Manual is a deterministic Executor driven by virtual time. Nothing runs
// until the owner calls Drain or Advance, and async work runs inline. It is
// meant for tests and dry runs driven from a single goroutine.
type Manual struct {
	now    time.Time
	queue  []func()
	timers []*manualTimer
	seq    int

	holdAsync bool
	held      []func()
}

type manualTimer struct {
	due     time.Time
	seq     int
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewManual returns a Manual executor whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) Post(fn func()) {
	m.queue = append(m.queue, fn)
}

// Call runs fn immediately and then drains everything it queued.
func (m *Manual) Call(fn func()) {
	fn()
	m.Drain()
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{due: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Async(work func() error, done func(error)) {
	err := work()
	complete := func() {
		done(err)
	}
	if m.holdAsync {
		m.held = append(m.held, complete)
		return
	}
	m.Post(complete)
}

// Serial runs work inline like Async, which already keeps submission
// order.
func (m *Manual) Serial(_ string, work func() error, done func(error)) {
	m.Async(work, done)
}

// HoldAsync makes async completions wait until ReleaseAsync, simulating
// device requests that are still in flight.
func (m *Manual) HoldAsync(hold bool) {
	m.holdAsync = hold
}

// ReleaseAsync delivers every held completion and drains the queue.
func (m *Manual) ReleaseAsync() {
	m.queue = append(m.queue, m.held...)
	m.held = nil
	m.Drain()
}

// Held returns the number of completions waiting for ReleaseAsync.
func (m *Manual) Held() int {
	return len(m.held)
}

// Drain runs queued work, including work queued while draining, until the
// queue is empty.
func (m *Manual) Drain() {
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in order. Each
// timer callback runs at its own due time and its follow-up work is
// drained before the next timer is considered.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.Drain()
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.due
		t.stopped = true
		t.fn()
		m.Drain()
	}
	m.now = target
	m.Drain()
}

// Pending returns the number of timers that are scheduled and not stopped.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(limit time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live

	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})

	if len(m.timers) == 0 || m.timers[0].due.After(limit) {
		return nil
	}
	return m.timers[0]
}
