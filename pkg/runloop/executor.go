// Package runloop provides the single logical thread of control that owns
// all calibration state. Commands, timer expiries and device completions
// are closures executed one at a time on the loop; blocking device I/O runs
// elsewhere and posts its completion back.
package runloop

import "time"

// Timer is a pending scheduled callback.
type Timer interface {
	// Stop prevents the callback from being posted. It returns false if the
	// timer already fired or was stopped. A callback that fired concurrently
	// with Stop may still run, so callers must guard against staleness.
	Stop() bool
}

// Executor schedules work on a single logical thread.
type Executor interface {
	// Now returns the current time of the executor's clock.
	Now() time.Time
	// Post enqueues fn to run on the loop. It never blocks.
	Post(fn func())
	// Call runs fn on the loop and returns once it has completed. It must
	// not be called from the loop itself.
	Call(fn func())
	// AfterFunc posts fn to the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Async runs work off the loop and posts done(err) back to it.
	Async(work func() error, done func(error))
	// Serial is Async, except that work submitted under the same queue name
	// runs one at a time in submission order. Completions are posted in
	// the same order.
	Serial(queue string, work func() error, done func(error))
}
