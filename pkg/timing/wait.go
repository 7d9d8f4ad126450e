package timing

import (
	"time"
)

// Wait is a wall-clock-relative wait, represented as a start instant and a
// total duration so elapsed and remaining time can be recomputed at any
// moment. A paused Wait stops accumulating elapsed time.
type Wait struct {
	Label    string        `json:"label"`
	Start    time.Time     `json:"start"`
	Total    time.Duration `json:"total"`
	PausedAt time.Time     `json:"pausedAt"`
}

// NewWait starts a wait of total duration at now.
func NewWait(label string, now time.Time, total time.Duration) Wait {
	return Wait{
		Label: label,
		Start: now,
		Total: total,
	}
}

// Active reports whether the wait has been started.
func (w Wait) Active() bool {
	return !w.Start.IsZero()
}

// Paused reports whether the wait is currently frozen.
func (w Wait) Paused() bool {
	return !w.PausedAt.IsZero()
}

// Elapsed returns the time spent waiting so far. Time spent paused does
// not count.
func (w Wait) Elapsed(now time.Time) time.Duration {
	if !w.Active() {
		return 0
	}
	if w.Paused() {
		now = w.PausedAt
	}
	elapsed := now.Sub(w.Start)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining returns Total minus Elapsed. It may be negative once the wait
// has overrun.
func (w Wait) Remaining(now time.Time) time.Duration {
	return w.Total - w.Elapsed(now)
}

// RemainingSeconds is Remaining rounded up to whole seconds and clamped at
// zero, for countdown display.
func (w Wait) RemainingSeconds(now time.Time) int {
	r := w.Remaining(now)
	if r <= 0 {
		return 0
	}
	return int((r + time.Second - 1) / time.Second)
}

// Pause freezes the wait at now. Pausing an already paused wait is a no-op.
func (w Wait) Pause(now time.Time) Wait {
	if !w.Active() || w.Paused() {
		return w
	}
	w.PausedAt = now
	return w
}

// Resume continues a paused wait at now. The returned wait has the same
// remaining time it had at the moment it was paused; its Start is shifted
// forward by the paused duration.
func (w Wait) Resume(now time.Time) Wait {
	if !w.Paused() {
		return w
	}
	w.Start = w.Start.Add(now.Sub(w.PausedAt))
	w.PausedAt = time.Time{}
	return w
}

// UntilNextMinute returns the time left until the next wall-clock minute
// boundary. It returns zero when now is exactly on a boundary.
func UntilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute)
	if next.Equal(now) {
		return 0
	}
	return next.Add(time.Minute).Sub(now)
}
