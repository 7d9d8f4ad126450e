package stability

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultWindowSize     = 150
	DefaultMaxDeviation   = 1.0
	DefaultMaxFluctuation = 0.1
)

// ErrInvalidSample is returned for non-finite samples. Such samples are
// never inserted into the window.
var ErrInvalidSample = errors.New("invalid sample")

// Options configures a Detector.
type Options struct {
	WindowSize     int
	MaxDeviation   float64
	MaxFluctuation float64
}

// Result is the outcome of a single observation.
type Result struct {
	Stable      bool
	Reason      string
	Deviation   float64
	Fluctuation float64
	Samples     int
}

// Detector decides when a measured value has settled near a target.
//
// Samples are kept in a fixed-capacity window, oldest evicted first. Until
// the window is full the result is always unstable. Once full, the value is
// stable iff every sample lies within MaxDeviation of the target and the
// spread of the window is below MaxFluctuation.
//
// Stability is a one-shot transition: callers Reset the detector after a
// stable result before the window is reused.
type Detector struct {
	opts   Options
	window *Window
	count  int
}

func NewDetector(opts Options) *Detector {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.MaxDeviation <= 0 {
		opts.MaxDeviation = DefaultMaxDeviation
	}
	if opts.MaxFluctuation <= 0 {
		opts.MaxFluctuation = DefaultMaxFluctuation
	}
	return &Detector{
		opts:   opts,
		window: NewWindow(opts.WindowSize),
	}
}

// Observe records a sample and evaluates stability against target.
func (d *Detector) Observe(sample, target float64) (Result, error) {
	if math.IsNaN(sample) || math.IsInf(sample, 0) {
		return Result{Reason: "invalid sample", Samples: d.count}, fmt.Errorf("%w: %v", ErrInvalidSample, sample)
	}

	d.window.Push(sample)
	d.count++

	if !d.window.Full() {
		return Result{
			Reason:  fmt.Sprintf("collecting samples (%d/%d)", d.window.Len(), d.window.Cap()),
			Samples: d.count,
		}, nil
	}

	values := d.window.Values()
	maxDev := 0.0
	for _, v := range values {
		if dev := math.Abs(v - target); dev > maxDev {
			maxDev = dev
		}
	}
	lo, hi := d.window.MinMax()
	fluctuation := hi - lo

	res := Result{
		Deviation:   math.Abs(sample - target),
		Fluctuation: fluctuation,
		Samples:     d.count,
	}

	switch {
	case maxDev >= d.opts.MaxDeviation:
		res.Reason = fmt.Sprintf("deviation %.2f exceeds %.2f", maxDev, d.opts.MaxDeviation)
	case fluctuation >= d.opts.MaxFluctuation:
		res.Reason = fmt.Sprintf("fluctuation %.3f exceeds %.3f", fluctuation, d.opts.MaxFluctuation)
	default:
		res.Stable = true
	}

	return res, nil
}

// Reset clears the window and the sample counter.
func (d *Detector) Reset() {
	d.window.Clear()
	d.count = 0
}

// Len returns the number of samples currently held in the window.
func (d *Detector) Len() int {
	return d.window.Len()
}

// Count returns the number of valid samples observed since the last Reset.
func (d *Detector) Count() int {
	return d.count
}
