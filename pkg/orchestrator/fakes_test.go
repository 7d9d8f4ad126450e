package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ircal/ircal/pkg/calibration"
	"github.com/ircal/ircal/pkg/runloop"
)

// Most fakes run on the test goroutine: runloop.Manual executes async work
// inline. slowReference is safe for use with a real runloop.Loop.

type fakeDevice struct {
	value      func() float64
	target     float64
	powered    bool
	powerOns   int
	powerOffs  int
	controlled bool
	releases   int
	acquireErr error
	targetErr  error

	windowOpen   bool
	windowOpens  int
	windowCloses int
}

func (d *fakeDevice) SetTarget(_ context.Context, v float64) error {
	if d.targetErr != nil {
		return d.targetErr
	}
	d.target = v
	return nil
}

func (d *fakeDevice) SetPower(_ context.Context, on bool) error {
	d.powered = on
	if on {
		d.powerOns++
	} else {
		d.powerOffs++
	}
	return nil
}

func (d *fakeDevice) AcquireControl(_ context.Context, on bool) error {
	if on && d.acquireErr != nil {
		return d.acquireErr
	}
	d.controlled = on
	if !on {
		d.releases++
	}
	return nil
}

func (d *fakeDevice) CurrentValue() float64 {
	if d.value != nil {
		return d.value()
	}
	return d.target
}

func (d *fakeDevice) SetWindow(_ context.Context, open bool) error {
	d.windowOpen = open
	if open {
		d.windowOpens++
	} else {
		d.windowCloses++
	}
	return nil
}

// slowReference takes delay to accept a target, like a blackbody busy on a
// serial line.
type slowReference struct {
	delay   time.Duration
	entered chan struct{}

	mu         sync.Mutex
	powers     []bool
	controlled bool
}

func (d *slowReference) SetTarget(context.Context, float64) error {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	time.Sleep(d.delay)
	return nil
}

func (d *slowReference) SetPower(_ context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.powers = append(d.powers, on)
	return nil
}

func (d *slowReference) AcquireControl(_ context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controlled = on
	return nil
}

func (d *slowReference) CurrentValue() float64 { return 0 }

type fakePositioner struct {
	connected  bool
	autoArrive bool
	moves      []float64
	stops      int
	resets     int
	arrived    func()
}

func (p *fakePositioner) IsConnected() bool { return p.connected }

func (p *fakePositioner) ResetZeroPoint() error {
	p.resets++
	return nil
}

func (p *fakePositioner) MoveToAbsolute(_ context.Context, deg float64) error {
	p.moves = append(p.moves, deg)
	if p.autoArrive {
		p.fire()
	}
	return nil
}

func (p *fakePositioner) Stop() error {
	p.stops++
	return nil
}

func (p *fakePositioner) OnArrived(fn func()) { p.arrived = fn }

func (p *fakePositioner) fire() {
	if p.arrived != nil {
		p.arrived()
	}
}

type fakeAverager struct {
	// answer picks the channel the service claims to answer for.
	answer   func(requested string, attempt int) string
	requests map[string]int
	begins   []string
	ends     int
}

func (a *fakeAverager) BeginSampling(ch string) error {
	a.begins = append(a.begins, ch)
	return nil
}

func (a *fakeAverager) EndSampling() error {
	a.ends++
	return nil
}

func (a *fakeAverager) Average(_ context.Context, ch string) (calibration.Reading, error) {
	if a.requests == nil {
		a.requests = map[string]int{}
	}
	a.requests[ch]++
	answered := ch
	if a.answer != nil {
		answered = a.answer(ch, a.requests[ch])
	}
	return calibration.Reading{
		ChannelID:  answered,
		DeviceType: "fake",
		Sets:       []calibration.ChannelAverages{{Primary: 1, Ambient: 2, Secondary: 3}},
	}, nil
}

type reportWrite struct {
	id      string
	records int
	final   bool
}

type fakeReports struct {
	err    error
	writes []reportWrite
}

func (r *fakeReports) Write(_ context.Context, id string, records []calibration.Record, final bool) error {
	r.writes = append(r.writes, reportWrite{id: id, records: len(records), final: final})
	return r.err
}

type fakePublisher struct {
	names    []string
	payloads []any
}

func (p *fakePublisher) Publish(name string, payload any) {
	p.names = append(p.names, name)
	p.payloads = append(p.payloads, payload)
}

func (p *fakePublisher) count(name string) int {
	n := 0
	for _, got := range p.names {
		if got == name {
			n++
		}
	}
	return n
}

var epoch = time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC)

var testTasks = []calibration.SensorTask{
	{ChannelID: "COM7", Position: 7},
	{ChannelID: "COM3", Position: 1},
	{ChannelID: "COM4", Position: 4},
}

type harness struct {
	exec    *runloop.Manual
	o       *Orchestrator
	ref     *fakeDevice
	env     *fakeDevice
	pos     *fakePositioner
	avg     *fakeAverager
	reports *fakeReports
	pub     *fakePublisher
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Stability.WindowSize = 5
	return opts
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		exec:    runloop.NewManual(epoch),
		ref:     &fakeDevice{},
		env:     &fakeDevice{},
		pos:     &fakePositioner{connected: true, autoArrive: true},
		avg:     &fakeAverager{},
		reports: &fakeReports{},
		pub:     &fakePublisher{},
	}
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(h.exec, Devices{
		Reference:   h.ref,
		Environment: h.env,
		Positioner:  h.pos,
		Averager:    h.avg,
		Reports:     h.reports,
	}, opts, h.pub, nil)
	require.NoError(t, err)
	h.o = o
	return h
}

func points(targets ...float64) []calibration.TemperaturePoint {
	out := make([]calibration.TemperaturePoint, 0, len(targets))
	for _, v := range targets {
		out = append(out, calibration.TemperaturePoint{Target: v, Category: calibration.CategoryModeling})
	}
	return out
}

func (h *harness) start(t *testing.T, tasks []calibration.SensorTask, pts []calibration.TemperaturePoint) {
	t.Helper()
	require.NoError(t, h.o.SetTasks(tasks))
	require.NoError(t, h.o.Start(pts, "chamber-25"))
}

var errBoom = errors.New("boom")
