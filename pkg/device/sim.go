package device

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ircal/ircal/pkg/calibration"
)

var (
	ErrNotControlled = errors.New("device is not under remote control")
	ErrNotConnected  = errors.New("device is not connected")
	ErrNotSampling   = errors.New("no acquisition in progress")
)

var (
	_ Thermal     = &SimThermal{}
	_ Environment = &SimEnvironment{}
	_ Positioner  = &SimPositioner{}
	_ Averager    = &SimAverager{}
)

// SimThermal approaches its target exponentially while powered and drifts
// back to ambient while off.
type SimThermal struct {
	name string
	clk  clock.Clock

	mu         sync.Mutex
	ambient    float64
	value      float64
	target     float64
	powered    bool
	controlled bool
	tau        time.Duration
	updatedAt  time.Time
	powerOffs  int
}

// NewSimThermal returns a simulated source starting at ambient. tau is the
// time constant of the first-order response. A nil clk means the wall clock.
func NewSimThermal(name string, clk clock.Clock, ambient float64, tau time.Duration) *SimThermal {
	if clk == nil {
		clk = clock.New()
	}
	if tau <= 0 {
		tau = time.Minute
	}
	return &SimThermal{
		name:      name,
		clk:       clk,
		ambient:   ambient,
		value:     ambient,
		target:    ambient,
		tau:       tau,
		updatedAt: clk.Now(),
	}
}

// NewSimReference is a blackbody-like source: quick and precise.
func NewSimReference(clk clock.Clock) *SimThermal {
	return NewSimThermal("reference", clk, 25, 90*time.Second)
}

func (s *SimThermal) SetTarget(_ context.Context, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.controlled {
		return ErrNotControlled
	}
	s.advanceLocked()
	s.target = value
	logrus.WithFields(logrus.Fields{
		"device": s.name,
		"target": value,
	}).Debug("sim target set")
	return nil
}

func (s *SimThermal) SetPower(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	s.powered = on
	if !on {
		s.powerOffs++
	}
	return nil
}

func (s *SimThermal) AcquireControl(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlled = on
	return nil
}

func (s *SimThermal) CurrentValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	return s.value
}

// Powered reports whether the source is heating.
func (s *SimThermal) Powered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered
}

// PowerOffs counts SetPower(false) commands received.
func (s *SimThermal) PowerOffs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerOffs
}

func (s *SimThermal) advanceLocked() {
	now := s.clk.Now()
	dt := now.Sub(s.updatedAt)
	s.updatedAt = now
	if dt <= 0 {
		return
	}
	goal := s.ambient
	if s.powered {
		goal = s.target
	}
	k := 1 - math.Exp(-float64(dt)/float64(s.tau))
	s.value += (goal - s.value) * k
}

// SimEnvironment is a simulated chamber with a measurement window.
type SimEnvironment struct {
	*SimThermal

	mu         sync.Mutex
	windowOpen bool
}

func NewSimEnvironment(clk clock.Clock) *SimEnvironment {
	return &SimEnvironment{
		SimThermal: NewSimThermal("environment", clk, 25, 10*time.Minute),
	}
}

func (e *SimEnvironment) SetWindow(_ context.Context, open bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windowOpen = open
	return nil
}

func (e *SimEnvironment) WindowOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.windowOpen
}

// SimPositioner reports arrival after a travel time proportional to the
// distance moved.
type SimPositioner struct {
	clk clock.Clock

	mu           sync.Mutex
	connected    bool
	angle        float64
	speed        float64
	pending      *clock.Timer
	onArrived    []func()
	dropArrivals bool
}

// NewSimPositioner returns a connected positioner turning at degPerSecond.
func NewSimPositioner(clk clock.Clock, degPerSecond float64) *SimPositioner {
	if clk == nil {
		clk = clock.New()
	}
	if degPerSecond <= 0 {
		degPerSecond = 30
	}
	return &SimPositioner{
		clk:       clk,
		connected: true,
		speed:     degPerSecond,
	}
}

func (p *SimPositioner) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetConnected simulates plugging or unplugging the positioner.
func (p *SimPositioner) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

// DropArrivals makes the positioner silently lose arrival notifications.
func (p *SimPositioner) DropArrivals(drop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropArrivals = drop
}

func (p *SimPositioner) ResetZeroPoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	p.angle = 0
	return nil
}

func (p *SimPositioner) MoveToAbsolute(_ context.Context, degrees float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	if p.pending != nil {
		p.pending.Stop()
	}
	travel := time.Duration(math.Abs(degrees-p.angle) / p.speed * float64(time.Second))
	p.angle = degrees
	p.pending = p.clk.AfterFunc(travel, p.arrive)
	return nil
}

func (p *SimPositioner) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	return nil
}

func (p *SimPositioner) OnArrived(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onArrived = append(p.onArrived, fn)
}

// Angle is the absolute angle of the last commanded move.
func (p *SimPositioner) Angle() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.angle
}

func (p *SimPositioner) arrive() {
	p.mu.Lock()
	p.pending = nil
	drop := p.dropArrivals
	fns := append([]func(){}, p.onArrived...)
	p.mu.Unlock()

	if drop {
		return
	}
	for _, fn := range fns {
		fn()
	}
}

// SimAverager derives readings from a source value plus a fixed per-channel
// offset.
type SimAverager struct {
	clk     clock.Clock
	source  func() float64
	latency time.Duration

	mu      sync.Mutex
	active  string
	offsets map[string]float64
}

// NewSimAverager reads from source after latency. A nil clk means the wall
// clock.
func NewSimAverager(clk clock.Clock, source func() float64, latency time.Duration) *SimAverager {
	if clk == nil {
		clk = clock.New()
	}
	return &SimAverager{
		clk:     clk,
		source:  source,
		latency: latency,
		offsets: map[string]float64{},
	}
}

// SetOffset sets the simulated sensor error of a channel.
func (a *SimAverager) SetOffset(channelID string, offset float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offsets[channelID] = offset
}

func (a *SimAverager) BeginSampling(channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = channelID
	return nil
}

func (a *SimAverager) EndSampling() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == "" {
		return ErrNotSampling
	}
	a.active = ""
	return nil
}

// Active returns the channel being sampled, if any.
func (a *SimAverager) Active() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *SimAverager) Average(ctx context.Context, channelID string) (calibration.Reading, error) {
	if a.latency > 0 {
		select {
		case <-a.clk.After(a.latency):
		case <-ctx.Done():
			return calibration.Reading{}, ctx.Err()
		}
	}

	a.mu.Lock()
	offset := a.offsets[channelID]
	a.mu.Unlock()

	v := a.source() + offset
	return calibration.Reading{
		ChannelID:  channelID,
		DeviceType: "sim",
		Sets: []calibration.ChannelAverages{
			{Primary: v, Ambient: 25, Secondary: v - 0.05},
		},
	}, nil
}
