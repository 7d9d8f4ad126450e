// Package device defines the hardware collaborators a calibration run
// drives, plus simulated implementations for running without hardware.
//
// Calls may block on I/O. The orchestrator always invokes them off its
// loop.
package device

import (
	"context"

	"github.com/ircal/ircal/pkg/calibration"
)

// Thermal is a temperature source driven to a target value: the reference
// blackbody, or the environment chamber.
type Thermal interface {
	SetTarget(ctx context.Context, value float64) error
	SetPower(ctx context.Context, on bool) error
	// AcquireControl takes (or releases) exclusive remote control of the
	// device.
	AcquireControl(ctx context.Context, on bool) error
	// CurrentValue is the most recently measured value. It never blocks.
	CurrentValue() float64
}

// Environment is the chamber that also carries the measurement window.
type Environment interface {
	Thermal
	SetWindow(ctx context.Context, open bool) error
}

// Positioner rotates the sensor carrier to absolute angles.
type Positioner interface {
	IsConnected() bool
	// ResetZeroPoint re-zeroes the positioner's own position register.
	ResetZeroPoint() error
	MoveToAbsolute(ctx context.Context, degrees float64) error
	Stop() error
	// OnArrived registers fn to be called, on any goroutine, each time a
	// move completes.
	OnArrived(fn func())
}

// Averager is the sensor-reading averaging service.
type Averager interface {
	// BeginSampling starts acquisition on a channel.
	BeginSampling(channelID string) error
	EndSampling() error
	// Average returns the averaged reading of channelID since sampling
	// began.
	Average(ctx context.Context, channelID string) (calibration.Reading, error)
}
