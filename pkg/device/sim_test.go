package device

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimThermalApproachesTarget(t *testing.T) {
	mock := clock.NewMock()
	ref := NewSimThermal("reference", mock, 25, time.Minute)
	ctx := context.Background()

	assert.ErrorIs(t, ref.SetTarget(ctx, 100), ErrNotControlled)

	require.NoError(t, ref.AcquireControl(ctx, true))
	require.NoError(t, ref.SetTarget(ctx, 100))
	require.NoError(t, ref.SetPower(ctx, true))

	mock.Add(10 * time.Minute)
	assert.InDelta(t, 100, ref.CurrentValue(), 0.01)

	require.NoError(t, ref.SetPower(ctx, false))
	mock.Add(10 * time.Minute)
	assert.InDelta(t, 25, ref.CurrentValue(), 0.01)
	assert.Equal(t, 1, ref.PowerOffs())
}

func TestSimPositionerArrival(t *testing.T) {
	mock := clock.NewMock()
	p := NewSimPositioner(mock, 36)

	var arrivals atomic.Int32
	p.OnArrived(func() { arrivals.Add(1) })

	require.NoError(t, p.MoveToAbsolute(context.Background(), 72))
	mock.Add(time.Second)
	assert.Equal(t, int32(0), arrivals.Load())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return arrivals.Load() == 1 }, time.Second, time.Millisecond)

	p.DropArrivals(true)
	require.NoError(t, p.MoveToAbsolute(context.Background(), 0))
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), arrivals.Load())
}

func TestSimPositionerDisconnected(t *testing.T) {
	p := NewSimPositioner(clock.NewMock(), 36)
	p.SetConnected(false)
	assert.False(t, p.IsConnected())
	assert.ErrorIs(t, p.MoveToAbsolute(context.Background(), 36), ErrNotConnected)
	assert.ErrorIs(t, p.ResetZeroPoint(), ErrNotConnected)
}

func TestSimAverager(t *testing.T) {
	a := NewSimAverager(clock.NewMock(), func() float64 { return 50 }, 0)
	a.SetOffset("COM3", 0.5)

	assert.ErrorIs(t, a.EndSampling(), ErrNotSampling)
	require.NoError(t, a.BeginSampling("COM3"))
	assert.Equal(t, "COM3", a.Active())

	r, err := a.Average(context.Background(), "COM3")
	require.NoError(t, err)
	require.Len(t, r.Sets, 1)
	assert.Equal(t, 50.5, r.Sets[0].Primary)
	require.NoError(t, a.EndSampling())
}

func TestSimAveragerHonoursContext(t *testing.T) {
	a := NewSimAverager(clock.NewMock(), func() float64 { return 50 }, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Average(ctx, "COM3")
	assert.ErrorIs(t, err, context.Canceled)
}
