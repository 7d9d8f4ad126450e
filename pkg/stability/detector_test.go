package stability

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectorConvergesAtFullWindow(t *testing.T) {
	d := NewDetector(Options{})
	target := 35.0

	stableAt := 0
	for i := 1; i <= 200; i++ {
		// Alternate within a 0.05 band around the target.
		sample := target + 0.02
		if i%2 == 0 {
			sample = target - 0.03
		}
		res, err := d.Observe(sample, target)
		require.NoError(t, err)
		if res.Stable {
			stableAt = i
			break
		}
	}

	assert.Equal(t, DefaultWindowSize, stableAt, "stability must be declared at exactly the 150th sample")
}

func TestDetectorRejectsNonFinite(t *testing.T) {
	d := NewDetector(Options{WindowSize: 3})

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := d.Observe(v, 20)
		if !errors.Is(err, ErrInvalidSample) {
			t.Fatalf("expected ErrInvalidSample for %v, got %v", v, err)
		}
	}
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, 0, d.Count())

	// Valid samples still work afterwards.
	for i := 0; i < 3; i++ {
		res, err := d.Observe(20, 20)
		require.NoError(t, err)
		if i < 2 {
			assert.False(t, res.Stable)
		} else {
			assert.True(t, res.Stable)
		}
	}
}

func TestDetectorThresholds(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		target  float64
		stable  bool
	}{
		{
			name:    "within both thresholds",
			samples: []float64{50.0, 50.05, 50.09},
			target:  50.5,
			stable:  true,
		},
		{
			name:    "fluctuation too large",
			samples: []float64{50.0, 50.1, 50.05},
			target:  50.0,
			stable:  false,
		},
		{
			name:    "old sample too far from target",
			samples: []float64{48.95, 49.0, 49.0},
			target:  50.0,
			stable:  false,
		},
		{
			name:    "all samples far from target",
			samples: []float64{40.0, 40.0, 40.0},
			target:  50.0,
			stable:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(Options{WindowSize: len(tt.samples)})
			var res Result
			for _, s := range tt.samples {
				var err error
				res, err = d.Observe(s, tt.target)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.stable, res.Stable, res.Reason)
		})
	}
}

func TestDetectorResetStartsOver(t *testing.T) {
	d := NewDetector(Options{WindowSize: 2})
	_, _ = d.Observe(10, 10)
	res, _ := d.Observe(10, 10)
	require.True(t, res.Stable)

	d.Reset()
	res, _ = d.Observe(10, 10)
	assert.False(t, res.Stable)
	assert.Equal(t, 1, d.Count())
}

func TestWindowEviction(t *testing.T) {
	w := NewWindow(150)
	for i := 0; i < 151; i++ {
		w.Push(float64(i))
	}

	assert.Equal(t, 150, w.Len())
	values := w.Values()
	assert.Equal(t, 1.0, values[0], "oldest sample must be evicted first")
	assert.Equal(t, 150.0, values[len(values)-1])

	lo, hi := w.MinMax()
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 150.0, hi)
}
