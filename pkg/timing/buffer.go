package timing

import "math"

const DefaultSettleBufferSize = 60

// SettleBuffer keeps the most recent reference readings taken during a
// settle-and-sample wait, trimmed to a fixed size.
type SettleBuffer struct {
	max     int
	samples []float64
}

func NewSettleBuffer(max int) *SettleBuffer {
	if max <= 0 {
		max = DefaultSettleBufferSize
	}
	return &SettleBuffer{
		max:     max,
		samples: make([]float64, 0, max),
	}
}

// Add appends v, dropping the oldest sample once the buffer is full.
// Non-finite values are ignored and reported as false.
func (b *SettleBuffer) Add(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if len(b.samples) >= b.max {
		b.samples = b.samples[1:]
	}
	b.samples = append(b.samples, v)
	return true
}

func (b *SettleBuffer) Len() int {
	return len(b.samples)
}

// Mean returns the arithmetic mean of the buffer, or fallback when the
// buffer is empty.
func (b *SettleBuffer) Mean(fallback float64) float64 {
	if len(b.samples) == 0 {
		return fallback
	}
	sum := 0.0
	for _, v := range b.samples {
		sum += v
	}
	return sum / float64(len(b.samples))
}

func (b *SettleBuffer) Clear() {
	b.samples = b.samples[:0]
}
