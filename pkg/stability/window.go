package stability

// Window is a fixed-capacity FIFO of float samples backed by a ring buffer.
// It is not safe for concurrent use; the orchestrator only touches it from
// its event loop.
type Window struct {
	buf   []float64
	head  int // index of the oldest sample
	count int
}

// NewWindow returns an empty Window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		panic("window capacity must be positive")
	}
	return &Window{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest sample when the window is full.
func (w *Window) Push(v float64) {
	if w.count < len(w.buf) {
		w.buf[(w.head+w.count)%len(w.buf)] = v
		w.count++
		return
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
}

func (w *Window) Len() int   { return w.count }
func (w *Window) Cap() int   { return len(w.buf) }
func (w *Window) Full() bool { return w.count == len(w.buf) }

// Values returns the samples oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// MinMax returns the smallest and largest sample. Both are zero for an
// empty window.
func (w *Window) MinMax() (lo, hi float64) {
	if w.count == 0 {
		return 0, 0
	}
	lo = w.buf[w.head]
	hi = lo
	for i := 1; i < w.count; i++ {
		v := w.buf[(w.head+i)%len(w.buf)]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Clear drops all samples.
func (w *Window) Clear() {
	w.head = 0
	w.count = 0
}
