package runloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLoopRunsPostedWorkInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(nil)
	l.Start(context.Background())
	defer l.Stop()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	// Call is ordered after everything posted before it.
	var snapshot []int
	l.Call(func() { snapshot = append(snapshot, got...) })

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, snapshot)
}

func TestLoopAfterFuncUsesClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock := clock.NewMock()
	l := New(mock)
	l.Start(context.Background())
	defer l.Stop()

	var fired atomic.Int32
	l.Call(func() {
		l.AfterFunc(10*time.Second, func() { fired.Add(1) })
	})

	mock.Add(9 * time.Second)
	l.Call(func() {})
	assert.Equal(t, int32(0), fired.Load())

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		var n int32
		l.Call(func() { n = fired.Load() })
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLoopAsyncPostsCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(nil)
	l.Start(context.Background())
	defer l.Stop()

	boom := errors.New("boom")
	done := make(chan error, 1)
	l.Async(func() error { return boom }, func(err error) { done <- err })

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatalf("async completion was not delivered")
	}
}

func TestLoopSerialKeepsSubmissionOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(nil)
	l.Start(context.Background())
	defer l.Stop()

	var mu sync.Mutex
	var ran []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, s)
	}

	release := make(chan struct{})
	otherDone := make(chan struct{})
	var completed []string
	allDone := make(chan struct{})

	l.Serial("ref", func() error {
		<-release
		record("on")
		return nil
	}, func(error) { completed = append(completed, "on") })
	l.Serial("ref", func() error {
		record("off")
		return nil
	}, func(error) {
		completed = append(completed, "off")
		close(allDone)
	})
	// Other queues are not held up by a slow job.
	l.Serial("env", func() error {
		record("env")
		return nil
	}, func(error) { close(otherDone) })

	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatalf("independent queue was blocked")
	}
	close(release)

	select {
	case <-allDone:
	case <-time.After(time.Second):
		t.Fatalf("serial completions were not delivered")
	}
	mu.Lock()
	assert.Equal(t, []string{"env", "on", "off"}, ran)
	mu.Unlock()
	assert.Equal(t, []string{"on", "off"}, completed)
}

func TestLoopStopDropsWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(nil)
	l.Start(context.Background())
	l.Stop()

	ran := false
	l.Post(func() { ran = true })
	// Call must not block on a stopped loop.
	l.Call(func() { ran = true })
	assert.False(t, ran)
}

func TestManualAdvanceFiresInOrder(t *testing.T) {
	m := NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	var order []string
	m.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	m.AfterFunc(time.Second, func() {
		order = append(order, "a")
		m.AfterFunc(time.Second, func() { order = append(order, "b") })
	})
	stopped := m.AfterFunc(2*time.Second, func() { order = append(order, "never") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	m.Advance(2500 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, m.Pending())
}

func TestManualAsyncCompletesOnDrain(t *testing.T) {
	m := NewManual(time.Now())

	worked, completed := false, false
	m.Async(func() error { worked = true; return nil }, func(error) { completed = true })
	assert.True(t, worked)
	assert.False(t, completed)

	m.Drain()
	assert.True(t, completed)
}

func TestManualHoldAsync(t *testing.T) {
	m := NewManual(time.Now())
	m.HoldAsync(true)

	completed := 0
	m.Async(func() error { return nil }, func(error) { completed++ })
	m.Advance(time.Hour)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, m.Held())

	m.HoldAsync(false)
	m.ReleaseAsync()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, m.Held())
}
