package runloop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var _ Executor = &Loop{}

// Loop is an Executor backed by a single goroutine and a real (or mocked)
// clock. Posting never blocks: the queue is unbounded.
type Loop struct {
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	closed  bool
	running bool

	wake    chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}

	serial map[string]*serialQueue
	async  sync.WaitGroup
}

type serialQueue struct {
	jobs    []func()
	running bool
}

// New returns a Loop using clk. A nil clk means the wall clock.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		clock:   clk,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start runs the loop in a new goroutine until Stop is called or ctx is
// done. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running || l.closed {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop terminates the loop, drops any queued work and waits for the loop
// goroutine and in-flight async work to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.Wait()
		return
	}
	l.closed = true
	running := l.running
	l.queue = nil
	l.mu.Unlock()

	close(l.stopCh)
	if running {
		<-l.stopped
	} else {
		close(l.stopped)
	}
	l.async.Wait()
}

// Wait blocks until the loop has stopped.
func (l *Loop) Wait() {
	<-l.stopped
	l.async.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.stopped)
	logrus.Debug("run loop started")
	defer logrus.Debug("run loop stopped")

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return
		case <-l.stopCh:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Call(fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-l.stopped:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return l.clock.AfterFunc(d, func() {
		l.Post(fn)
	})
}

func (l *Loop) Async(work func() error, done func(error)) {
	l.async.Add(1)
	go func() {
		defer l.async.Done()
		err := work()
		l.Post(func() {
			done(err)
		})
	}()
}

func (l *Loop) Serial(queue string, work func() error, done func(error)) {
	job := func() {
		err := work()
		l.Post(func() {
			done(err)
		})
	}

	l.mu.Lock()
	if l.serial == nil {
		l.serial = map[string]*serialQueue{}
	}
	q := l.serial[queue]
	if q == nil {
		q = &serialQueue{}
		l.serial[queue] = q
	}
	q.jobs = append(q.jobs, job)
	if q.running {
		l.mu.Unlock()
		return
	}
	q.running = true
	l.async.Add(1)
	l.mu.Unlock()

	go l.drain(q)
}

// drain runs the jobs of q until it is empty. At most one drain runs per
// queue.
func (l *Loop) drain(q *serialQueue) {
	defer l.async.Done()
	for {
		l.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			l.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		l.mu.Unlock()

		job()
	}
}
