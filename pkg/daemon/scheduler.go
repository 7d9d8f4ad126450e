package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	// leadDuration is how long before a scheduled run the upcoming
	// notification goes out, so an operator can postpone or skip it.
	leadDuration     = time.Minute * 5
	readyMaxAttempts = 30
	readyInterval    = time.Second * 10
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler starts calibration runs on a cron schedule.
type Scheduler struct {
	OnUpcoming func(runAt time.Time)
	OnError    func(err error)
	// Job starts the run.
	Job func() error
	// Ready is checked right before Job. While it fails the run is retried
	// every readyInterval, up to readyMaxAttempts times, then skipped.
	Ready func() error

	schedule cron.Schedule
	spec     string
	nextRun  time.Time

	mu      sync.Mutex
	running bool

	controlCh chan controlMsg
	stopCh    chan struct{}
}

type controlKind int

const (
	ctrlRecalculate controlKind = iota
	ctrlPostpone
	ctrlSkip
)

type controlMsg struct {
	kind controlKind
	data any
}

func NewScheduler(job, ready func() error, onUpcoming func(time.Time), onError func(error)) *Scheduler {
	if job == nil {
		panic("job cannot be nil")
	}

	return &Scheduler{
		OnUpcoming: onUpcoming,
		OnError:    onError,
		Job:        job,
		Ready:      ready,
		controlCh:  make(chan controlMsg, 4),
		stopCh:     make(chan struct{}),
	}
}

// NextRuns returns the next n activations of spec after now.
func NextRuns(spec string, now time.Time, n int) ([]time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	runs := make([]time.Time, 0, n)
	for range n {
		now = sched.Next(now)
		runs = append(runs, now)
	}
	return runs, nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Start runs the schedule loop. A stopped scheduler can be started again.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	select {
	case <-s.stopCh:
		s.stopCh = make(chan struct{})
	default:
	}
	s.running = true
	go s.loop(s.stopCh)
}

// Schedule sets the cron spec. A running scheduler picks it up immediately.
func (s *Scheduler) Schedule(spec string) error {
	sh, err := cronParser.Parse(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.spec = spec
	running := s.running
	if !running {
		s.schedule = sh
		s.nextRun = sh.Next(time.Now())
	}
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlRecalculate, sh)
	}
	return nil
}

// Postpone delays the next run by d. The postponed run must still come
// before the one after it.
func (s *Scheduler) Postpone(d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() || !s.running {
		s.mu.Unlock()
		return time.Time{}, fmt.Errorf("no active schedule to postpone")
	}
	orig := s.nextRun
	following := s.schedule.Next(orig).Truncate(time.Second)
	s.mu.Unlock()

	pp := orig.Add(d).Truncate(time.Second)
	if pp.Compare(following) >= 0 {
		return time.Time{}, fmt.Errorf("postponing by %s would pass the following run at %s", d, following.Format(time.DateTime))
	}

	s.trySendControl(ctrlPostpone, pp)
	return pp, nil
}

// Skip drops the next run.
func (s *Scheduler) Skip() (time.Time, error) {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return time.Time{}, fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	next := s.nextRun
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlSkip, nil)
	}
	return next, nil
}

func (s *Scheduler) Status() (spec string, nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec, s.nextRun, s.running
}

func (s *Scheduler) loop(stopCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		leading := true
		attempts := 0
		var readyErr error

		schedule, nextRun := s.snapshot()
		var timer *time.Timer
		if schedule == nil || nextRun.IsZero() {
			timer = time.NewTimer(time.Hour * 10000)
		} else {
			wait := time.Until(nextRun) - leadDuration
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
		}

	wait:
		for {
			select {
			case <-timer.C:
				if schedule == nil || nextRun.IsZero() {
					break wait
				}

				if leading {
					logrus.WithField("runAt", nextRun.Format(time.DateTime)).Info("scheduled calibration is coming up")
					leading = false
					runWait := time.Until(nextRun)
					if runWait < 0 {
						runWait = 0
					}
					timer.Reset(runWait)
					s.notifyUpcoming(nextRun)
					continue
				}

				if s.Ready != nil {
					if err := s.Ready(); err != nil {
						// Report each distinct reason once.
						if readyErr == nil || err.Error() != readyErr.Error() {
							readyErr = err
							s.notifyError(fmt.Errorf("scheduled calibration cannot start yet: %w", err))
						}

						attempts++
						if attempts <= readyMaxAttempts {
							logrus.WithField("attempt", attempts).WithError(err).Debug("not ready for scheduled calibration, retrying")
							timer.Reset(readyInterval)
							continue
						}

						logrus.WithError(err).Warn("giving up on scheduled calibration")
						timer.Stop()
						s.advanceNextRun()
						break wait
					}
				}

				timer.Stop()
				logrus.WithField("runAt", nextRun.Format(time.DateTime)).Info("starting scheduled calibration")
				go func() {
					if err := s.Job(); err != nil {
						s.notifyError(fmt.Errorf("scheduled calibration failed to start: %w", err))
					}
				}()
				s.advanceNextRun()
				break wait
			case <-stopCh:
				timer.Stop()
				return
			case msg := <-s.controlCh:
				logrus.WithFields(logrus.Fields{
					"kind": msg.kind,
					"data": msg.data,
				}).Debug("received control msg")

				switch msg.kind {
				case ctrlRecalculate:
					timer.Stop()
					sh := msg.data.(cron.Schedule)
					s.mu.Lock()
					s.schedule = sh
					s.nextRun = sh.Next(time.Now())
					s.mu.Unlock()
				case ctrlPostpone:
					pp := msg.data.(time.Time)
					leading = false
					timer.Reset(time.Until(pp))
					continue
				case ctrlSkip:
					timer.Stop()
				}
				break wait
			}
		}
	}
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(s.nextRun)
}

func (s *Scheduler) notifyUpcoming(runAt time.Time) {
	if s.OnUpcoming == nil {
		return
	}
	go s.OnUpcoming(runAt)
}

func (s *Scheduler) notifyError(err error) {
	if s.OnError == nil {
		return
	}
	go s.OnError(err)
}

func (s *Scheduler) trySendControl(kind controlKind, data any) {
	select {
	case s.controlCh <- controlMsg{kind: kind, data: data}:
	default:
	}
}
