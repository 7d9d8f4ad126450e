package daemon

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextRuns(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 30, 0, time.Local)
	runs, err := NextRuns("0 2 * * *", now, 3)
	if err != nil {
		t.Fatalf("NextRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	want := time.Date(2024, 3, 2, 2, 0, 0, 0, time.Local)
	if !runs[0].Equal(want) {
		t.Fatalf("first run = %v, want %v", runs[0], want)
	}
	for i := 1; i < len(runs); i++ {
		if !runs[i].After(runs[i-1]) {
			t.Fatalf("runs not increasing: %v", runs)
		}
	}

	if _, err := NextRuns("not a cron", now, 1); err == nil {
		t.Fatalf("expected invalid cron expression error")
	}
}

func TestSchedulerScheduleStatus(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)

	if err := s.Schedule("@every 1m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	spec, next, running := s.Status()
	if running {
		t.Fatalf("scheduler should not be running")
	}
	if spec != "@every 1m" {
		t.Fatalf("spec = %q", spec)
	}
	if next.IsZero() {
		t.Fatalf("next run should be set after scheduling")
	}
}

func TestSchedulerSkip(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)
	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	_, orig, _ := s.Status()

	s.Start()
	defer s.Stop()

	skipped, err := s.Skip()
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if !skipped.After(orig) {
		t.Fatalf("expected skip to move schedule forward, got %v <= %v", skipped, orig)
	}
}

func TestSchedulerPostponeBounds(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)
	if _, err := s.Postpone(time.Minute); err == nil {
		t.Fatalf("postpone without a schedule should fail")
	}

	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Start()
	defer s.Stop()

	if _, err := s.Postpone(-time.Minute); err == nil {
		t.Fatalf("negative postpone should fail")
	}
	if _, err := s.Postpone(time.Hour); err == nil {
		t.Fatalf("postponing past the following run should fail")
	}
	if _, err := s.Postpone(time.Minute); err != nil {
		t.Fatalf("Postpone: %v", err)
	}
}

func TestSchedulerRunCycle(t *testing.T) {
	upcomingCh := make(chan time.Time, 1)
	jobCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	var readyChecks int32

	job := func() error {
		jobCh <- struct{}{}
		return nil
	}
	ready := func() error {
		atomic.AddInt32(&readyChecks, 1)
		return nil
	}
	onUpcoming := func(at time.Time) {
		upcomingCh <- at
	}
	onError := func(err error) {
		errCh <- err
	}

	s := NewScheduler(job, ready, onUpcoming, onError)
	if err := s.Schedule("@every 1s"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	s.mu.Lock()
	s.nextRun = time.Now().Add(50 * time.Millisecond)
	s.mu.Unlock()

	s.Start()
	defer s.Stop()

	select {
	case <-upcomingCh:
	case <-time.After(time.Second):
		t.Fatalf("did not receive upcoming notification in time")
	}

	select {
	case <-jobCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run in time")
	}

	if atomic.LoadInt32(&readyChecks) == 0 {
		t.Fatalf("ready check should have run")
	}

	select {
	case err := <-errCh:
		t.Fatalf("unexpected error callback: %v", err)
	default:
	}
}

func TestSchedulerNotReady(t *testing.T) {
	jobCh := make(chan struct{}, 1)
	errCh := make(chan error, 2)

	job := func() error {
		jobCh <- struct{}{}
		return nil
	}
	ready := func() error {
		return errors.New("a run is already active")
	}
	onError := func(err error) {
		errCh <- err
	}

	s := NewScheduler(job, ready, nil, onError)
	if err := s.Schedule("@every 1s"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	s.mu.Lock()
	s.nextRun = time.Now().Add(50 * time.Millisecond)
	s.mu.Unlock()

	s.Start()
	defer s.Stop()

	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "already active") {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected error callback from failed ready check")
	}

	select {
	case <-jobCh:
		t.Fatalf("job should not run while not ready")
	default:
	}
}
