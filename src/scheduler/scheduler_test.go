package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_AddInvalidSchedule(t *testing.T) {
	s := New()
	if err := s.Add("bad", "not a cron expression", func() error { return nil }); err == nil {
		t.Error("Add() with an invalid schedule should fail")
	}
}

func TestScheduler_RunsTask(t *testing.T) {
	s := New()
	var runs int32
	if err := s.Add("tick", "@every 10ms", func() error {
		atomic.AddInt32(&runs, 1)
		return nil
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) == 0 {
		t.Fatal("task never ran")
	}
	if s.LastRun("tick") == nil {
		t.Error("LastRun() = nil after the task ran")
	}
}

func TestScheduler_TaskErrorIsNotFatal(t *testing.T) {
	s := New()
	var runs int32
	if err := s.Add("failing", "@every 10ms", func() error {
		atomic.AddInt32(&runs, 1)
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// The task keeps getting scheduled despite returning errors.
	if atomic.LoadInt32(&runs) < 2 {
		t.Error("failing task should keep running on schedule")
	}
}

func TestScheduler_LastRunUnknownTask(t *testing.T) {
	s := New()
	if s.LastRun("nope") != nil {
		t.Error("LastRun() for an unknown task should be nil")
	}
}
