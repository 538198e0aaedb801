// Package scheduler runs the service's periodic maintenance tasks on
// cron expressions.
package scheduler

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task represents a scheduled task
type Task struct {
	Name     string
	Schedule string // Cron expression: "0 2 * * *", "@hourly", "@every 5m"
	Fn       func() error

	entryID cron.EntryID
	lastRun *time.Time
	mu      sync.Mutex
}

// Scheduler manages scheduled tasks using robfig/cron
type Scheduler struct {
	cron  *cron.Cron
	tasks map[string]*Task
	mu    sync.RWMutex
}

// New creates a scheduler with standard cron format plus descriptors
func New() *Scheduler {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	return &Scheduler{
		cron:  c,
		tasks: make(map[string]*Task),
	}
}

// Add registers a task. Task errors are logged, never fatal.
func (s *Scheduler) Add(name, schedule string, fn func() error) error {
	task := &Task{Name: name, Schedule: schedule, Fn: fn}

	entryID, err := s.cron.AddFunc(schedule, func() {
		task.mu.Lock()
		now := time.Now()
		task.lastRun = &now
		task.mu.Unlock()

		if err := fn(); err != nil {
			log.Printf("Scheduled task %s failed: %v", name, err)
		}
	})
	if err != nil {
		return err
	}
	task.entryID = entryID

	s.mu.Lock()
	s.tasks[name] = task
	s.mu.Unlock()
	return nil
}

// LastRun returns when a task last ran, or nil if it has not run yet
func (s *Scheduler) LastRun(name string) *time.Time {
	s.mu.RLock()
	task, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.lastRun
}

// Start starts the cron loop in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("Scheduler started with %d tasks", len(s.tasks))
}

// Stop stops the cron loop and waits for running tasks
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
