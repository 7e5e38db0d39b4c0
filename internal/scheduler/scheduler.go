// Package scheduler runs periodic control tasks on a single goroutine.
//
// Every task runs to completion inside a tick, so tasks never race each
// other. Code outside the loop (HTTP handlers, CLI) enters the same
// critical section through Do.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle identifies a scheduled task. The zero Handle is never issued.
type Handle int

// Priorities. Higher runs first within a tick.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

type task struct {
	handle   Handle
	every    uint64
	priority int
	fn       func()
}

// Scheduler is a fixed-rate cooperative task runner.
type Scheduler struct {
	base time.Duration

	mu    sync.Mutex // held while tasks or Do run
	ticks uint64

	tasksMu sync.Mutex
	tasks   []task
	next    Handle
}

// New returns a scheduler ticking every base period.
func New(base time.Duration) *Scheduler {
	if base <= 0 {
		base = 5 * time.Millisecond
	}
	return &Scheduler{base: base}
}

// Base returns the tick period.
func (s *Scheduler) Base() time.Duration {
	return s.base
}

// Schedule runs fn every period, rounded to a whole number of ticks (at
// least one). It may be called from inside a task.
func (s *Scheduler) Schedule(period time.Duration, priority int, fn func()) Handle {
	every := uint64((period + s.base/2) / s.base)
	if every == 0 {
		every = 1
	}

	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	s.next++
	s.tasks = append(s.tasks, task{handle: s.next, every: every, priority: priority, fn: fn})
	sort.SliceStable(s.tasks, func(i, j int) bool {
		return s.tasks[i].priority > s.tasks[j].priority
	})
	return s.next
}

// Cancel removes a task. Cancelling an unknown or zero handle is a no-op,
// and a task may cancel itself.
func (s *Scheduler) Cancel(h Handle) {
	if h == 0 {
		return
	}
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	for i, t := range s.tasks {
		if t.handle == h {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}

// Active reports whether h is still scheduled.
func (s *Scheduler) Active(h Handle) bool {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	for _, t := range s.tasks {
		if t.handle == h {
			return true
		}
	}
	return false
}

// Tick runs one tick: every task whose period divides the tick count.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticks++
	s.tasksMu.Lock()
	due := make([]task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if s.ticks%t.every == 0 {
			due = append(due, t)
		}
	}
	s.tasksMu.Unlock()

	for _, t := range due {
		if !s.Active(t.handle) {
			continue // cancelled by an earlier task this tick
		}
		t.fn()
	}
}

// Do runs fn between ticks.
func (s *Scheduler) Do(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.base)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}
