package recording

import (
	"sync"
	"time"
)

// manualScheduler collects scheduled tasks and runs them only when the test
// says so, making the settle and confirmation windows virtual time.
type manualScheduler struct {
	mu    sync.Mutex
	queue []*manualTask
}

type manualTask struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTask) run() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

func (s *manualScheduler) Schedule(d time.Duration, fn func()) Timer {
	t := &manualTask{delay: d, fn: fn}
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	return t
}

// fire runs every task scheduled so far that has not been stopped.
func (s *manualScheduler) fire() {
	s.mu.Lock()
	tasks := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, t := range tasks {
		t.run()
	}
}

// pendingCount returns the number of scheduled, unstopped tasks.
func (s *manualScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.queue {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			count++
		}
		t.mu.Unlock()
	}
	return count
}
