package recording

import "time"

// Timer is a handle to a scheduled task.
type Timer interface {
	// Stop cancels the task. It reports whether the cancellation happened
	// before the task ran. Note that Stop returning false does not mean the
	// task has finished running; sessions guard against a cancelled timer
	// still firing with an epoch counter.
	Stop() bool
}

// Scheduler runs a function once after a delay.
// The controller takes its timers from a Scheduler so that settle and
// confirmation timeouts can be driven by virtual time in tests.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

type timeScheduler struct{}

// NewScheduler returns the wall-clock scheduler used in production.
func NewScheduler() Scheduler {
	return timeScheduler{}
}

func (timeScheduler) Schedule(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
