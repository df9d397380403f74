package ubersdr

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was
	// prevented from running.
	Stop() bool
}

// Scheduler abstracts timer creation so the reconnect and heartbeat
// timers can be driven by a deterministic fake clock in tests.
type Scheduler interface {
	AfterFunc(delay time.Duration, callback func()) Timer
}

type wallClockScheduler struct{}

func (wallClockScheduler) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}

// NewWallClockScheduler returns the real-time Scheduler used by
// default.
func NewWallClockScheduler() Scheduler {
	return wallClockScheduler{}
}
