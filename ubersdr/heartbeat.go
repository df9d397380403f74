package ubersdr

import (
	"sync"
	"time"
)

// The server keeps a secondary UI state snapshot that is refreshed by
// get_status responses; 500ms keeps it within one period of the
// authoritative session state.
const defaultHeartbeatInterval = 500 * time.Millisecond

// heartbeatLoop emits a get_status refresh on a fixed period while the
// connection is open. At most one timer is ever active; start while
// running is a no-op, and stop is safe from any state.
type heartbeatLoop struct {
	lock      sync.Mutex
	scheduler Scheduler
	interval  time.Duration
	send      func(value interface{}) bool
	timer     Timer
	active    bool
}

func newHeartbeatLoop(scheduler Scheduler, interval time.Duration, send func(value interface{}) bool) *heartbeatLoop {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &heartbeatLoop{
		scheduler: scheduler,
		interval:  interval,
		send:      send,
	}
}

func (loop *heartbeatLoop) start() {
	loop.lock.Lock()
	defer loop.lock.Unlock()
	if loop.active {
		return
	}
	loop.active = true
	loop.timer = loop.scheduler.AfterFunc(loop.interval, loop.tick)
}

func (loop *heartbeatLoop) stop() {
	loop.lock.Lock()
	defer loop.lock.Unlock()
	loop.active = false
	if loop.timer != nil {
		loop.timer.Stop()
		loop.timer = nil
	}
}

func (loop *heartbeatLoop) running() bool {
	loop.lock.Lock()
	defer loop.lock.Unlock()
	return loop.active
}

func (loop *heartbeatLoop) tick() {
	loop.lock.Lock()
	if !loop.active {
		loop.lock.Unlock()
		return
	}
	loop.timer = loop.scheduler.AfterFunc(loop.interval, loop.tick)
	loop.lock.Unlock()

	loop.send(newGetStatusMessage())
}
