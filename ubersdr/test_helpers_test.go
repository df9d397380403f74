package ubersdr

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeScheduler is a deterministic clock: timers fire only when the
// test advances it.
type fakeScheduler struct {
	lock   sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	scheduler *fakeScheduler
	deadline  time.Duration
	callback  func()
	stopped   bool
	fired     bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (scheduler *fakeScheduler) AfterFunc(delay time.Duration, callback func()) Timer {
	scheduler.lock.Lock()
	defer scheduler.lock.Unlock()
	timer := &fakeTimer{
		scheduler: scheduler,
		deadline:  scheduler.now + delay,
		callback:  callback,
	}
	scheduler.timers = append(scheduler.timers, timer)
	return timer
}

func (timer *fakeTimer) Stop() bool {
	timer.scheduler.lock.Lock()
	defer timer.scheduler.lock.Unlock()
	if timer.fired || timer.stopped {
		return false
	}
	timer.stopped = true
	return true
}

// advance moves the clock forward, firing due timers in deadline order.
// Callbacks run outside the scheduler lock and may schedule new timers.
func (scheduler *fakeScheduler) advance(delta time.Duration) {
	scheduler.lock.Lock()
	target := scheduler.now + delta
	scheduler.lock.Unlock()

	for {
		scheduler.lock.Lock()
		var next *fakeTimer
		for _, timer := range scheduler.timers {
			if timer.stopped || timer.fired || timer.deadline > target {
				continue
			}
			if next == nil || timer.deadline < next.deadline {
				next = timer
			}
		}
		if next == nil {
			scheduler.now = target
			scheduler.lock.Unlock()
			return
		}
		next.fired = true
		scheduler.now = next.deadline
		callback := next.callback
		scheduler.lock.Unlock()

		callback()
	}
}

// pendingTimers counts timers that are armed and not yet fired.
func (scheduler *fakeScheduler) pendingTimers() int {
	scheduler.lock.Lock()
	defer scheduler.lock.Unlock()
	count := 0
	for _, timer := range scheduler.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

// nextDelay returns the wait until the earliest pending timer.
func (scheduler *fakeScheduler) nextDelay() (time.Duration, bool) {
	scheduler.lock.Lock()
	defer scheduler.lock.Unlock()
	var best time.Duration
	found := false
	for _, timer := range scheduler.timers {
		if timer.stopped || timer.fired {
			continue
		}
		wait := timer.deadline - scheduler.now
		if !found || wait < best {
			best = wait
			found = true
		}
	}
	return best, found
}

type readResult struct {
	payload []byte
	err     error
}

var errTransportClosed = errors.New("transport closed")

// fakeTransport is a scriptable Transport: tests deliver inbound frames
// or a terminal read error, and inspect outbound writes.
type fakeTransport struct {
	lock      sync.Mutex
	inbound   chan readResult
	closeOnce sync.Once
	closeCh   chan struct{}
	writes    []interface{}
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan readResult, 16),
		closeCh: make(chan struct{}),
	}
}

func (transport *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case result := <-transport.inbound:
		return result.payload, result.err
	case <-transport.closeCh:
		return nil, errTransportClosed
	}
}

func (transport *fakeTransport) WriteJSON(value interface{}) error {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	if transport.closed {
		return errTransportClosed
	}
	transport.writes = append(transport.writes, value)
	return nil
}

func (transport *fakeTransport) Close() error {
	transport.lock.Lock()
	transport.closed = true
	transport.lock.Unlock()
	transport.closeOnce.Do(func() { close(transport.closeCh) })
	return nil
}

func (transport *fakeTransport) deliver(payload string) {
	transport.inbound <- readResult{payload: []byte(payload)}
}

func (transport *fakeTransport) fail(err error) {
	transport.inbound <- readResult{err: err}
}

func (transport *fakeTransport) isClosed() bool {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.closed
}

func (transport *fakeTransport) writtenValues() []interface{} {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return append([]interface{}(nil), transport.writes...)
}

// fakeDialer hands out fakeTransports, or scripted dial errors, and
// records every stream URL dialed.
type fakeDialer struct {
	lock       sync.Mutex
	dialErrs   []error
	transports []*fakeTransport
	urls       []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (dialer *fakeDialer) failNext(errs ...error) {
	dialer.lock.Lock()
	dialer.dialErrs = append(dialer.dialErrs, errs...)
	dialer.lock.Unlock()
}

func (dialer *fakeDialer) Dial(streamURL string) (Transport, error) {
	dialer.lock.Lock()
	defer dialer.lock.Unlock()
	dialer.urls = append(dialer.urls, streamURL)
	if len(dialer.dialErrs) > 0 {
		err := dialer.dialErrs[0]
		dialer.dialErrs = dialer.dialErrs[1:]
		return nil, err
	}
	transport := newFakeTransport()
	dialer.transports = append(dialer.transports, transport)
	return transport, nil
}

func (dialer *fakeDialer) dialCount() int {
	dialer.lock.Lock()
	defer dialer.lock.Unlock()
	return len(dialer.urls)
}

func (dialer *fakeDialer) urlAt(index int) string {
	dialer.lock.Lock()
	defer dialer.lock.Unlock()
	if index < 0 || index >= len(dialer.urls) {
		return ""
	}
	return dialer.urls[index]
}

func (dialer *fakeDialer) transportAt(index int) *fakeTransport {
	dialer.lock.Lock()
	defer dialer.lock.Unlock()
	if index < 0 || index >= len(dialer.transports) {
		return nil
	}
	return dialer.transports[index]
}

func (dialer *fakeDialer) lastTransport() *fakeTransport {
	dialer.lock.Lock()
	defer dialer.lock.Unlock()
	if len(dialer.transports) == 0 {
		return nil
	}
	return dialer.transports[len(dialer.transports)-1]
}

// fakeGate replays scripted admission results, then allows everything.
type fakeGate struct {
	lock    sync.Mutex
	scripts []AdmissionResult
	calls   int
}

func newFakeGate(scripts ...AdmissionResult) *fakeGate {
	return &fakeGate{scripts: scripts}
}

func (gate *fakeGate) script(results ...AdmissionResult) {
	gate.lock.Lock()
	gate.scripts = append(gate.scripts, results...)
	gate.lock.Unlock()
}

func (gate *fakeGate) Check(sessionID, password string) AdmissionResult {
	gate.lock.Lock()
	defer gate.lock.Unlock()
	gate.calls++
	if len(gate.scripts) > 0 {
		result := gate.scripts[0]
		gate.scripts = gate.scripts[1:]
		return result
	}
	return AdmissionResult{Allowed: true, HTTPStatus: 200}
}

func (gate *fakeGate) checkCount() int {
	gate.lock.Lock()
	defer gate.lock.Unlock()
	return gate.calls
}

// recordingListener captures every event for assertions.
type recordingListener struct {
	lock   sync.Mutex
	opens  int
	closes []string
	frames []*Frame
	errs   []ErrorEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{}
}

func (listener *recordingListener) ConnectionOpened() {
	listener.lock.Lock()
	listener.opens++
	listener.lock.Unlock()
}

func (listener *recordingListener) ConnectionClosed(reason string) {
	listener.lock.Lock()
	listener.closes = append(listener.closes, reason)
	listener.lock.Unlock()
}

func (listener *recordingListener) MessageReceived(frame *Frame) {
	listener.lock.Lock()
	listener.frames = append(listener.frames, frame)
	listener.lock.Unlock()
}

func (listener *recordingListener) ConnectionErrored(event ErrorEvent) {
	listener.lock.Lock()
	listener.errs = append(listener.errs, event)
	listener.lock.Unlock()
}

func (listener *recordingListener) openCount() int {
	listener.lock.Lock()
	defer listener.lock.Unlock()
	return listener.opens
}

func (listener *recordingListener) closeReasons() []string {
	listener.lock.Lock()
	defer listener.lock.Unlock()
	return append([]string(nil), listener.closes...)
}

func (listener *recordingListener) frameTypes() []string {
	listener.lock.Lock()
	defer listener.lock.Unlock()
	types := make([]string, 0, len(listener.frames))
	for _, frame := range listener.frames {
		types = append(types, frame.Type)
	}
	return types
}

func (listener *recordingListener) hasFrame(match func(*Frame) bool) bool {
	listener.lock.Lock()
	defer listener.lock.Unlock()
	for _, frame := range listener.frames {
		if match(frame) {
			return true
		}
	}
	return false
}

func (listener *recordingListener) errorEvents() []ErrorEvent {
	listener.lock.Lock()
	defer listener.lock.Unlock()
	return append([]ErrorEvent(nil), listener.errs...)
}

func (listener *recordingListener) errorCount(kind ErrorKind) int {
	count := 0
	for _, event := range listener.errorEvents() {
		if event.Kind == kind {
			count++
		}
	}
	return count
}

// newTestManager wires a manager with deterministic fakes.
func newTestManager(t *testing.T) (*ConnectionManager, *fakeGate, *fakeDialer, *fakeScheduler, *recordingListener) {
	t.Helper()
	manager, err := NewConnectionManager("http://sdr.test:8073")
	if err != nil {
		t.Fatalf("NewConnectionManager failed: %v", err)
	}
	gate := newFakeGate()
	dialer := newFakeDialer()
	scheduler := newFakeScheduler()
	listener := newRecordingListener()
	manager.SetAdmissionChecker(gate).
		SetDialer(dialer).
		SetScheduler(scheduler).
		AddConnectionEventListener(listener)
	return manager, gate, dialer, scheduler, listener
}

func testParams() ConnectionParams {
	low := -2800
	high := 2800
	return ConnectionParams{
		Frequency:     14074000,
		Mode:          "usb",
		BandwidthLow:  &low,
		BandwidthHigh: &high,
	}
}

// waitFor polls until the condition holds or the deadline expires.
// Reader-goroutine events arrive asynchronously even with fake timers.
func waitFor(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
