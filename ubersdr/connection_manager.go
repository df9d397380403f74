package ubersdr

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState is the lifecycle state of a ConnectionManager.
// Exactly one state is live at a time.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateCheckingAdmission
	StateConnecting
	StateConnected
	StateReconnectScheduled
	StateTerminated
)

// String returns the state name.
func (state ConnectionState) String() string {
	switch state {
	case StateDisconnected:
		return "Disconnected"
	case StateCheckingAdmission:
		return "CheckingAdmission"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnectScheduled:
		return "ReconnectScheduled"
	case StateTerminated:
		return "Terminated"
	}
	return "Unknown"
}

// sessionLimitSlack absorbs network delay when deciding whether a
// closure was the server enforcing max_session_time.
const sessionLimitSlack = 10 * time.Second

// ConnectionManager owns the control-channel transport and drives the
// connection lifecycle: pre-flight admission, dial, heartbeat,
// inbound-frame dispatch, and backoff reconnection that replays the
// last connection parameters.
//
// All state transitions are serialized internally; listener callbacks
// are invoked outside the manager lock.
type ConnectionManager struct {
	lock sync.Mutex

	endpoints serverEndpoints
	sessionID string
	password  string

	gate      AdmissionChecker
	policy    *ReconnectPolicy
	dialer    Dialer
	scheduler Scheduler

	heartbeatInterval time.Duration

	state          ConnectionState
	transport      Transport
	heartbeat      *heartbeatLoop
	reconnectTimer Timer
	lastParams     *ConnectionParams

	admission      AdmissionResult
	connectedAt    time.Time
	maxSessionTime int

	userDisconnected  bool
	failureNotified   bool
	exhaustedNotified bool
	lastServerError   string

	// generation invalidates reader goroutines and timers belonging to
	// a superseded connect cycle.
	generation uint64

	listeners map[uintptr]ConnectionEventListener
}

// NewConnectionManager returns a manager for the given server base URL
// (http, https, ws, or wss). A fresh session identifier is generated;
// replace it with SetSessionID when the host application owns one.
func NewConnectionManager(serverURL string) (*ConnectionManager, error) {
	endpoints, err := parseServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &ConnectionManager{
		endpoints:         endpoints,
		sessionID:         NewSessionID(),
		gate:              NewAdmissionGate(endpoints.httpBase),
		policy:            NewReconnectPolicy(),
		dialer:            NewWebSocketDialer(),
		scheduler:         NewWallClockScheduler(),
		heartbeatInterval: defaultHeartbeatInterval,
		listeners:         make(map[uintptr]ConnectionEventListener),
	}, nil
}

// SetSessionID sets the session identifier used for admission checks
// and transport opens.
func (manager *ConnectionManager) SetSessionID(sessionID string) *ConnectionManager {
	manager.lock.Lock()
	manager.sessionID = sessionID
	manager.lock.Unlock()
	return manager
}

// SetPassword sets the optional bypass credential.
func (manager *ConnectionManager) SetPassword(password string) *ConnectionManager {
	manager.lock.Lock()
	manager.password = password
	manager.lock.Unlock()
	return manager
}

// SetAdmissionChecker replaces the admission gate.
func (manager *ConnectionManager) SetAdmissionChecker(gate AdmissionChecker) *ConnectionManager {
	manager.lock.Lock()
	if gate != nil {
		manager.gate = gate
	}
	manager.lock.Unlock()
	return manager
}

// SetReconnectPolicy replaces the backoff policy.
func (manager *ConnectionManager) SetReconnectPolicy(policy *ReconnectPolicy) *ConnectionManager {
	manager.lock.Lock()
	if policy != nil {
		manager.policy = policy
	}
	manager.lock.Unlock()
	return manager
}

// SetDialer replaces the transport dialer.
func (manager *ConnectionManager) SetDialer(dialer Dialer) *ConnectionManager {
	manager.lock.Lock()
	if dialer != nil {
		manager.dialer = dialer
	}
	manager.lock.Unlock()
	return manager
}

// SetScheduler replaces the timer source.
func (manager *ConnectionManager) SetScheduler(scheduler Scheduler) *ConnectionManager {
	manager.lock.Lock()
	if scheduler != nil {
		manager.scheduler = scheduler
	}
	manager.lock.Unlock()
	return manager
}

// SetHeartbeatInterval sets the get_status refresh period.
func (manager *ConnectionManager) SetHeartbeatInterval(interval time.Duration) *ConnectionManager {
	manager.lock.Lock()
	if interval > 0 {
		manager.heartbeatInterval = interval
	}
	manager.lock.Unlock()
	return manager
}

// AddConnectionEventListener subscribes a listener.
func (manager *ConnectionManager) AddConnectionEventListener(listener ConnectionEventListener) *ConnectionManager {
	if listener == nil {
		return manager
	}
	manager.lock.Lock()
	manager.listeners[eventListenerKey(listener)] = listener
	manager.lock.Unlock()
	return manager
}

// RemoveConnectionEventListener unsubscribes a listener.
func (manager *ConnectionManager) RemoveConnectionEventListener(listener ConnectionEventListener) *ConnectionManager {
	if listener == nil {
		return manager
	}
	manager.lock.Lock()
	delete(manager.listeners, eventListenerKey(listener))
	manager.lock.Unlock()
	return manager
}

// ClearConnectionEventListeners removes every listener.
func (manager *ConnectionManager) ClearConnectionEventListeners() *ConnectionManager {
	manager.lock.Lock()
	manager.listeners = make(map[uintptr]ConnectionEventListener)
	manager.lock.Unlock()
	return manager
}

// State returns the current lifecycle state.
func (manager *ConnectionManager) State() ConnectionState {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	return manager.state
}

// Connected reports whether the transport is open.
func (manager *ConnectionManager) Connected() bool {
	return manager.State() == StateConnected
}

// SessionID returns the session identifier in use.
func (manager *ConnectionManager) SessionID() string {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	return manager.sessionID
}

// LastParams returns a copy of the parameters a reconnect would
// replay, and whether any are held.
func (manager *ConnectionManager) LastParams() (ConnectionParams, bool) {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	if manager.lastParams == nil {
		return ConnectionParams{}, false
	}
	return *manager.lastParams.clone(), true
}

// Admission returns the most recent admission result.
func (manager *ConnectionManager) Admission() AdmissionResult {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	return manager.admission
}

// ReconnectAttempts returns the backoff attempts recorded for the
// current outage.
func (manager *ConnectionManager) ReconnectAttempts() int {
	manager.lock.Lock()
	policy := manager.policy
	manager.lock.Unlock()
	return policy.Attempts()
}

// Connect captures the tuning parameters and starts a connection
// cycle: admission check, transport dial, heartbeat. A Connect while a
// cycle is live supersedes it: the previous transport and any pending
// reconnect timer are torn down first.
func (manager *ConnectionManager) Connect(params ConnectionParams) error {
	if params.Frequency == 0 || params.Mode == "" {
		err := NewError(InvalidParamsError, "frequency and mode are required")
		manager.dispatchError(ErrorEvent{
			Kind:    ErrorWebSocketCreationFailed,
			Message: err.Error(),
		})
		return err
	}

	manager.lock.Lock()
	manager.generation++
	generation := manager.generation
	manager.cancelReconnectTimerLocked()
	manager.stopHeartbeatLocked()
	transport := manager.transport
	manager.transport = nil
	manager.userDisconnected = false
	manager.failureNotified = false
	manager.exhaustedNotified = false
	manager.lastServerError = ""
	manager.lastParams = params.clone()
	manager.state = StateCheckingAdmission
	manager.lock.Unlock()

	if transport != nil {
		transport.Close()
	}

	return manager.runAttempt(generation)
}

// Disconnect tears the session down: pending reconnect timer first,
// then the heartbeat, then the transport, so no late timer can open a
// new transport afterwards. Safe to call from any state; auto-reconnect
// stays suppressed until the next explicit Connect.
func (manager *ConnectionManager) Disconnect() {
	manager.lock.Lock()
	manager.generation++
	manager.userDisconnected = true
	manager.cancelReconnectTimerLocked()
	manager.stopHeartbeatLocked()
	transport := manager.transport
	manager.transport = nil
	wasActive := manager.state != StateDisconnected
	manager.state = StateDisconnected
	manager.lock.Unlock()

	if transport != nil {
		transport.Close()
	}
	if wasActive {
		manager.dispatchDisconnected("disconnected by user")
	}
}

// Send serializes and transmits one outbound message. It returns false
// without side effects when the transport is not open; outbound traffic
// is never buffered across disconnects.
func (manager *ConnectionManager) Send(value interface{}) bool {
	manager.lock.Lock()
	transport := manager.transport
	open := manager.state == StateConnected && transport != nil
	manager.lock.Unlock()

	if !open {
		return false
	}
	return transport.WriteJSON(value) == nil
}

// SendTune retunes the live session without reconnecting.
func (manager *ConnectionManager) SendTune(params ConnectionParams) bool {
	return manager.Send(NewTuneMessage(params))
}

// SendPing sends a keepalive the server answers with a pong frame.
func (manager *ConnectionManager) SendPing() bool {
	return manager.Send(NewPingMessage())
}

// runAttempt drives one admission-then-dial pass. Stale generations
// abort silently: the cycle they belonged to has been superseded.
func (manager *ConnectionManager) runAttempt(generation uint64) error {
	manager.lock.Lock()
	if generation != manager.generation || manager.state != StateCheckingAdmission {
		manager.lock.Unlock()
		return nil
	}
	gate := manager.gate
	sessionID := manager.sessionID
	password := manager.password
	manager.lock.Unlock()

	result := gate.Check(sessionID, password)

	manager.lock.Lock()
	if generation != manager.generation || manager.state != StateCheckingAdmission {
		manager.lock.Unlock()
		return nil
	}
	manager.admission = result

	if !result.Allowed {
		event := ErrorEvent{
			Kind:    ErrorConnectionRejected,
			Message: result.Reason,
			Reason:  result.Reason,
			Status:  result.HTTPStatus,
		}
		if !result.Retryable() {
			manager.lastParams = nil
			manager.state = StateTerminated
			manager.lock.Unlock()
			manager.dispatchError(event)
			return NewError(ConnectionRejectedError, result.Reason)
		}

		manager.lastServerError = result.Reason
		extra := manager.scheduleReconnectLocked(generation)
		manager.lock.Unlock()
		manager.dispatchError(event)
		for _, pending := range extra {
			manager.dispatchError(pending)
		}
		return NewError(ConnectionRejectedError, result.Reason)
	}

	manager.maxSessionTime = result.MaxSessionTime
	streamURL := buildStreamURL(manager.endpoints.wsBase, manager.lastParams, sessionID, password)
	manager.state = StateConnecting
	dialer := manager.dialer
	manager.lock.Unlock()

	transport, err := dialer.Dial(streamURL)

	manager.lock.Lock()
	if generation != manager.generation || manager.state != StateConnecting {
		manager.lock.Unlock()
		if transport != nil {
			transport.Close()
		}
		return nil
	}

	if err != nil {
		// A failed dial behaves like the browser's connect-then-close:
		// one websocket_error, one connection_closed per outage, then
		// the backoff policy.
		events := manager.handleOutageLocked(generation, websocket.CloseAbnormalClosure, true, false)
		manager.lock.Unlock()
		manager.dispatchError(ErrorEvent{Kind: ErrorWebSocket, Message: err.Error()})
		for _, pending := range events {
			manager.dispatchError(pending)
		}
		return NewError(ConnectionError, err)
	}

	manager.transport = transport
	manager.state = StateConnected
	manager.connectedAt = time.Now()
	heartbeat := newHeartbeatLoop(manager.scheduler, manager.heartbeatInterval, manager.Send)
	manager.heartbeat = heartbeat
	manager.lock.Unlock()

	heartbeat.start()
	go manager.readLoop(generation, transport)
	manager.dispatchConnected()
	return nil
}

func (manager *ConnectionManager) readLoop(generation uint64, transport Transport) {
	for {
		payload, err := transport.ReadMessage()
		if err != nil {
			manager.handleTransportClose(generation, err)
			return
		}

		frame, parseErr := parseFrame(payload)
		if parseErr != nil {
			log.Printf("ubersdr: dropping malformed frame: %v", parseErr)
			continue
		}
		manager.handleFrame(generation, frame)
	}
}

func (manager *ConnectionManager) handleFrame(generation uint64, frame *Frame) {
	manager.lock.Lock()
	if generation != manager.generation {
		manager.lock.Unlock()
		return
	}

	switch frame.Kind() {
	case FrameKindRateLimit:
		// Transport-internal; never forwarded.
		manager.lock.Unlock()
		return
	case FrameKindStatus:
		// First authoritative acknowledgment of a healthy session.
		manager.policy.Reset()
		manager.failureNotified = false
		manager.exhaustedNotified = false
	case FrameKindError:
		if frame.Error != "" {
			manager.lastServerError = frame.Error
		}
	}
	manager.lock.Unlock()

	manager.dispatchMessage(frame)
}

func (manager *ConnectionManager) handleTransportClose(generation uint64, cause error) {
	code, unclean := closeDetails(cause)

	manager.lock.Lock()
	if generation != manager.generation {
		manager.lock.Unlock()
		return
	}
	if manager.transport != nil {
		manager.transport.Close()
		manager.transport = nil
	}
	manager.stopHeartbeatLocked()

	events := manager.handleOutageLocked(generation, code, unclean, true)
	reason := manager.disconnectReasonLocked(code)
	manager.lock.Unlock()

	manager.dispatchDisconnected(reason)
	for _, event := range events {
		manager.dispatchError(event)
	}
}

// handleOutageLocked applies the close-code policy and decides whether
// to schedule a reconnect. wasOpen is false for dial failures that
// never produced an open transport. Returns the error events to
// dispatch once the lock is released.
func (manager *ConnectionManager) handleOutageLocked(generation uint64, code int, unclean, wasOpen bool) []ErrorEvent {
	var events []ErrorEvent

	expected := code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
	if !expected && !manager.failureNotified {
		events = append(events, ErrorEvent{
			Kind:    ErrorConnectionClosed,
			Message: closeMessage(manager.lastServerError, code, unclean),
			Reason:  manager.lastServerError,
			Code:    code,
		})
		manager.failureNotified = true
		manager.lastServerError = ""
	}

	switch {
	case manager.userDisconnected:
		manager.state = StateDisconnected

	case manager.sessionLimitReachedLocked(wasOpen):
		manager.state = StateDisconnected

	case manager.lastParams == nil:
		manager.state = StateDisconnected
		if !expected {
			events = append(events, ErrorEvent{
				Kind:    ErrorReconnectionBlocked,
				Message: "no connection parameters to replay",
				Code:    code,
			})
		}

	default:
		events = append(events, manager.scheduleReconnectLocked(generation)...)
	}

	return events
}

func (manager *ConnectionManager) sessionLimitReachedLocked(wasOpen bool) bool {
	if !wasOpen || manager.maxSessionTime <= 0 || manager.connectedAt.IsZero() {
		return false
	}
	limit := time.Duration(manager.maxSessionTime) * time.Second
	return time.Since(manager.connectedAt) >= limit-sessionLimitSlack
}

func (manager *ConnectionManager) disconnectReasonLocked(code int) string {
	if manager.sessionLimitReachedLocked(true) && manager.state == StateDisconnected {
		return "session time limit reached"
	}
	if code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
		return "connection closed"
	}
	return "connection lost"
}

func (manager *ConnectionManager) scheduleReconnectLocked(generation uint64) []ErrorEvent {
	if !manager.policy.CanRetry() {
		manager.state = StateDisconnected
		if manager.exhaustedNotified {
			return nil
		}
		manager.exhaustedNotified = true
		return []ErrorEvent{{
			Kind:    ErrorMaxReconnectAttempts,
			Message: "maximum reconnection attempts reached, please refresh and reconnect",
		}}
	}

	delay := manager.policy.NextDelay()
	manager.state = StateReconnectScheduled
	manager.reconnectTimer = manager.scheduler.AfterFunc(delay, func() {
		manager.onReconnectTimer(generation)
	})
	return nil
}

func (manager *ConnectionManager) onReconnectTimer(generation uint64) {
	manager.lock.Lock()
	if generation != manager.generation || manager.state != StateReconnectScheduled {
		manager.lock.Unlock()
		return
	}
	manager.reconnectTimer = nil
	// Admission is always re-asked: a ban applied mid-backoff must be
	// honored, so stale results are never reused across the wait.
	manager.state = StateCheckingAdmission
	manager.lock.Unlock()

	_ = manager.runAttempt(generation)
}

func (manager *ConnectionManager) cancelReconnectTimerLocked() {
	if manager.reconnectTimer != nil {
		manager.reconnectTimer.Stop()
		manager.reconnectTimer = nil
	}
}

func (manager *ConnectionManager) stopHeartbeatLocked() {
	if manager.heartbeat != nil {
		manager.heartbeat.stop()
		manager.heartbeat = nil
	}
}

func (manager *ConnectionManager) snapshotListeners() []ConnectionEventListener {
	manager.lock.Lock()
	listeners := make([]ConnectionEventListener, 0, len(manager.listeners))
	for _, listener := range manager.listeners {
		listeners = append(listeners, listener)
	}
	manager.lock.Unlock()
	return listeners
}

func (manager *ConnectionManager) dispatchConnected() {
	for _, listener := range manager.snapshotListeners() {
		listener.ConnectionOpened()
	}
}

func (manager *ConnectionManager) dispatchDisconnected(reason string) {
	for _, listener := range manager.snapshotListeners() {
		listener.ConnectionClosed(reason)
	}
}

func (manager *ConnectionManager) dispatchMessage(frame *Frame) {
	for _, listener := range manager.snapshotListeners() {
		listener.MessageReceived(frame)
	}
}

func (manager *ConnectionManager) dispatchError(event ErrorEvent) {
	for _, listener := range manager.snapshotListeners() {
		listener.ConnectionErrored(event)
	}
}

// closeDetails extracts the close code from a read error. Anything
// that is not a proper close frame counts as an unclean 1006 closure.
func closeDetails(cause error) (code int, unclean bool) {
	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) {
		return closeErr.Code, closeErr.Code == websocket.CloseAbnormalClosure
	}
	return websocket.CloseAbnormalClosure, true
}

// closeMessage selects the user-facing explanation for an abnormal
// closure: the server's own words when it gave any, an administrator
// message for unclean drops, a generic one otherwise.
func closeMessage(serverReason string, code int, unclean bool) string {
	if serverReason != "" {
		return serverReason
	}
	if unclean || code == websocket.CloseAbnormalClosure {
		return "disconnected by administrator"
	}
	return "connection lost"
}

func eventListenerKey(listener ConnectionEventListener) uintptr {
	if listener == nil {
		return 0
	}
	val := reflect.ValueOf(listener)
	if !val.IsValid() {
		return 0
	}
	switch val.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan:
		if val.Kind() != reflect.UnsafePointer && val.IsNil() {
			return 0
		}
		return val.Pointer()
	}
	return uintptr(stringHash(fmt.Sprintf("%T:%v", listener, listener)))
}

func stringHash(value string) uint64 {
	var result uint64 = 1469598103934665603
	for i := 0; i < len(value); i++ {
		result ^= uint64(value[i])
		result *= 1099511628211
	}
	return result
}
