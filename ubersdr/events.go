package ubersdr

// ErrorKind discriminates the failures reported through ErrorEvent.
type ErrorKind string

const (
	// ErrorConnectionRejected is raised when the admission check denies
	// the connection, whether or not a retry will be scheduled.
	ErrorConnectionRejected ErrorKind = "connection_rejected"

	// ErrorWebSocketCreationFailed is raised when the transport cannot
	// even be constructed (bad URL or parameters). No reconnect attempt
	// is consumed.
	ErrorWebSocketCreationFailed ErrorKind = "websocket_creation_failed"

	// ErrorWebSocket is raised for transport-level errors that do not
	// close the connection.
	ErrorWebSocket ErrorKind = "websocket_error"

	// ErrorConnectionClosed is raised at most once per outage when the
	// transport closes abnormally.
	ErrorConnectionClosed ErrorKind = "connection_closed"

	// ErrorReconnectionBlocked is raised when an abnormal closure cannot
	// schedule a reconnect because no replayable parameters remain.
	ErrorReconnectionBlocked ErrorKind = "reconnection_blocked"

	// ErrorMaxReconnectAttempts is raised exactly once when the backoff
	// policy runs out of attempts.
	ErrorMaxReconnectAttempts ErrorKind = "max_reconnect_attempts"
)

// ErrorEvent is the single error channel of the connection manager.
// Message is always set; Reason carries the server-supplied rejection
// reason when one exists; Code is a WebSocket close code and Status an
// HTTP status, each zero when not applicable.
type ErrorEvent struct {
	Kind    ErrorKind
	Message string
	Reason  string
	Code    int
	Status  int
}

// ConnectionEventListener receives connection lifecycle, message, and
// error events from a ConnectionManager. Callbacks run from receive and
// timer paths and must not block.
type ConnectionEventListener interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	MessageReceived(frame *Frame)
	ConnectionErrored(event ErrorEvent)
}

// ConnectionEventAdapter is a no-op ConnectionEventListener for
// embedding when only some events matter.
type ConnectionEventAdapter struct{}

func (ConnectionEventAdapter) ConnectionOpened()                  {}
func (ConnectionEventAdapter) ConnectionClosed(reason string)     {}
func (ConnectionEventAdapter) MessageReceived(frame *Frame)       {}
func (ConnectionEventAdapter) ConnectionErrored(event ErrorEvent) {}
