package ubersdr

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is one open streaming connection. ReadMessage blocks until
// a frame arrives or the connection closes.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteJSON(value interface{}) error
	Close() error
}

// Dialer opens a Transport for a fully built stream URL. Replaced by a
// fake in tests.
type Dialer interface {
	Dial(streamURL string) (Transport, error)
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (transport *wsTransport) ReadMessage() ([]byte, error) {
	_, payload, err := transport.conn.ReadMessage()
	return payload, err
}

// Gorilla permits a single concurrent writer; the heartbeat timer and
// consumer sends share this connection.
func (transport *wsTransport) WriteJSON(value interface{}) error {
	transport.writeMu.Lock()
	defer transport.writeMu.Unlock()
	return transport.conn.WriteJSON(value)
}

func (transport *wsTransport) Close() error {
	return transport.conn.Close()
}

type wsDialer struct{}

func (wsDialer) Dial(streamURL string) (Transport, error) {
	headers := http.Header{}
	headers.Set("User-Agent", clientUserAgent)
	conn, _, err := websocket.DefaultDialer.Dial(streamURL, headers)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

// NewWebSocketDialer returns the gorilla/websocket Dialer used by
// default.
func NewWebSocketDialer() Dialer {
	return wsDialer{}
}

// serverEndpoints holds the two derived base URLs for one server: the
// http(s) one for the admission endpoint and the ws(s) one for the
// stream.
type serverEndpoints struct {
	httpBase string
	wsBase   string
}

// parseServerURL accepts http, https, ws, or wss URLs and derives both
// endpoint bases.
func parseServerURL(serverURL string) (serverEndpoints, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return serverEndpoints{}, NewError(InvalidURIError, err)
	}
	if parsed.Host == "" {
		return serverEndpoints{}, NewError(InvalidURIError, "missing host in "+serverURL)
	}

	var httpScheme, wsScheme string
	switch parsed.Scheme {
	case "http", "ws":
		httpScheme, wsScheme = "http", "ws"
	case "https", "wss":
		httpScheme, wsScheme = "https", "wss"
	default:
		return serverEndpoints{}, NewError(InvalidURIError, "unsupported scheme "+parsed.Scheme)
	}

	base := parsed.Host + strings.TrimRight(parsed.Path, "/")
	return serverEndpoints{
		httpBase: httpScheme + "://" + base,
		wsBase:   wsScheme + "://" + base,
	}, nil
}

// buildStreamURL assembles the /ws URL with the connection parameters
// URL-encoded, matching what the server parses on upgrade.
func buildStreamURL(wsBase string, params *ConnectionParams, sessionID, password string) string {
	values := url.Values{}
	values.Set("frequency", strconv.FormatUint(params.Frequency, 10))
	values.Set("mode", strings.ToLower(params.Mode))
	values.Set("user_session_id", sessionID)
	if params.BandwidthLow != nil {
		values.Set("bandwidthLow", strconv.Itoa(*params.BandwidthLow))
	}
	if params.BandwidthHigh != nil {
		values.Set("bandwidthHigh", strconv.Itoa(*params.BandwidthHigh))
	}
	if password != "" {
		values.Set("password", password)
	}
	return fmt.Sprintf("%s/ws?%s", wsBase, values.Encode())
}
