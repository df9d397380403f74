package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type backendConfig struct {
	maxUsers       int
	sessionTimeout int
	maxSessionTime int
	password       string
	rateLimit      int
	banAll         bool
	kickAfter      time.Duration
	logConn        bool
}

type admissionRequest struct {
	UserSessionID string `json:"user_session_id"`
	Password      string `json:"password,omitempty"`
}

type admissionResponse struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason,omitempty"`
	ClientIP       string   `json:"client_ip,omitempty"`
	SessionTimeout int      `json:"session_timeout"`
	MaxSessionTime int      `json:"max_session_time"`
	Bypassed       bool     `json:"bypassed"`
	AllowedIQModes []string `json:"allowed_iq_modes,omitempty"`
}

type serverFrame struct {
	Type      string `json:"type"`
	Frequency uint64 `json:"frequency,omitempty"`
	Mode      string `json:"mode,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    int    `json:"status,omitempty"`
}

// session is one live stream. writeMu serializes frame writes between
// the read loop and the kick timer.
type session struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	startedAt time.Time

	frequency uint64
	mode      string

	windowStart time.Time
	windowCount int
}

func (s *session) writeFrame(frame serverFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

type backend struct {
	config   backendConfig
	upgrader websocket.Upgrader

	lock       sync.Mutex
	sessions   map[string]*session
	terminated map[string]bool
}

func newBackend(config backendConfig) *backend {
	return &backend{
		config:     config,
		sessions:   make(map[string]*session),
		terminated: make(map[string]bool),
	}
}

func (b *backend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connection", b.handleConnection)
	mux.HandleFunc("/ws", b.handleStream)
	return mux
}

// handleConnection is the pre-flight admission gate. The response body
// always carries the structured verdict; the HTTP status mirrors it so
// plain HTTP tooling sees the rejection class too.
func (b *backend) handleConnection(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var admission admissionRequest
	if err := json.NewDecoder(request.Body).Decode(&admission); err != nil {
		http.Error(writer, "bad request", http.StatusBadRequest)
		return
	}

	clientIP := remoteIP(request)
	response := admissionResponse{
		ClientIP:       clientIP,
		SessionTimeout: b.config.sessionTimeout,
		MaxSessionTime: b.config.maxSessionTime,
		AllowedIQModes: []string{"iq", "iq48", "iq96"},
	}

	status := http.StatusOK
	switch {
	case b.config.banAll:
		response.Reason = "Your IP address has been banned"
		status = http.StatusForbidden

	case admission.UserSessionID == "" || uuid.Validate(admission.UserSessionID) != nil:
		response.Reason = "Invalid user_session_id"
		status = http.StatusBadRequest

	case b.wasTerminated(admission.UserSessionID):
		response.Reason = "Your session has been terminated. Please refresh the page."
		status = http.StatusGone

	case b.config.password != "" && admission.Password == b.config.password:
		response.Allowed = true
		response.Bypassed = true

	case b.uniqueUsers() >= b.config.maxUsers:
		response.Reason = fmt.Sprintf("Maximum unique users reached (%d of %d)", b.uniqueUsers(), b.config.maxUsers)
		status = http.StatusServiceUnavailable

	default:
		response.Allowed = true
	}

	if b.config.logConn {
		log.Printf("admission %s from %s: allowed=%v reason=%q", admission.UserSessionID, clientIP, response.Allowed, response.Reason)
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(response)
}

func (b *backend) handleStream(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	sessionID := query.Get("user_session_id")
	frequency, _ := strconv.ParseUint(query.Get("frequency"), 10, 64)
	mode := query.Get("mode")
	if sessionID == "" || frequency == 0 || mode == "" {
		http.Error(writer, "missing stream parameters", http.StatusBadRequest)
		return
	}

	conn, err := b.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}

	s := &session{
		id:          sessionID,
		conn:        conn,
		startedAt:   time.Now(),
		frequency:   frequency,
		mode:        mode,
		windowStart: time.Now(),
	}
	b.register(s)
	defer b.unregister(s)

	if b.config.logConn {
		log.Printf("stream open: session=%s frequency=%d mode=%s", sessionID, frequency, mode)
	}

	// A kicked session stays terminated: its readmissions get 410 until
	// the process restarts, like a server-side operator kick.
	if b.config.kickAfter > 0 {
		kick := time.AfterFunc(b.config.kickAfter, func() {
			b.terminate(sessionID)
			conn.Close()
		})
		defer kick.Stop()
	}
	deadline := time.Time{}
	if b.config.maxSessionTime > 0 {
		deadline = s.startedAt.Add(time.Duration(b.config.maxSessionTime) * time.Second)
	}

	s.writeFrame(b.statusFrame(s))

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			s.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session time limit reached"),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			break
		}

		var inbound map[string]interface{}
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}

		if b.overRateLimit(s) {
			s.writeFrame(serverFrame{
				Type:   "error",
				Status: http.StatusTooManyRequests,
				Error:  "Rate limit exceeded. Please wait before making more requests.",
			})
			continue
		}

		messageType, _ := inbound["type"].(string)
		switch messageType {
		case "get_status":
			s.writeFrame(b.statusFrame(s))
		case "ping":
			s.writeFrame(serverFrame{Type: "pong"})
		case "tune":
			if value, ok := inbound["frequency"].(float64); ok {
				s.frequency = uint64(value)
			}
			if value, ok := inbound["mode"].(string); ok {
				s.mode = value
			}
			s.writeFrame(b.statusFrame(s))
		}
	}

	conn.Close()
	if b.config.logConn {
		log.Printf("stream closed: session=%s", sessionID)
	}
}

func (b *backend) statusFrame(s *session) serverFrame {
	return serverFrame{
		Type:      "status",
		Frequency: s.frequency,
		Mode:      s.mode,
		SessionID: s.id,
	}
}

// overRateLimit counts inbound messages in one-second windows.
func (b *backend) overRateLimit(s *session) bool {
	if b.config.rateLimit <= 0 {
		return false
	}
	now := time.Now()
	if now.Sub(s.windowStart) >= time.Second {
		s.windowStart = now
		s.windowCount = 0
	}
	s.windowCount++
	return s.windowCount > b.config.rateLimit
}

func (b *backend) register(s *session) {
	b.lock.Lock()
	b.sessions[s.id] = s
	b.lock.Unlock()
}

func (b *backend) unregister(s *session) {
	b.lock.Lock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	b.lock.Unlock()
}

func (b *backend) terminate(sessionID string) {
	b.lock.Lock()
	b.terminated[sessionID] = true
	b.lock.Unlock()
}

func (b *backend) wasTerminated(sessionID string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.terminated[sessionID]
}

func (b *backend) uniqueUsers() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.sessions)
}

func (b *backend) closeAll() {
	b.lock.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.lock.Unlock()
	for _, s := range sessions {
		s.conn.Close()
	}
}

func remoteIP(request *http.Request) string {
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}
