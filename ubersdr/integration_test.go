package ubersdr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
)

// testServer is a minimal in-process UberSDR backend: the admission
// endpoint plus a stream endpoint that acknowledges with status frames.
type testServer struct {
	httpServer  *httptest.Server
	upgrader    websocket.Upgrader
	handlerDone chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	server := &testServer{handlerDone: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/connection", func(writer http.ResponseWriter, request *http.Request) {
		var admission AdmissionRequest
		if err := json.NewDecoder(request.Body).Decode(&admission); err != nil {
			t.Errorf("bad admission body: %v", err)
		}
		if !ValidSessionID(admission.UserSessionID) {
			t.Errorf("admission without a valid session identifier: %q", admission.UserSessionID)
		}
		json.NewEncoder(writer).Encode(AdmissionResult{Allowed: true, SessionTimeout: 300})
	})
	mux.HandleFunc("/ws", func(writer http.ResponseWriter, request *http.Request) {
		defer close(server.handlerDone)

		query := request.URL.Query()
		if query.Get("frequency") == "" || query.Get("mode") == "" || query.Get("user_session_id") == "" {
			t.Errorf("stream URL missing required parameters: %v", query)
		}

		conn, err := server.upgrader.Upgrade(writer, request, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]interface{}{"type": "status", "mode": query.Get("mode")})
		for {
			var inbound map[string]interface{}
			if err := conn.ReadJSON(&inbound); err != nil {
				return
			}
			switch inbound["type"] {
			case "get_status":
				conn.WriteJSON(map[string]interface{}{"type": "status"})
			case "ping":
				conn.WriteJSON(map[string]interface{}{"type": "pong"})
			case "tune":
				conn.WriteJSON(map[string]interface{}{"type": "status", "frequency": inbound["frequency"]})
			}
		}
	})

	server.httpServer = httptest.NewServer(mux)
	return server
}

func (server *testServer) close() {
	server.httpServer.Close()
}

func TestEndToEndAgainstLiveServer(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	manager, err := NewConnectionManager(server.httpServer.URL)
	if err != nil {
		t.Fatalf("NewConnectionManager failed: %v", err)
	}
	defer manager.gate.(*AdmissionGate).httpClient.CloseIdleConnections()

	// The fake scheduler keeps the heartbeat quiet; this test drives
	// traffic explicitly.
	listener := newRecordingListener()
	manager.SetScheduler(newFakeScheduler()).AddConnectionEventListener(listener)

	if err := manager.Connect(ConnectionParams{Frequency: 14074000, Mode: "usb"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, func() bool { return manager.Connected() }, "connection")
	waitFor(t, func() bool { return len(listener.frameTypes()) >= 1 }, "greeting status frame")

	if !manager.SendPing() {
		t.Fatalf("SendPing failed while connected")
	}
	waitFor(t, func() bool {
		return listener.hasFrame(func(frame *Frame) bool { return frame.Type == "pong" })
	}, "pong reply")

	if !manager.SendTune(ConnectionParams{Frequency: 7074000, Mode: "lsb"}) {
		t.Fatalf("SendTune failed while connected")
	}
	waitFor(t, func() bool {
		return listener.hasFrame(func(frame *Frame) bool {
			return frame.Type == "status" && frame.Frequency == 7074000
		})
	}, "retune acknowledgment")

	manager.Disconnect()
	<-server.handlerDone

	if state := manager.State(); state != StateDisconnected {
		t.Fatalf("expected Disconnected, got %v", state)
	}
	closes := listener.closeReasons()
	if len(closes) != 1 || closes[0] != "disconnected by user" {
		t.Fatalf("expected a user disconnect, got %v", closes)
	}
}
