package ubersdr

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const clientUserAgent = "UberSDR Client 1.0 (go)"

// AdmissionRequest is the body POSTed to the /connection endpoint.
type AdmissionRequest struct {
	UserSessionID string `json:"user_session_id"`
	Password      string `json:"password,omitempty"`
}

// AdmissionResult is the interpreted response of an admission check.
// HTTPStatus is kept for diagnostics; the extra session fields describe
// the terms the server would grant this client.
type AdmissionResult struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason,omitempty"`
	ClientIP       string   `json:"client_ip,omitempty"`
	SessionTimeout int      `json:"session_timeout"`
	MaxSessionTime int      `json:"max_session_time"`
	Bypassed       bool     `json:"bypassed"`
	AllowedIQModes []string `json:"allowed_iq_modes,omitempty"`
	HTTPStatus     int      `json:"-"`
}

// Retryable reports whether a rejection is worth retrying after
// backoff. Bans and forced terminations are permanent for this session;
// capacity and rate limits clear on their own.
func (result AdmissionResult) Retryable() bool {
	if result.Allowed {
		return true
	}
	reason := strings.ToLower(result.Reason)
	if strings.Contains(reason, "banned") || strings.Contains(reason, "terminated") {
		return false
	}
	return true
}

// AdmissionChecker asks the server whether a connection attempt would
// be accepted, before the transport is opened.
type AdmissionChecker interface {
	Check(sessionID, password string) AdmissionResult
}

// AdmissionGate is the HTTP implementation of AdmissionChecker against
// the server's /connection endpoint.
//
// The gate fails open: if the check itself cannot be completed (network
// or parse failure, as opposed to a rejection), it reports the
// connection as allowed with a diagnostic reason. A transient failure
// of the admission path must not permanently block reconnection; the
// real connection attempt surfaces its own error if truly blocked.
// This is a deliberate policy choice, at the cost of one wasted dial
// when the backend is down entirely.
type AdmissionGate struct {
	endpoint   string
	httpClient *http.Client
}

// NewAdmissionGate returns a gate for the given http(s) base URL, e.g.
// "http://sdr.example.net:8080".
func NewAdmissionGate(baseURL string) *AdmissionGate {
	return &AdmissionGate{
		endpoint: strings.TrimRight(baseURL, "/") + "/connection",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetHTTPClient replaces the HTTP client used for checks.
func (gate *AdmissionGate) SetHTTPClient(httpClient *http.Client) *AdmissionGate {
	if httpClient != nil {
		gate.httpClient = httpClient
	}
	return gate
}

// Check performs one admission request. A structured rejection comes
// back with Allowed=false and the server's reason; an inability to ask
// comes back allowed with the failure as the reason.
func (gate *AdmissionGate) Check(sessionID, password string) AdmissionResult {
	body, err := json.Marshal(AdmissionRequest{
		UserSessionID: sessionID,
		Password:      password,
	})
	if err != nil {
		return AdmissionResult{Allowed: true, Reason: "admission request encode failed: " + err.Error()}
	}

	request, err := http.NewRequest(http.MethodPost, gate.endpoint, bytes.NewReader(body))
	if err != nil {
		return AdmissionResult{Allowed: true, Reason: "admission request build failed: " + err.Error()}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", clientUserAgent)

	response, err := gate.httpClient.Do(request)
	if err != nil {
		return AdmissionResult{Allowed: true, Reason: "admission check unreachable: " + err.Error()}
	}
	defer response.Body.Close()

	var result AdmissionResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return AdmissionResult{
			Allowed:    true,
			Reason:     "admission response decode failed: " + err.Error(),
			HTTPStatus: response.StatusCode,
		}
	}

	result.HTTPStatus = response.StatusCode
	return result
}
