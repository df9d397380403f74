package ubersdr

import "strings"

// ConnectionParams is the tuning snapshot captured at Connect time and
// replayed verbatim on reconnect. Bandwidth edges are signed offsets
// from the carrier in Hz; nil means "server default".
type ConnectionParams struct {
	Frequency     uint64
	Mode          string
	BandwidthLow  *int
	BandwidthHigh *int
}

func (params *ConnectionParams) clone() *ConnectionParams {
	if params == nil {
		return nil
	}
	copied := &ConnectionParams{
		Frequency: params.Frequency,
		Mode:      strings.ToLower(params.Mode),
	}
	if params.BandwidthLow != nil {
		low := *params.BandwidthLow
		copied.BandwidthLow = &low
	}
	if params.BandwidthHigh != nil {
		high := *params.BandwidthHigh
		copied.BandwidthHigh = &high
	}
	return copied
}

// IsIQMode reports whether mode is one of the wideband IQ modes. IQ
// streams carry no bandwidth edges; the server ignores them and the
// client must not send them.
func IsIQMode(mode string) bool {
	switch strings.ToLower(mode) {
	case "iq", "iq48", "iq96", "iq192", "iq384":
		return true
	}
	return false
}

// TuneMessage retunes the running session without reconnecting.
type TuneMessage struct {
	Type          string `json:"type"`
	Frequency     uint64 `json:"frequency"`
	Mode          string `json:"mode"`
	BandwidthLow  *int   `json:"bandwidthLow,omitempty"`
	BandwidthHigh *int   `json:"bandwidthHigh,omitempty"`
}

// NewTuneMessage builds a tune message for the given parameters,
// omitting bandwidth edges for IQ modes.
func NewTuneMessage(params ConnectionParams) TuneMessage {
	message := TuneMessage{
		Type:      "tune",
		Frequency: params.Frequency,
		Mode:      strings.ToLower(params.Mode),
	}
	if !IsIQMode(params.Mode) {
		message.BandwidthLow = params.BandwidthLow
		message.BandwidthHigh = params.BandwidthHigh
	}
	return message
}

// PingMessage is a lightweight keepalive the server answers with pong.
type PingMessage struct {
	Type string `json:"type"`
}

// NewPingMessage returns a ping keepalive message.
func NewPingMessage() PingMessage {
	return PingMessage{Type: "ping"}
}

type getStatusMessage struct {
	Type string `json:"type"`
}

func newGetStatusMessage() getStatusMessage {
	return getStatusMessage{Type: "get_status"}
}
