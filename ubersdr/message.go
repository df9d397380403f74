package ubersdr

import "encoding/json"

// FrameKind classifies inbound frames for routing. Only status and
// rate-limit frames are interpreted by the connection manager; all
// other kinds pass through to the consumer verbatim.
type FrameKind int

const (
	FrameKindUnknown FrameKind = iota
	FrameKindStatus
	FrameKindAudio
	FrameKindSpectrum
	FrameKindError
	FrameKindRateLimit
	FrameKindPong
)

// String returns the wire-style name of the frame kind.
func (kind FrameKind) String() string {
	switch kind {
	case FrameKindStatus:
		return "status"
	case FrameKindAudio:
		return "audio"
	case FrameKindSpectrum:
		return "spectrum"
	case FrameKindError:
		return "error"
	case FrameKindRateLimit:
		return "rate_limit"
	case FrameKindPong:
		return "pong"
	}
	return "unknown"
}

// Frame is one inbound control-channel message. The fields mirror the
// server's message shape; fields not set for a given type are zero.
// Raw preserves the original payload so consumers can decode
// type-specific fields the core does not model.
type Frame struct {
	Type        string          `json:"type"`
	Data        string          `json:"data,omitempty"`
	SampleRate  int             `json:"sampleRate,omitempty"`
	Channels    int             `json:"channels,omitempty"`
	Frequency   uint64          `json:"frequency,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	Error       string          `json:"error,omitempty"`
	Status      int             `json:"status,omitempty"`
	AudioFormat string          `json:"audioFormat,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// Kind classifies the frame. A rate-limit notice is an error frame
// carrying HTTP status 429; the server sends it when the session
// exceeds its per-channel message budget.
func (frame *Frame) Kind() FrameKind {
	switch frame.Type {
	case "status":
		return FrameKindStatus
	case "audio":
		return FrameKindAudio
	case "spectrum":
		return FrameKindSpectrum
	case "error":
		if frame.Status == 429 {
			return FrameKindRateLimit
		}
		return FrameKindError
	case "pong":
		return FrameKindPong
	}
	return FrameKindUnknown
}

// parseFrame decodes one inbound payload. Malformed payloads are
// reported so the caller can log and drop them without affecting
// connection state.
func parseFrame(payload []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(payload, frame); err != nil {
		return nil, err
	}
	frame.Raw = append(json.RawMessage(nil), payload...)
	return frame, nil
}
