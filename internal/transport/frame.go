package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType discriminates relay frames.
type FrameType string

const (
	FrameMessage     FrameType = "message"
	FrameStatus      FrameType = "status_changed"
	FrameClear       FrameType = "conversation_cleared"
	FrameClearAck    FrameType = "conversation_clear_ack"
	FramePreKeyClaim FrameType = "prekey_claimed"
	FrameResume      FrameType = "resume"
)

// Frame is the envelope of every relay exchange.
type Frame struct {
	Type      FrameType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ResumePayload asks the relay to replay events missed since the given
// checkpoint after a reconnect.
type ResumePayload struct {
	Since int64 `json:"since"`
}

// EncodeFrame marshals a typed payload into a wire frame.
func EncodeFrame(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Frame{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	})
}

// DecodeFrame parses a wire frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &f, nil
}
