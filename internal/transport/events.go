package transport

import (
	"encoding/json"
	"time"

	"github.com/pkruglov/phantom/internal/bus"
)

// Bus event kinds produced from relay frames.
const (
	EventMessage      = "transport.message"
	EventStatus       = "transport.status"
	EventCleared      = "transport.cleared"
	EventClearedAck   = "transport.cleared_ack"
	EventPreKeyClaim  = "transport.prekey_claimed"
	EventConnected    = "transport.connected"
	EventDisconnected = "transport.disconnected"
)

// DecodeEvent turns a relay frame into a bus event. Unknown frame types and
// unparseable payloads are rejected with ok=false, never panics; one bad
// frame must not tear down the receive loop.
func DecodeEvent(frame *Frame) (bus.Event, bool) {
	evt := bus.Event{Timestamp: frame.Timestamp}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	switch frame.Type {
	case FrameMessage:
		var env Envelope
		if err := json.Unmarshal(frame.Payload, &env); err != nil || env.MessageID == "" {
			return bus.Event{}, false
		}
		evt.Kind = EventMessage
		evt.Payload = &env
	case FrameStatus:
		var upd StatusUpdate
		if err := json.Unmarshal(frame.Payload, &upd); err != nil || upd.MessageID == "" {
			return bus.Event{}, false
		}
		evt.Kind = EventStatus
		evt.Payload = &upd
	case FrameClear:
		var notice ClearNotice
		if err := json.Unmarshal(frame.Payload, &notice); err != nil {
			return bus.Event{}, false
		}
		evt.Kind = EventCleared
		evt.Payload = &notice
	case FrameClearAck:
		var notice ClearNotice
		if err := json.Unmarshal(frame.Payload, &notice); err != nil {
			return bus.Event{}, false
		}
		evt.Kind = EventClearedAck
		evt.Payload = &notice
	case FramePreKeyClaim:
		var claim PreKeyClaim
		if err := json.Unmarshal(frame.Payload, &claim); err != nil || claim.ID == "" {
			return bus.Event{}, false
		}
		evt.Kind = EventPreKeyClaim
		evt.Payload = &claim
	default:
		return bus.Event{}, false
	}
	return evt, true
}
