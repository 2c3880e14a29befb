package bus

import "time"

// Kinds published by the core packages. Kinds are dot-separated namespaces
// so subscribers can match a whole family by prefix. The transport.* kinds
// are derived from relay frame types and declared in the transport package.
const (
	MessageQueued     = "message.queued"
	MessageReceived   = "message.received"
	MessageSendFailed = "message.send_failed"

	StatusChanged = "status.changed"

	ConversationCleared = "conversation.cleared"

	SessionStateChanged = "session.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
