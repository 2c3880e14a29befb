// Package transport implements the asynchronous event channel between this
// client and the relay server. Inbound traffic is decoded into typed frames
// and published on the bus; the delivery tracker consumes them from there
// and never talks to the socket directly.
package transport

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a send cannot be dispatched because the
// channel is down. The affected message stays pending and is retried by the
// outbox until its retry window closes.
var ErrUnavailable = errors.New("transport unavailable")

// Envelope is the wire form of one encrypted message.
type Envelope struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Cipher     []byte `json:"cipher"`
	IV         []byte `json:"iv"`
	Timestamp  int64  `json:"timestamp"`
}

// StatusUpdate notifies the peer that a message moved to a new delivery
// status.
type StatusUpdate struct {
	MessageID string `json:"message_id"`
	Value     string `json:"value"`
	Sender    string `json:"sender"`
}

// ClearNotice propagates a unilateral conversation deletion. The receiving
// side performs the equivalent local deletion and answers with Ack set.
type ClearNotice struct {
	PeerID string `json:"peer_id"`
	Sender string `json:"sender"`
	Ack    bool   `json:"ack"`
}

// PreKeyClaim announces that a one-time prekey from this client's published
// pool was handed to a peer and must not be handed out again.
type PreKeyClaim struct {
	ID string `json:"id"`
}

// Channel is the outbound half of the transport contract.
type Channel interface {
	SendMessage(ctx context.Context, env *Envelope) error
	SendStatus(ctx context.Context, upd *StatusUpdate) error
	SendClear(ctx context.Context, notice *ClearNotice) error
}
