package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkruglov/phantom/internal/bus"
	"github.com/pkruglov/phantom/internal/keys"
	"github.com/pkruglov/phantom/internal/store"
	"github.com/pkruglov/phantom/internal/transport"
	"go.uber.org/zap"
)

// Contacts resolves a contact identifier to its current public agreement
// key, consulting the local cache and the directory service.
type Contacts interface {
	PublicKey(ctx context.Context, contactID string) ([keys.KeySize]byte, error)
}

// PreKeyConsumer marks one-time prekeys consumed. Implemented by the vault,
// which owns the pool.
type PreKeyConsumer interface {
	ConsumePreKey(id string) error
}

// Message is a stored message together with its lazily decrypted body.
// Plaintext stays empty when decryption fails; the record itself is kept.
type Message struct {
	store.Message
	Plaintext string
}

// StatusChange is the bus payload for status.changed events.
type StatusChange struct {
	MessageID string
	From      Status
	To        Status
}

// InboundMessage is the bus payload for message.received events.
type InboundMessage struct {
	MessageID string
	SenderID  string
	Plaintext string
}

// Tracker owns message and status-history persistence. All writes to those
// tables go through it, each transition in a single transaction.
type Tracker struct {
	db       *store.DB
	engine   *keys.Engine
	contacts Contacts
	prekeys  PreKeyConsumer
	channel  transport.Channel
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	cancel   context.CancelFunc
}

// New creates a delivery tracker for the authenticated identifier.
func New(db *store.DB, engine *keys.Engine, contacts Contacts, prekeys PreKeyConsumer, channel transport.Channel, b *bus.Bus, selfID string, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:       db,
		engine:   engine,
		contacts: contacts,
		prekeys:  prekeys,
		channel:  channel,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
	}
}

// Start subscribes to transport events and processes them until Stop. One
// bad event is logged and skipped; the loop itself must keep running.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("transport.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				t.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case transport.EventMessage:
		env, ok := evt.Payload.(*transport.Envelope)
		if !ok {
			return
		}
		if err := t.RecordInbound(ctx, env); err != nil {
			t.logger.Error("failed to record inbound message", zap.Error(err), zap.String("msg_id", env.MessageID))
		}
	case transport.EventStatus:
		upd, ok := evt.Payload.(*transport.StatusUpdate)
		if !ok {
			return
		}
		if err := t.ApplyRemoteStatusChange(ctx, upd.MessageID, Status(upd.Value), upd.Sender); err != nil {
			t.logger.Error("failed to apply status change", zap.Error(err), zap.String("msg_id", upd.MessageID))
		}
	case transport.EventCleared:
		notice, ok := evt.Payload.(*transport.ClearNotice)
		if !ok {
			return
		}
		if err := t.applyRemoteClear(ctx, notice); err != nil {
			t.logger.Error("failed to apply remote clear", zap.Error(err), zap.String("peer", notice.Sender))
		}
	case transport.EventClearedAck:
		notice, ok := evt.Payload.(*transport.ClearNotice)
		if !ok {
			return
		}
		t.logger.Info("conversation clear acknowledged by peer", zap.String("peer", notice.Sender))
	case transport.EventPreKeyClaim:
		claim, ok := evt.Payload.(*transport.PreKeyClaim)
		if !ok {
			return
		}
		if err := t.prekeys.ConsumePreKey(claim.ID); err != nil {
			t.logger.Warn("prekey claim not applied", zap.Error(err), zap.String("prekey_id", claim.ID))
		}
	}
}

// CreateOutbound encrypts plaintext for peerID and persists the message as
// pending. The outbox picks pending messages up for dispatch; the returned
// message id is final before any network activity happens.
func (t *Tracker) CreateOutbound(ctx context.Context, peerID string, plaintext []byte) (*store.Message, error) {
	peerPub, err := t.contacts.PublicKey(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %s: %w", peerID, err)
	}
	ciphertext, iv, err := t.engine.Encrypt(plaintext, peerPub)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", peerID, err)
	}

	m := &store.Message{
		ID:         uuid.NewString(),
		SenderID:   t.selfID,
		ReceiverID: peerID,
		Cipher:     ciphertext,
		IV:         iv,
		Status:     string(StatusPending),
		Timestamp:  time.Now().UnixMilli(),
	}
	if _, err := t.db.InsertMessage(m); err != nil {
		return nil, fmt.Errorf("persist outbound: %w", err)
	}

	t.bus.Publish(bus.Event{
		Kind:      bus.MessageQueued,
		Timestamp: time.Now(),
		Payload:   &InboundMessage{MessageID: m.ID, SenderID: t.selfID, Plaintext: string(plaintext)},
	})
	return m, nil
}

// RecordInbound persists a received envelope as delivered, decrypts it for
// display, and notifies the sender. Redelivery of an already-known message
// id is a no-op.
func (t *Tracker) RecordInbound(ctx context.Context, env *transport.Envelope) error {
	m := &store.Message{
		ID:         env.MessageID,
		SenderID:   env.SenderID,
		ReceiverID: t.selfID,
		Cipher:     env.Cipher,
		IV:         env.IV,
		Status:     string(StatusDelivered),
		Timestamp:  env.Timestamp,
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}

	inserted, err := t.db.InsertMessage(m)
	if err != nil {
		return fmt.Errorf("persist inbound: %w", err)
	}
	if !inserted {
		t.logger.Debug("duplicate inbound message ignored", zap.String("msg_id", env.MessageID))
		return nil
	}

	plaintext := ""
	if peerPub, err := t.contacts.PublicKey(ctx, env.SenderID); err != nil {
		t.logger.Warn("unknown sender, message stored encrypted", zap.String("sender", env.SenderID), zap.Error(err))
	} else if body, err := t.engine.Decrypt(env.Cipher, env.IV, peerPub); err != nil {
		t.logger.Warn("inbound decryption failed", zap.String("msg_id", env.MessageID), zap.Error(err))
	} else {
		plaintext = string(body)
	}

	t.bus.Publish(bus.Event{
		Kind:      bus.MessageReceived,
		Timestamp: time.Now(),
		Payload:   &InboundMessage{MessageID: env.MessageID, SenderID: env.SenderID, Plaintext: plaintext},
	})

	// Local receipt implies network delivery; tell the sender.
	upd := &transport.StatusUpdate{MessageID: env.MessageID, Value: string(StatusDelivered), Sender: t.selfID}
	if err := t.channel.SendStatus(ctx, upd); err != nil {
		t.logger.Warn("delivered receipt not dispatched", zap.Error(err), zap.String("msg_id", env.MessageID))
	}
	return nil
}

// MarkSent records transport acknowledgment of a pending message.
func (t *Tracker) MarkSent(messageID string) error {
	_, err := t.applyTransition(messageID, StatusSent)
	return err
}

// MarkFailed surfaces a message whose retry window closed without
// acknowledgment. Only a still-pending message can fail.
func (t *Tracker) MarkFailed(messageID string, cause error) error {
	changed, err := t.applyTransition(messageID, StatusFailed)
	if err != nil {
		return err
	}
	if changed {
		t.bus.Publish(bus.Event{
			Kind:      bus.MessageSendFailed,
			Timestamp: time.Now(),
			Payload:   map[string]string{"msg_id": messageID, "error": cause.Error()},
		})
	}
	return nil
}

// MarkSeen transitions a delivered message to seen when it is rendered in
// a focused conversation, and notifies the sender. Idempotent when already
// seen; any other starting state is left alone.
func (t *Tracker) MarkSeen(ctx context.Context, messageID string) error {
	changed, _, err := t.db.UpdateMessageStatus(messageID, func(current string) (string, bool) {
		if Status(current) == StatusDelivered {
			return string(StatusSeen), true
		}
		return current, false
	})
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	t.publishStatusChange(messageID, StatusDelivered, StatusSeen)
	upd := &transport.StatusUpdate{MessageID: messageID, Value: string(StatusSeen), Sender: t.selfID}
	if err := t.channel.SendStatus(ctx, upd); err != nil {
		t.logger.Warn("seen receipt not dispatched", zap.Error(err), zap.String("msg_id", messageID))
	}
	return nil
}

// ApplyRemoteStatusChange applies a peer's notification about a message
// this client sent. Only forward transitions from the reducer are applied;
// stale or out-of-order notifications are logged and ignored.
func (t *Tracker) ApplyRemoteStatusChange(_ context.Context, messageID string, value Status, reportedBy string) error {
	if !Known(value) {
		t.logger.Warn("unknown status value ignored", zap.String("value", string(value)), zap.String("reported_by", reportedBy))
		return nil
	}
	changed, err := t.applyTransition(messageID, value)
	if errors.Is(err, store.ErrNotFound) {
		t.logger.Warn("status change for unknown message ignored", zap.String("msg_id", messageID), zap.String("reported_by", reportedBy))
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		t.logger.Debug("stale status transition ignored",
			zap.String("msg_id", messageID),
			zap.String("incoming", string(value)),
			zap.String("reported_by", reportedBy))
	}
	return nil
}

// ClearConversation deletes every message exchanged with peerID, locally
// and - via a clear notice - on the peer's side. Last delete wins; there is
// no consensus step.
func (t *Tracker) ClearConversation(ctx context.Context, peerID string) error {
	n, err := t.db.DeleteConversation(t.selfID, peerID)
	if err != nil {
		return fmt.Errorf("clear conversation with %s: %w", peerID, err)
	}
	t.logger.Info("conversation cleared", zap.String("peer", peerID), zap.Int64("messages", n))
	t.bus.Publish(bus.Event{
		Kind:      bus.ConversationCleared,
		Timestamp: time.Now(),
		Payload:   map[string]string{"peer_id": peerID},
	})

	notice := &transport.ClearNotice{PeerID: peerID, Sender: t.selfID}
	if err := t.channel.SendClear(ctx, notice); err != nil {
		t.logger.Warn("clear notice not dispatched", zap.Error(err), zap.String("peer", peerID))
	}
	return nil
}

// History returns the conversation with peerID ordered by timestamp,
// decrypting bodies lazily. Messages that fail to decrypt keep an empty
// plaintext rather than failing the whole listing.
func (t *Tracker) History(ctx context.Context, peerID string) ([]Message, error) {
	stored, err := t.db.Conversation(t.selfID, peerID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, nil
	}

	peerPub, pubErr := t.contacts.PublicKey(ctx, peerID)
	out := make([]Message, 0, len(stored))
	for _, m := range stored {
		dm := Message{Message: m}
		if pubErr == nil {
			if body, err := t.engine.Decrypt(m.Cipher, m.IV, peerPub); err == nil {
				dm.Plaintext = string(body)
			} else {
				t.logger.Debug("history decryption failed", zap.String("msg_id", m.ID), zap.Error(err))
			}
		}
		out = append(out, dm)
	}
	return out, nil
}

// StatusHistory returns the append-only transition log of one message.
func (t *Tracker) StatusHistory(messageID string) ([]store.StatusHistoryEntry, error) {
	return t.db.StatusHistory(messageID)
}

// applyRemoteClear performs the local half of a peer-initiated deletion and
// acknowledges it.
func (t *Tracker) applyRemoteClear(ctx context.Context, notice *transport.ClearNotice) error {
	n, err := t.db.DeleteConversation(t.selfID, notice.Sender)
	if err != nil {
		return err
	}
	t.logger.Info("conversation cleared by peer", zap.String("peer", notice.Sender), zap.Int64("messages", n))
	t.bus.Publish(bus.Event{
		Kind:      bus.ConversationCleared,
		Timestamp: time.Now(),
		Payload:   map[string]string{"peer_id": notice.Sender},
	})

	ack := &transport.ClearNotice{PeerID: notice.Sender, Sender: t.selfID, Ack: true}
	if err := t.channel.SendClear(ctx, ack); err != nil {
		t.logger.Warn("clear ack not dispatched", zap.Error(err), zap.String("peer", notice.Sender))
	}
	return nil
}

func (t *Tracker) applyTransition(messageID string, incoming Status) (bool, error) {
	var from Status
	changed, prev, err := t.db.UpdateMessageStatus(messageID, func(current string) (string, bool) {
		next, ok := Reduce(Status(current), incoming)
		return string(next), ok
	})
	if err != nil {
		return false, err
	}
	from = Status(prev)
	if changed {
		t.publishStatusChange(messageID, from, incoming)
	}
	return changed, nil
}

func (t *Tracker) publishStatusChange(messageID string, from, to Status) {
	t.bus.Publish(bus.Event{
		Kind:      bus.StatusChanged,
		Timestamp: time.Now(),
		Payload:   &StatusChange{MessageID: messageID, From: from, To: to},
	})
}
