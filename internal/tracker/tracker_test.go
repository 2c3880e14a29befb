package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkruglov/phantom/internal/bus"
	"github.com/pkruglov/phantom/internal/keys"
	"github.com/pkruglov/phantom/internal/store"
	"github.com/pkruglov/phantom/internal/transport"
	"go.uber.org/zap"
)

type fakeChannel struct {
	mu        sync.Mutex
	envelopes []*transport.Envelope
	statuses  []*transport.StatusUpdate
	clears    []*transport.ClearNotice
	err       error
}

func (f *fakeChannel) SendMessage(_ context.Context, env *transport.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.envelopes = append(f.envelopes, env)
	return nil
}

func (f *fakeChannel) SendStatus(_ context.Context, upd *transport.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.statuses = append(f.statuses, upd)
	return nil
}

func (f *fakeChannel) SendClear(_ context.Context, notice *transport.ClearNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.clears = append(f.clears, notice)
	return nil
}

func (f *fakeChannel) sentStatuses() []*transport.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.StatusUpdate(nil), f.statuses...)
}

type fakeContacts struct {
	keys map[string][keys.KeySize]byte
}

func (f *fakeContacts) PublicKey(_ context.Context, contactID string) ([keys.KeySize]byte, error) {
	k, ok := f.keys[contactID]
	if !ok {
		return k, fmt.Errorf("contact %q: %w", contactID, store.ErrNotFound)
	}
	return k, nil
}

type fakePreKeys struct {
	consumed []string
}

func (f *fakePreKeys) ConsumePreKey(id string) error {
	f.consumed = append(f.consumed, id)
	return nil
}

type fixture struct {
	tracker  *Tracker
	db       *store.DB
	bus      *bus.Bus
	channel  *fakeChannel
	prekeys  *fakePreKeys
	bobPriv  [keys.KeySize]byte
	bobPub   [keys.KeySize]byte
	alicePub [keys.KeySize]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	alicePriv, alicePub, err := keys.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	bobPriv, bobPub, err := keys.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}

	engine := keys.NewEngine(keys.NewStaticAgreement(), zap.NewNop())
	if err := engine.Unlock(alicePriv[:]); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	ch := &fakeChannel{}
	pk := &fakePreKeys{}
	contacts := &fakeContacts{keys: map[string][keys.KeySize]byte{"bob": bobPub}}

	return &fixture{
		tracker:  New(db, engine, contacts, pk, ch, b, "alice", zap.NewNop()),
		db:       db,
		bus:      b,
		channel:  ch,
		prekeys:  pk,
		bobPriv:  bobPriv,
		bobPub:   bobPub,
		alicePub: alicePub,
	}
}

// envelopeFrom encrypts plaintext as bob would and wraps it for alice.
func (f *fixture) envelopeFrom(t *testing.T, id, plaintext string) *transport.Envelope {
	t.Helper()
	bob := keys.NewEngine(keys.NewStaticAgreement(), zap.NewNop())
	if err := bob.Unlock(f.bobPriv[:]); err != nil {
		t.Fatal(err)
	}
	ct, iv, err := bob.Encrypt([]byte(plaintext), f.alicePub)
	if err != nil {
		t.Fatal(err)
	}
	return &transport.Envelope{
		MessageID:  id,
		SenderID:   "bob",
		ReceiverID: "alice",
		Cipher:     ct,
		IV:         iv,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func historyStatuses(t *testing.T, db *store.DB, id string) []string {
	t.Helper()
	entries, err := db.StatusHistory(id)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Status)
	}
	return out
}

func TestCreateOutboundPersistsPending(t *testing.T) {
	f := newFixture(t)

	m, err := f.tracker.CreateOutbound(context.Background(), "bob", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" {
		t.Error("message id not assigned")
	}
	if m.Status != string(StatusPending) {
		t.Errorf("status = %q, want pending", m.Status)
	}

	stored, err := f.db.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Status != "pending" {
		t.Fatalf("stored = %+v", stored)
	}
	if string(stored.Cipher) == "hello" {
		t.Error("plaintext persisted")
	}

	got := historyStatuses(t, f.db, m.ID)
	if len(got) != 1 || got[0] != "pending" {
		t.Errorf("history = %v, want [pending]", got)
	}
}

func TestCreateOutboundUnknownPeer(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.CreateOutbound(context.Background(), "stranger", []byte("hi"))
	if err == nil {
		t.Error("expected error for unresolvable peer")
	}
}

func TestOutboundFullLifecycleHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.tracker.CreateOutbound(ctx, "bob", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.MarkSent(m.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.ApplyRemoteStatusChange(ctx, m.ID, StatusDelivered, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.ApplyRemoteStatusChange(ctx, m.ID, StatusSeen, "bob"); err != nil {
		t.Fatal(err)
	}

	want := []string{"pending", "sent", "delivered", "seen"}
	got := historyStatuses(t, f.db, m.ID)
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRecordInboundDecryptsAndNotifies(t *testing.T) {
	f := newFixture(t)
	received, unsub := f.bus.Subscribe(bus.MessageReceived, 4)
	defer unsub()

	env := f.envelopeFrom(t, "m1", "hello")
	if err := f.tracker.RecordInbound(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	stored, err := f.db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != "delivered" {
		t.Errorf("status = %q, want delivered", stored.Status)
	}

	select {
	case evt := <-received:
		inbound := evt.Payload.(*InboundMessage)
		if inbound.Plaintext != "hello" {
			t.Errorf("plaintext = %q, want hello", inbound.Plaintext)
		}
	case <-time.After(time.Second):
		t.Fatal("message.received not published")
	}

	// A delivered receipt goes back to the sender.
	statuses := f.channel.sentStatuses()
	if len(statuses) != 1 || statuses[0].Value != "delivered" || statuses[0].MessageID != "m1" {
		t.Errorf("receipts = %+v, want one delivered for m1", statuses)
	}
}

func TestRecordInboundIdempotent(t *testing.T) {
	f := newFixture(t)
	env := f.envelopeFrom(t, "m1", "hello")

	for i := 0; i < 2; i++ {
		if err := f.tracker.RecordInbound(context.Background(), env); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := f.db.Conversation("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
	got := historyStatuses(t, f.db, "m1")
	if len(got) != 1 || got[0] != "delivered" {
		t.Errorf("history = %v, want exactly [delivered]", got)
	}
	if n := len(f.channel.sentStatuses()); n != 1 {
		t.Errorf("receipts = %d, want 1 (duplicate is a no-op)", n)
	}
}

func TestMarkSeenOnlyFromDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := f.envelopeFrom(t, "m1", "hello")
	if err := f.tracker.RecordInbound(ctx, env); err != nil {
		t.Fatal(err)
	}

	if err := f.tracker.MarkSeen(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.db.GetMessage("m1")
	if stored.Status != "seen" {
		t.Errorf("status = %q, want seen", stored.Status)
	}

	// Idempotent: no duplicate history entry, no duplicate receipt.
	if err := f.tracker.MarkSeen(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	got := historyStatuses(t, f.db, "m1")
	if len(got) != 2 {
		t.Errorf("history = %v, want [delivered seen]", got)
	}

	var seenReceipts int
	for _, s := range f.channel.sentStatuses() {
		if s.Value == "seen" {
			seenReceipts++
		}
	}
	if seenReceipts != 1 {
		t.Errorf("seen receipts = %d, want 1", seenReceipts)
	}
}

func TestMarkSeenSkipsOutboundInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.tracker.CreateOutbound(ctx, "bob", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.MarkSent(m.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.tracker.MarkSeen(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.db.GetMessage(m.ID)
	if stored.Status != "sent" {
		t.Errorf("status = %q, want sent (seen only applies to delivered)", stored.Status)
	}
}

func TestMarkSeenMissingMessage(t *testing.T) {
	f := newFixture(t)
	if err := f.tracker.MarkSeen(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOutOfOrderRemoteStatusConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.tracker.CreateOutbound(ctx, "bob", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.MarkSent(m.ID); err != nil {
		t.Fatal(err)
	}

	// seen arrives before delivered.
	if err := f.tracker.ApplyRemoteStatusChange(ctx, m.ID, StatusSeen, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.ApplyRemoteStatusChange(ctx, m.ID, StatusDelivered, "bob"); err != nil {
		t.Fatal(err)
	}

	stored, _ := f.db.GetMessage(m.ID)
	if stored.Status != "seen" {
		t.Errorf("status = %q, want seen (stale delivered ignored)", stored.Status)
	}
	got := historyStatuses(t, f.db, m.ID)
	want := []string{"pending", "sent", "seen"}
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
}

func TestApplyRemoteStatusUnknownMessageIgnored(t *testing.T) {
	f := newFixture(t)
	if err := f.tracker.ApplyRemoteStatusChange(context.Background(), "ghost", StatusSeen, "bob"); err != nil {
		t.Errorf("unknown message should be ignored, got %v", err)
	}
}

func TestMarkFailedOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.tracker.CreateOutbound(ctx, "bob", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.MarkFailed(m.ID, errors.New("relay down")); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.db.GetMessage(m.ID)
	if stored.Status != "failed" {
		t.Errorf("status = %q, want failed", stored.Status)
	}

	// An already-acknowledged message cannot fail.
	m2, err := f.tracker.CreateOutbound(ctx, "bob", []byte("again"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.MarkSent(m2.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.MarkFailed(m2.ID, errors.New("late error")); err != nil {
		t.Fatal(err)
	}
	stored, _ = f.db.GetMessage(m2.ID)
	if stored.Status != "sent" {
		t.Errorf("status = %q, want sent", stored.Status)
	}
}

func TestClearConversationScopedAndPropagated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.tracker.CreateOutbound(ctx, "bob", []byte("to bob")); err != nil {
		t.Fatal(err)
	}
	// A second conversation that must survive.
	carolPub := f.bobPub
	f.tracker.contacts.(*fakeContacts).keys["carol"] = carolPub
	if _, err := f.tracker.CreateOutbound(ctx, "carol", []byte("to carol")); err != nil {
		t.Fatal(err)
	}

	if err := f.tracker.ClearConversation(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	bobMsgs, _ := f.db.Conversation("alice", "bob")
	if len(bobMsgs) != 0 {
		t.Errorf("bob conversation has %d messages, want 0", len(bobMsgs))
	}
	carolMsgs, _ := f.db.Conversation("alice", "carol")
	if len(carolMsgs) != 1 {
		t.Errorf("carol conversation has %d messages, want 1", len(carolMsgs))
	}

	f.channel.mu.Lock()
	clears := append([]*transport.ClearNotice(nil), f.channel.clears...)
	f.channel.mu.Unlock()
	if len(clears) != 1 || clears[0].PeerID != "bob" || clears[0].Ack {
		t.Errorf("clear notices = %+v, want one non-ack for bob", clears)
	}
}

func TestRemoteClearDeletesAndAcks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.tracker.CreateOutbound(ctx, "bob", []byte("to bob")); err != nil {
		t.Fatal(err)
	}

	f.tracker.handleEvent(ctx, bus.Event{
		Kind:    transport.EventCleared,
		Payload: &transport.ClearNotice{PeerID: "alice", Sender: "bob"},
	})

	msgs, _ := f.db.Conversation("alice", "bob")
	if len(msgs) != 0 {
		t.Errorf("conversation has %d messages after remote clear, want 0", len(msgs))
	}

	f.channel.mu.Lock()
	clears := append([]*transport.ClearNotice(nil), f.channel.clears...)
	f.channel.mu.Unlock()
	if len(clears) != 1 || !clears[0].Ack {
		t.Errorf("clear notices = %+v, want one ack", clears)
	}
}

func TestPreKeyClaimEventConsumes(t *testing.T) {
	f := newFixture(t)
	f.tracker.handleEvent(context.Background(), bus.Event{
		Kind:    transport.EventPreKeyClaim,
		Payload: &transport.PreKeyClaim{ID: "pk1"},
	})
	if len(f.prekeys.consumed) != 1 || f.prekeys.consumed[0] != "pk1" {
		t.Errorf("consumed = %v, want [pk1]", f.prekeys.consumed)
	}
}

func TestHistoryDecryptsBothDirections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.tracker.CreateOutbound(ctx, "bob", []byte("from alice")); err != nil {
		t.Fatal(err)
	}
	env := f.envelopeFrom(t, "m-in", "from bob")
	env.Timestamp = time.Now().UnixMilli() + 1000
	if err := f.tracker.RecordInbound(ctx, env); err != nil {
		t.Fatal(err)
	}

	history, err := f.tracker.History(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[0].Plaintext != "from alice" {
		t.Errorf("outbound plaintext = %q", history[0].Plaintext)
	}
	if history[1].Plaintext != "from bob" {
		t.Errorf("inbound plaintext = %q", history[1].Plaintext)
	}
}

func TestEventLoopProcessesTransportEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.tracker.Start(ctx)
	defer f.tracker.Stop()

	env := f.envelopeFrom(t, "m1", "hello")
	f.bus.Publish(bus.Event{Kind: transport.EventMessage, Timestamp: time.Now(), Payload: env})

	deadline := time.After(2 * time.Second)
	for {
		stored, err := f.db.GetMessage("m1")
		if err != nil {
			t.Fatal(err)
		}
		if stored != nil {
			if stored.Status != "delivered" {
				t.Errorf("status = %q, want delivered", stored.Status)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("event loop did not ingest the message")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
