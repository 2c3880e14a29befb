package core

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkruglov/phantom/internal/bus"
	"github.com/pkruglov/phantom/internal/keys"
	"github.com/pkruglov/phantom/internal/store"
	"github.com/pkruglov/phantom/internal/tracker"
	"github.com/pkruglov/phantom/internal/transport"
	"github.com/pkruglov/phantom/internal/vault"
	"go.uber.org/zap"
)

type fakePublisher struct {
	bundles map[string]*keys.PublicBundle
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, contactID string, bundle *keys.PublicBundle) error {
	if f.err != nil {
		return f.err
	}
	if f.bundles == nil {
		f.bundles = make(map[string]*keys.PublicBundle)
	}
	f.bundles[contactID] = bundle
	return nil
}

type fakeContacts struct {
	keys map[string][keys.KeySize]byte
}

func (f *fakeContacts) PublicKey(_ context.Context, contactID string) ([keys.KeySize]byte, error) {
	k, ok := f.keys[contactID]
	if !ok {
		return k, store.ErrNotFound
	}
	return k, nil
}

type nopChannel struct{}

func (nopChannel) SendMessage(context.Context, *transport.Envelope) error { return nil }
func (nopChannel) SendStatus(context.Context, *transport.StatusUpdate) error { return nil }
func (nopChannel) SendClear(context.Context, *transport.ClearNotice) error { return nil }

type harness struct {
	core      *Core
	db        *store.DB
	vault     *vault.Vault
	engine    *keys.Engine
	publisher *fakePublisher
	contacts  *fakeContacts
	saltPath  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	v := vault.New(db, logger)
	engine := keys.NewEngine(keys.NewStaticAgreement(), logger)
	b := bus.New()
	contacts := &fakeContacts{keys: map[string][keys.KeySize]byte{}}
	tr := tracker.New(db, engine, contacts, v, nopChannel{}, b, "alice-id", logger)
	pub := &fakePublisher{}
	saltPath := filepath.Join(dir, "vault.salt")

	return &harness{
		core:      New(db, v, engine, tr, pub, b, "main", saltPath, 3, logger),
		db:        db,
		vault:     v,
		engine:    engine,
		publisher: pub,
		contacts:  contacts,
		saltPath:  saltPath,
	}
}

func TestRegisterStoresAndPublishes(t *testing.T) {
	h := newHarness(t)

	s, err := h.core.Register(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.Identifier != keys.HashIdentifier("alice") {
		t.Errorf("identifier = %q, want hash of username", s.Identifier)
	}

	published, ok := h.publisher.bundles[s.Identifier]
	if !ok {
		t.Fatal("bundle was not published")
	}
	if !keys.VerifySignedPreKey(published) {
		t.Error("published bundle has an invalid signed prekey signature")
	}
	if len(published.OneTimePreKeys) != 3 {
		t.Errorf("published %d one-time prekeys, want 3", len(published.OneTimePreKeys))
	}

	// Private halves are in the vault, openable with the same credentials.
	credKey, err := s.CredentialKey()
	if err != nil {
		t.Fatal(err)
	}
	priv, err := h.vault.Get("identity/agreement", credKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(priv) != keys.KeySize {
		t.Errorf("stored agreement key length = %d", len(priv))
	}

	// The prekey pool tracks every published id.
	unused, err := h.vault.UnusedPreKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(unused) != 3 {
		t.Errorf("prekey pool = %d, want 3", len(unused))
	}
}

func TestLoginWithRightAndWrongPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.core.Register(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	h.core.Logout(s)

	s2, err := h.core.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if s2.Identifier != keys.HashIdentifier("alice") {
		t.Errorf("identifier = %q", s2.Identifier)
	}

	if _, err := h.core.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("err = %v, want ErrBadCredentials", err)
	}
}

func TestLoginUnregisteredProfile(t *testing.T) {
	h := newHarness(t)
	if _, err := h.core.Login(context.Background(), "alice", "hunter2"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}

func TestSendAfterLogoutFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.core.Register(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	_, bobPub, err := keys.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	h.contacts.keys["bob"] = bobPub

	if _, err := h.core.SendMessage(ctx, s, "bob", "hi"); err != nil {
		t.Fatalf("send while logged in: %v", err)
	}

	h.core.Logout(s)
	if _, err := h.core.SendMessage(ctx, s, "bob", "hi again"); err == nil {
		t.Error("send after logout should fail")
	}
}

func TestWipeDestroysEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.core.Register(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	_, bobPub, err := keys.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	h.contacts.keys["bob"] = bobPub
	if _, err := h.core.SendMessage(ctx, s, "bob", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := h.db.SetCheckpoint("transport/last_event", "evt-42"); err != nil {
		t.Fatal(err)
	}

	if err := h.core.Wipe(s); err != nil {
		t.Fatal(err)
	}

	// Login below re-creates the salt file, so check it first.
	if _, err := os.Stat(h.saltPath); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("salt file survived wipe: %v", err)
	}
	if _, err := h.core.Login(ctx, "alice", "hunter2"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("login after wipe: err = %v, want ErrNotRegistered", err)
	}
	msgs, err := h.db.Conversation("alice-id", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived wipe: %d", len(msgs))
	}
	unused, err := h.vault.UnusedPreKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(unused) != 0 {
		t.Errorf("prekeys survived wipe: %d", len(unused))
	}
	cp, err := h.db.Checkpoint("transport/last_event")
	if err != nil {
		t.Fatal(err)
	}
	if cp != "" {
		t.Errorf("resume checkpoint survived wipe: %q", cp)
	}
}

// TestSecondPartyCanUsePublishedBundle registers an identity, then acts as
// a peer who fetched the published bundle: encrypt "hello" against the
// identity agreement key and check the local engine decrypts it.
func TestSecondPartyCanUsePublishedBundle(t *testing.T) {
	h := newHarness(t)

	s, err := h.core.Register(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	published := h.publisher.bundles[s.Identifier]

	peerPriv, peerPub, err := keys.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	peer := keys.NewEngine(keys.NewStaticAgreement(), zap.NewNop())
	if err := peer.Unlock(peerPriv[:]); err != nil {
		t.Fatal(err)
	}
	ct, iv, err := peer.Encrypt([]byte("hello"), published.IdentityAgreement)
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.engine.Decrypt(ct, iv, peerPub)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("decrypted = %q, want hello", got)
	}
}
