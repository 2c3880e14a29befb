// Package core is the surface the daemon exposes to its callers: account
// lifecycle, messaging and conversation queries. It wires the vault, the
// crypto engine, the delivery tracker and the directory behind one facade
// so nothing above it touches key material or the database directly.
package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pkruglov/phantom/internal/bus"
	"github.com/pkruglov/phantom/internal/directory"
	"github.com/pkruglov/phantom/internal/keys"
	"github.com/pkruglov/phantom/internal/session"
	"github.com/pkruglov/phantom/internal/store"
	"github.com/pkruglov/phantom/internal/tracker"
	"github.com/pkruglov/phantom/internal/vault"
	"go.uber.org/zap"
)

// Vault record names for the identity bundle.
const (
	recAgreementPriv = "identity/agreement"
	recSigningPriv   = "identity/signing"
	recSignedPreKey  = "prekey/signed"
	prekeyRecPrefix  = "prekey/"
)

// ErrBadCredentials is returned by Login when the supplied credentials
// cannot open the vault.
var ErrBadCredentials = errors.New("wrong username or password")

// ErrNotRegistered is returned by Login when the profile has no identity.
var ErrNotRegistered = errors.New("profile has no registered identity")

// Publisher uploads public key bundles to the directory.
type Publisher interface {
	Publish(ctx context.Context, contactID string, bundle *keys.PublicBundle) error
}

// Core is the client facade. Construct it once per profile; the Session
// returned by Register or Login gates everything that needs credentials.
type Core struct {
	db        *store.DB
	vault     *vault.Vault
	engine    *keys.Engine
	tracker   *tracker.Tracker
	publisher Publisher
	bus       *bus.Bus
	logger    *zap.Logger

	profile     string
	saltPath    string
	prekeyCount int
}

// New creates the facade.
func New(db *store.DB, v *vault.Vault, engine *keys.Engine, tr *tracker.Tracker, publisher Publisher, b *bus.Bus, profile, saltPath string, prekeyCount int, logger *zap.Logger) *Core {
	if prekeyCount <= 0 {
		prekeyCount = keys.DefaultPreKeyCount
	}
	return &Core{
		db:          db,
		vault:       v,
		engine:      engine,
		tracker:     tr,
		publisher:   publisher,
		bus:         b,
		logger:      logger,
		profile:     profile,
		saltPath:    saltPath,
		prekeyCount: prekeyCount,
	}
}

// Register creates a fresh identity for the profile: generates the key
// bundle, stores every private half in the vault under the new credentials,
// publishes the public bundle and unlocks the engine. The returned session
// owns the credential key.
func (c *Core) Register(ctx context.Context, username, password string) (*session.Session, error) {
	salt, err := vault.LoadOrCreateSalt(c.saltPath)
	if err != nil {
		return nil, fmt.Errorf("credential salt: %w", err)
	}
	credKey := vault.DeriveCredentialKey(username, password, salt)

	bundle, err := keys.GenerateBundle(c.prekeyCount)
	if err != nil {
		return nil, fmt.Errorf("generate key bundle: %w", err)
	}

	if err := c.vault.Put(recAgreementPriv, bundle.Identity.AgreementPriv[:], credKey); err != nil {
		return nil, err
	}
	if err := c.vault.Put(recSigningPriv, bundle.Identity.SigningPriv, credKey); err != nil {
		return nil, err
	}
	if err := c.vault.Put(recSignedPreKey, bundle.SignedPreKey.Priv[:], credKey); err != nil {
		return nil, err
	}
	for _, pk := range bundle.OneTimePreKeys {
		if err := c.vault.Put(prekeyRecPrefix+pk.ID, pk.Priv[:], credKey); err != nil {
			return nil, err
		}
		if err := c.vault.AddPreKey(pk.ID); err != nil {
			return nil, err
		}
	}

	identifier := keys.HashIdentifier(username)
	if err := c.publisher.Publish(ctx, identifier, bundle.Public()); err != nil {
		return nil, fmt.Errorf("publish bundle: %w", err)
	}

	if err := c.engine.Unlock(bundle.Identity.AgreementPriv[:]); err != nil {
		return nil, err
	}
	c.logger.Info("identity registered",
		zap.String("profile", c.profile),
		zap.Int("prekeys", len(bundle.OneTimePreKeys)))
	return session.NewSession(c.profile, username, identifier, credKey), nil
}

// Login re-derives the credential key, opens the stored identity with it
// and unlocks the engine. A wrong password surfaces as ErrBadCredentials;
// a profile that never registered as ErrNotRegistered.
func (c *Core) Login(_ context.Context, username, password string) (*session.Session, error) {
	salt, err := vault.LoadOrCreateSalt(c.saltPath)
	if err != nil {
		return nil, fmt.Errorf("credential salt: %w", err)
	}
	credKey := vault.DeriveCredentialKey(username, password, salt)

	agreementPriv, err := c.vault.Get(recAgreementPriv, credKey)
	if errors.Is(err, vault.ErrNotFound) {
		credKey.Zero()
		return nil, ErrNotRegistered
	}
	if errors.Is(err, vault.ErrLocked) {
		credKey.Zero()
		return nil, ErrBadCredentials
	}
	if err != nil {
		credKey.Zero()
		return nil, err
	}

	if err := c.engine.Unlock(agreementPriv); err != nil {
		credKey.Zero()
		return nil, err
	}
	zero(agreementPriv)

	c.logger.Info("logged in", zap.String("profile", c.profile))
	return session.NewSession(c.profile, username, keys.HashIdentifier(username), credKey), nil
}

// Logout locks the engine and wipes the session's credential key. Stored
// data stays on disk for the next login.
func (c *Core) Logout(s *session.Session) {
	c.engine.Lock()
	s.Close()
	c.logger.Info("logged out", zap.String("profile", c.profile))
}

// Wipe destroys the account: every vault record, the prekey pool, all
// messages, the contact cache, the resume checkpoints and the credential
// salt file. Irreversible. A later Register starts from a blank profile
// with a fresh salt.
func (c *Core) Wipe(s *session.Session) error {
	c.engine.Lock()
	s.Close()
	if err := c.vault.DeleteAll(); err != nil {
		return err
	}
	if err := c.db.DeleteAllMessages(); err != nil {
		return err
	}
	if err := c.db.DeleteCheckpoints(); err != nil {
		return err
	}
	if err := os.Remove(c.saltPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove credential salt: %w", err)
	}
	c.logger.Warn("account wiped", zap.String("profile", c.profile))
	return nil
}

// SendMessage queues an encrypted message for peerID and returns its id.
// Delivery progress arrives through OnStatusChange.
func (c *Core) SendMessage(ctx context.Context, s *session.Session, peerID string, text string) (string, error) {
	if _, err := s.CredentialKey(); err != nil {
		return "", err
	}
	m, err := c.tracker.CreateOutbound(ctx, peerID, []byte(text))
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// ConversationHistory returns the decrypted conversation with peerID.
func (c *Core) ConversationHistory(ctx context.Context, peerID string) ([]tracker.Message, error) {
	return c.tracker.History(ctx, peerID)
}

// MarkSeen records that a delivered message was rendered.
func (c *Core) MarkSeen(ctx context.Context, messageID string) error {
	return c.tracker.MarkSeen(ctx, messageID)
}

// ClearConversation deletes the conversation with peerID on both sides.
func (c *Core) ClearConversation(ctx context.Context, peerID string) error {
	return c.tracker.ClearConversation(ctx, peerID)
}

// StatusHistory returns the transition log of a message.
func (c *Core) StatusHistory(messageID string) ([]store.StatusHistoryEntry, error) {
	return c.tracker.StatusHistory(messageID)
}

// Contacts returns the cached contact list.
func (c *Core) Contacts() ([]store.Contact, error) {
	return c.db.ListContacts()
}

// SetNickname stores a local display name for a contact.
func (c *Core) SetNickname(contactID, nickname string) error {
	contact, err := c.db.GetContact(contactID)
	if err != nil {
		return err
	}
	contact.Nickname = nickname
	return c.db.UpsertContact(contact)
}

// OnNewMessage subscribes to inbound messages. Call unsub when done.
func (c *Core) OnNewMessage(buffer int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(bus.MessageReceived, buffer)
}

// OnStatusChange subscribes to message status transitions.
func (c *Core) OnStatusChange(buffer int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(bus.StatusChanged, buffer)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var _ Publisher = (*directory.Client)(nil)
