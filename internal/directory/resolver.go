package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/pkruglov/phantom/internal/keys"
	"github.com/pkruglov/phantom/internal/store"
	"go.uber.org/zap"
)

// Resolver resolves contact identifiers to public agreement keys, consulting
// the local cache first and falling back to the directory. Fetched bundles
// are signature-checked before the key is cached or returned.
type Resolver struct {
	db     *store.DB
	client *Client
	logger *zap.Logger
}

// NewResolver creates a resolver over the contact cache and directory client.
func NewResolver(db *store.DB, client *Client, logger *zap.Logger) *Resolver {
	return &Resolver{db: db, client: client, logger: logger}
}

// PublicKey returns the contact's identity agreement key.
func (r *Resolver) PublicKey(ctx context.Context, contactID string) ([keys.KeySize]byte, error) {
	var pub [keys.KeySize]byte

	cached, err := r.db.GetContact(contactID)
	if err == nil {
		if len(cached.PublicKey) != keys.KeySize {
			return pub, fmt.Errorf("cached key for %s: %w", contactID, keys.ErrMalformedKeyMaterial)
		}
		copy(pub[:], cached.PublicKey)
		return pub, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return pub, err
	}

	bundle, err := r.client.FetchBundle(ctx, contactID)
	if err != nil {
		return pub, err
	}
	if !keys.VerifySignedPreKey(bundle) {
		return pub, fmt.Errorf("bundle for %s: %w", contactID, keys.ErrInvalidPeerKey)
	}

	// First contact claims one of the peer's one-time prekeys. The claim
	// depletes the published pool and makes the relay notify the owner,
	// whose client marks the prekey consumed. An exhausted pool is not
	// fatal; the conversation falls back to the identity key alone.
	if pk, err := r.client.ClaimPreKey(ctx, contactID); err != nil {
		if errors.Is(err, ErrNoPreKeys) {
			r.logger.Warn("peer prekey pool exhausted", zap.String("contact_id", contactID))
		} else {
			r.logger.Warn("prekey claim failed", zap.Error(err), zap.String("contact_id", contactID))
		}
	} else {
		r.logger.Debug("one-time prekey claimed", zap.String("contact_id", contactID), zap.String("prekey_id", pk.ID))
	}

	pub = bundle.IdentityAgreement
	if err := r.db.UpsertContact(&store.Contact{ContactID: contactID, PublicKey: pub[:]}); err != nil {
		r.logger.Warn("failed to cache contact", zap.Error(err), zap.String("contact_id", contactID))
	}
	return pub, nil
}

// Refresh drops the cached entry and fetches the bundle again.
func (r *Resolver) Refresh(ctx context.Context, contactID string) ([keys.KeySize]byte, error) {
	if err := r.db.DeleteContact(contactID); err != nil {
		return [keys.KeySize]byte{}, err
	}
	return r.PublicKey(ctx, contactID)
}
