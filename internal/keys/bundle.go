// Package keys implements the client's cryptographic core: key bundle
// generation, conversation key agreement, and authenticated encryption of
// message bodies.
//
// The published bundle is one long-term identity (an X25519 agreement key
// plus an Ed25519 signing key), one medium-term signed prekey whose public
// half is signed by the identity, and a pool of single-use prekeys.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the byte size of X25519 keys and derived symmetric keys.
const KeySize = 32

// DefaultPreKeyCount is the one-time prekey pool size generated at
// registration.
const DefaultPreKeyCount = 5

// IdentityKeyPair is the long-lived identity: an X25519 pair for key
// agreement and an Ed25519 pair for signing. Created once at registration,
// never rotated, destroyed only on account wipe.
type IdentityKeyPair struct {
	AgreementPub  [KeySize]byte
	AgreementPriv [KeySize]byte
	SigningPub    ed25519.PublicKey
	SigningPriv   ed25519.PrivateKey
}

// SignedPreKey is the medium-term agreement key. Its public half carries an
// Ed25519 signature by the identity, letting peers verify provenance before
// use.
type SignedPreKey struct {
	ID        uint32
	Pub       [KeySize]byte
	Priv      [KeySize]byte
	Signature []byte
	CreatedAt time.Time
}

// OneTimePreKey is a single-use agreement key from the published pool.
type OneTimePreKey struct {
	ID        string
	Pub       [KeySize]byte
	Priv      [KeySize]byte
	CreatedAt time.Time
}

// Bundle is the full key bundle including private halves. Private material
// goes straight into the vault; everything else is published through
// Public().
type Bundle struct {
	Identity       IdentityKeyPair
	SignedPreKey   SignedPreKey
	OneTimePreKeys []OneTimePreKey
}

// PublicPreKey is the published half of a one-time prekey.
type PublicPreKey struct {
	ID  string        `json:"id"`
	Key [KeySize]byte `json:"key"`
}

// PublicBundle is the uploadable portion of a bundle.
type PublicBundle struct {
	IdentityAgreement [KeySize]byte  `json:"identity_agreement"`
	IdentitySigning   []byte         `json:"identity_signing"`
	SignedPreKeyID    uint32         `json:"signed_prekey_id"`
	SignedPreKey      [KeySize]byte  `json:"signed_prekey"`
	SignedPreKeySig   []byte         `json:"signed_prekey_sig"`
	OneTimePreKeys    []PublicPreKey `json:"one_time_prekeys"`
}

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv, pub [KeySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

// GenerateBundle generates a complete key bundle with prekeyCount one-time
// prekeys (DefaultPreKeyCount when <= 0).
func GenerateBundle(prekeyCount int) (*Bundle, error) {
	if prekeyCount <= 0 {
		prekeyCount = DefaultPreKeyCount
	}

	aPriv, aPub, err := GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("identity agreement key: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity signing key: %w", err)
	}

	spkPriv, spkPub, err := GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("signed prekey: %w", err)
	}
	now := time.Now()

	b := &Bundle{
		Identity: IdentityKeyPair{
			AgreementPub:  aPub,
			AgreementPriv: aPriv,
			SigningPub:    signPub,
			SigningPriv:   signPriv,
		},
		SignedPreKey: SignedPreKey{
			ID:        1,
			Pub:       spkPub,
			Priv:      spkPriv,
			Signature: ed25519.Sign(signPriv, spkPub[:]),
			CreatedAt: now,
		},
	}

	for i := 0; i < prekeyCount; i++ {
		priv, pub, err := GenerateX25519()
		if err != nil {
			return nil, fmt.Errorf("one-time prekey %d: %w", i, err)
		}
		b.OneTimePreKeys = append(b.OneTimePreKeys, OneTimePreKey{
			ID:        uuid.NewString(),
			Pub:       pub,
			Priv:      priv,
			CreatedAt: now,
		})
	}
	return b, nil
}

// Public returns the uploadable portion of the bundle.
func (b *Bundle) Public() *PublicBundle {
	pb := &PublicBundle{
		IdentityAgreement: b.Identity.AgreementPub,
		IdentitySigning:   append([]byte(nil), b.Identity.SigningPub...),
		SignedPreKeyID:    b.SignedPreKey.ID,
		SignedPreKey:      b.SignedPreKey.Pub,
		SignedPreKeySig:   append([]byte(nil), b.SignedPreKey.Signature...),
	}
	for _, k := range b.OneTimePreKeys {
		pb.OneTimePreKeys = append(pb.OneTimePreKeys, PublicPreKey{ID: k.ID, Key: k.Pub})
	}
	return pb
}

// VerifySignedPreKey checks the identity signature over the signed prekey.
// Callers accepting a peer bundle should verify before deriving anything
// from it.
func VerifySignedPreKey(pb *PublicBundle) bool {
	if len(pb.IdentitySigning) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pb.IdentitySigning), pb.SignedPreKey[:], pb.SignedPreKeySig)
}
