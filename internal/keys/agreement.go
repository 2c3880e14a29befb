package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Agreement derives the conversation symmetric key from a local private
// agreement key and a peer's public key. Both parties must arrive at the
// same key from their respective halves.
//
// The static implementation derives one key per peer and reuses it for all
// messages; a ratcheting scheme can be substituted here without touching
// the delivery tracker.
type Agreement interface {
	SharedKey(ownPriv, peerPub [KeySize]byte) ([KeySize]byte, error)
}

// staticDH is X25519 followed by an HKDF expansion into an AES-256 key.
type staticDH struct{}

// NewStaticAgreement returns the static Diffie-Hellman agreement.
func NewStaticAgreement() Agreement {
	return staticDH{}
}

func (staticDH) SharedKey(ownPriv, peerPub [KeySize]byte) ([KeySize]byte, error) {
	var key [KeySize]byte

	if peerPub == ([KeySize]byte{}) {
		return key, fmt.Errorf("zero public key: %w", ErrInvalidPeerKey)
	}
	ownPubBytes, err := curve25519.X25519(ownPriv[:], curve25519.Basepoint)
	if err != nil {
		return key, fmt.Errorf("own key: %w", ErrMalformedKeyMaterial)
	}
	var ownPub [KeySize]byte
	copy(ownPub[:], ownPubBytes)
	if peerPub == ownPub {
		return key, fmt.Errorf("self-referential public key: %w", ErrInvalidPeerKey)
	}

	secret, err := curve25519.X25519(ownPriv[:], peerPub[:])
	if err != nil {
		// Low-order points produce an all-zero shared secret and are
		// rejected by X25519 itself.
		return key, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	r := hkdf.New(sha256.New, secret, nil, []byte("phantom/conversation-key"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	zero(secret)
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
