package keys

import "errors"

var (
	// ErrInvalidPeerKey is returned for malformed, degenerate or
	// self-referential peer public keys.
	ErrInvalidPeerKey = errors.New("invalid peer public key")

	// ErrAuthenticationFailure is returned when a ciphertext fails tag
	// verification: tampering, wrong key, or corrupted IV/framing.
	ErrAuthenticationFailure = errors.New("message authentication failure")

	// ErrEngineLocked is returned when an operation needs the identity key
	// and none has been loaded yet.
	ErrEngineLocked = errors.New("crypto engine locked: no identity loaded")

	// ErrMalformedKeyMaterial is returned when imported key bytes cannot be
	// parsed.
	ErrMalformedKeyMaterial = errors.New("malformed key material")
)
