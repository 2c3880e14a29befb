package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// IVSize is the AES-GCM nonce size used for message bodies.
const IVSize = 12

// Engine performs the confidentiality operations of the client. It holds
// the identity agreement key after unlock and caches derived conversation
// keys for the session; neither is ever persisted by the engine.
type Engine struct {
	mu        sync.Mutex
	agreement Agreement
	logger    *zap.Logger

	unlocked  bool
	identPriv [KeySize]byte
	cache     map[[KeySize]byte][KeySize]byte
}

// NewEngine creates a locked engine. Operations that need the identity key
// fail with ErrEngineLocked until Unlock is called.
func NewEngine(agreement Agreement, logger *zap.Logger) *Engine {
	return &Engine{
		agreement: agreement,
		logger:    logger,
		cache:     make(map[[KeySize]byte][KeySize]byte),
	}
}

// Unlock loads the identity agreement private key, typically straight out
// of the vault at login. Any previously cached conversation keys are
// dropped.
func (e *Engine) Unlock(agreementPriv []byte) error {
	if len(agreementPriv) != KeySize {
		return fmt.Errorf("agreement key length %d: %w", len(agreementPriv), ErrMalformedKeyMaterial)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	copy(e.identPriv[:], agreementPriv)
	e.unlocked = true
	e.cache = make(map[[KeySize]byte][KeySize]byte)
	return nil
}

// Lock wipes the identity key and all cached conversation keys.
func (e *Engine) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identPriv = [KeySize]byte{}
	for k, v := range e.cache {
		zero(v[:])
		delete(e.cache, k)
	}
	e.unlocked = false
}

// ConversationKey returns the symmetric key shared with the holder of
// peerPub, deriving and caching it on first use.
func (e *Engine) ConversationKey(peerPub [KeySize]byte) ([KeySize]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationKeyLocked(peerPub)
}

func (e *Engine) conversationKeyLocked(peerPub [KeySize]byte) ([KeySize]byte, error) {
	if !e.unlocked {
		return [KeySize]byte{}, ErrEngineLocked
	}
	if key, ok := e.cache[peerPub]; ok {
		return key, nil
	}
	key, err := e.agreement.SharedKey(e.identPriv, peerPub)
	if err != nil {
		return [KeySize]byte{}, err
	}
	e.cache[peerPub] = key
	e.logger.Debug("conversation key derived")
	return key, nil
}

// Encrypt seals plaintext for the holder of peerPub with AES-256-GCM under
// the conversation key. A fresh random IV is generated per call; an IV is
// never reused with the same key.
func (e *Engine) Encrypt(plaintext []byte, peerPub [KeySize]byte) (ciphertext, iv []byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.conversationKeyLocked(peerPub)
	if err != nil {
		return nil, nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens a ciphertext from the holder of peerPub. Tag mismatch from
// tampering, a wrong key or corrupted IV yields ErrAuthenticationFailure
// and no partial plaintext.
func (e *Engine) Decrypt(ciphertext, iv []byte, peerPub [KeySize]byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv length %d: %w", len(iv), ErrAuthenticationFailure)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.conversationKeyLocked(peerPub)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// HashIdentifier computes the one-way digest of an identifier sent to the
// server, so the server never sees the raw value.
func HashIdentifier(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func newAEAD(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
