// Package vault stores private key material at rest, encrypted under a key
// derived from the user's credentials. Records are keyed by a logical name
// ("identity/agreement", "prekey/<id>", ...) and are only decryptable with
// the correct credential-derived key. The vault is the sole writer of the
// key_records and prekeys tables.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkruglov/phantom/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

const (
	// CredentialKeySize is the size of the credential-derived key.
	CredentialKeySize = 32

	saltSize  = 16
	nonceSize = 12

	// Argon2id tunables for the credential KDF.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrLocked is returned when a record cannot be opened with the given
	// credential key. The caller never sees partial plaintext.
	ErrLocked = errors.New("vault locked: wrong or missing credential key")

	// ErrNotFound is returned when no record exists under the given name.
	ErrNotFound = errors.New("vault record not found")

	// ErrMalformed is returned for records that cannot be parsed. Corruption
	// is reported, never silently defaulted to "no key".
	ErrMalformed = errors.New("malformed vault record")
)

// CredentialKey is a key derived from user credentials. It exists only in
// memory for the lifetime of a session.
type CredentialKey [CredentialKeySize]byte

// Zero wipes the key material.
func (k *CredentialKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// DeriveCredentialKey computes the credential key from username and
// password with Argon2id. Deterministic for fixed inputs and salt.
//
// The salt is random per profile and persisted next to the vault (see
// LoadOrCreateSalt). Earlier builds used an all-zero salt; records written
// by them cannot be opened by this scheme and require re-registration.
func DeriveCredentialKey(username, password string, salt []byte) CredentialKey {
	input := []byte(username + "\x00" + password)
	raw := argon2.IDKey(input, salt, argonTime, argonMemory, argonThreads, CredentialKeySize)
	var key CredentialKey
	copy(key[:], raw)
	zero(raw)
	return key
}

// LoadOrCreateSalt reads the profile's credential-derivation salt, creating
// a fresh random one on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("salt file %s: %w", path, ErrMalformed)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, err
	}
	return salt, nil
}

// Vault encrypts, stores, retrieves and erases private key material.
type Vault struct {
	db     *store.DB
	logger *zap.Logger
}

// New creates a vault over the profile database.
func New(db *store.DB, logger *zap.Logger) *Vault {
	return &Vault{db: db, logger: logger}
}

// Put encrypts plaintext under a subkey of the credential key and stores it
// durably under name. A fresh random IV and per-record salt are generated
// on every call; the record name is bound into the authentication tag.
func (v *Vault) Put(name string, plaintext []byte, key CredentialKey) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return err
	}

	aead, err := recordAEAD(key, salt)
	if err != nil {
		return err
	}
	ct := aead.Seal(nil, iv, plaintext, []byte(name))

	rec := &store.KeyRecord{Name: name, Cipher: ct, IV: iv, Salt: salt}
	if err := v.db.PutKeyRecord(rec); err != nil {
		return fmt.Errorf("persist key record %q: %w", name, err)
	}
	v.logger.Debug("key record stored", zap.String("name", name))
	return nil
}

// Get decrypts the record stored under name. Fails closed: a wrong
// credential key yields ErrLocked with no partial plaintext.
func (v *Vault) Get(name string, key CredentialKey) ([]byte, error) {
	rec, err := v.db.GetKeyRecord(name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(rec.IV) != nonceSize || len(rec.Salt) != saltSize || len(rec.Cipher) == 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrMalformed)
	}

	aead, err := recordAEAD(key, rec.Salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, rec.IV, rec.Cipher, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, ErrLocked)
	}
	return plaintext, nil
}

// DeleteAll erases every stored key record and the prekey pool. Irreversible.
func (v *Vault) DeleteAll() error {
	if err := v.db.DeleteAllKeyRecords(); err != nil {
		return err
	}
	v.logger.Info("vault wiped")
	return nil
}

// AddPreKey registers a one-time prekey id in the pool.
func (v *Vault) AddPreKey(id string) error {
	return v.db.InsertPreKey(id)
}

// ConsumePreKey marks a one-time prekey consumed, enforcing single use.
func (v *Vault) ConsumePreKey(id string) error {
	err := v.db.ConsumePreKey(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("prekey %q: %w", id, ErrNotFound)
	}
	return err
}

// UnusedPreKeys returns the ids of prekeys still available for consumption.
func (v *Vault) UnusedPreKeys() ([]string, error) {
	keys, err := v.db.ListPreKeys(store.PreKeyUnused)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID)
	}
	return ids, nil
}

// recordAEAD builds the per-record AES-256-GCM cipher. The record salt
// feeds an HKDF expansion of the credential key, so two records never share
// an encryption key even under the same credentials.
func recordAEAD(key CredentialKey, salt []byte) (cipher.AEAD, error) {
	subkey := make([]byte, CredentialKeySize)
	r := hkdf.New(sha256.New, key[:], salt, []byte("phantom/vault/record"))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, err
	}
	defer zero(subkey)

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
