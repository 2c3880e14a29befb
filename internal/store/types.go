package store

// Message is a persisted message record. Cipher and IV hold the encrypted
// body; plaintext is never written to disk for peer-sent messages.
type Message struct {
	ID            string
	SenderID      string
	ReceiverID    string
	Cipher        []byte
	IV            []byte
	Status        string
	Timestamp     int64
	Attempts      int
	LastAttemptAt int64
	CreatedAt     int64
}

// StatusHistoryEntry is an append-only record of one status transition.
type StatusHistoryEntry struct {
	Seq       int64
	MessageID string
	Status    string
	UpdatedAt int64
}

// KeyRecord is the at-rest representation of a private key. The cipher is
// only decryptable with the credential-derived key; the salt feeds the
// per-record subkey derivation.
type KeyRecord struct {
	Name      string
	Cipher    []byte
	IV        []byte
	Salt      []byte
	UpdatedAt int64
}

// PreKey states. A one-time prekey may be consumed at most once.
const (
	PreKeyUnused   = "unused"
	PreKeyConsumed = "consumed"
)

// PreKey is the pool bookkeeping row for a one-time prekey. The private
// half lives in key_records under "prekey/<id>".
type PreKey struct {
	ID        string
	State     string
	CreatedAt int64
}

// Contact is a cached directory entry for a remote peer.
type Contact struct {
	ContactID string
	Nickname  string
	PublicKey []byte
	AddedAt   int64
}
