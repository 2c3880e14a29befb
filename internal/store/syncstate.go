package store

import (
	"database/sql"
	"errors"
	"time"
)

// SetCheckpoint stores a transport resume checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// DeleteCheckpoints removes every resume checkpoint. A wiped profile must
// replay the relay backlog from the beginning on its next registration.
func (db *DB) DeleteCheckpoints() error {
	_, err := db.Exec(`DELETE FROM sync_state`)
	return err
}

// Checkpoint retrieves a transport resume checkpoint value. A missing key
// returns an empty string.
func (db *DB) Checkpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
