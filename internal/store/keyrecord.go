package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Key record access is reserved for the vault; no other component writes
// this table.

// PutKeyRecord stores or replaces an encrypted key record.
func (db *DB) PutKeyRecord(r *KeyRecord) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO key_records (name, cipher, iv, salt, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			cipher = excluded.cipher,
			iv = excluded.iv,
			salt = excluded.salt,
			updated_at = excluded.updated_at`,
		r.Name, r.Cipher, r.IV, r.Salt, now)
	return err
}

// GetKeyRecord returns the encrypted record stored under name.
func (db *DB) GetKeyRecord(name string) (*KeyRecord, error) {
	var r KeyRecord
	err := db.QueryRow(`
		SELECT name, cipher, iv, salt, updated_at
		FROM key_records WHERE name = ?`, name).
		Scan(&r.Name, &r.Cipher, &r.IV, &r.Salt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key record %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteAllKeyRecords erases every key record and the prekey pool in one
// transaction. Used on logout and account wipe; there is no partial erasure.
func (db *DB) DeleteAllKeyRecords() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM key_records`); err != nil {
		return fmt.Errorf("delete key records: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM prekeys`); err != nil {
		return fmt.Errorf("delete prekeys: %w", err)
	}
	return tx.Commit()
}
