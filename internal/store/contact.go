package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertContact inserts or refreshes a cached directory entry.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (contact_id, nickname, public_key, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			nickname = excluded.nickname,
			public_key = excluded.public_key`,
		c.ContactID, c.Nickname, c.PublicKey, now)
	return err
}

// GetContact returns the cached contact for an identifier.
func (db *DB) GetContact(contactID string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`
		SELECT contact_id, nickname, public_key, added_at
		FROM contacts WHERE contact_id = ?`, contactID).
		Scan(&c.ContactID, &c.Nickname, &c.PublicKey, &c.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %q: %w", contactID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns all cached contacts ordered by nickname.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`
		SELECT contact_id, nickname, public_key, added_at
		FROM contacts ORDER BY nickname ASC, contact_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ContactID, &c.Nickname, &c.PublicKey, &c.AddedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// DeleteContact removes a cached contact.
func (db *DB) DeleteContact(contactID string) error {
	_, err := db.Exec(`DELETE FROM contacts WHERE contact_id = ?`, contactID)
	return err
}
