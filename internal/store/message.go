package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertMessage inserts a message and its initial status history entry in
// one transaction. A message id that already exists is left untouched and
// reported as inserted=false, making redelivery of the same id a no-op.
func (db *DB) InsertMessage(m *Message) (inserted bool, err error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO messages (id, sender_id, receiver_id, cipher, iv, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.ReceiverID, m.Cipher, m.IV, m.Status, m.Timestamp, now)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO status_history (message_id, status, updated_at)
		VALUES (?, ?, ?)`,
		m.ID, m.Status, now); err != nil {
		return false, fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, sender_id, receiver_id, cipher, iv, status, timestamp, attempts, last_attempt_at, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Cipher, &m.IV, &m.Status, &m.Timestamp, &m.Attempts, &m.LastAttemptAt, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageStatus applies a status transition atomically. The reduce
// function receives the current stored status and returns the next status
// and whether the transition should be applied. When applied, the message
// row and the history append happen in the same transaction.
func (db *DB) UpdateMessageStatus(id string, reduce func(current string) (string, bool)) (changed bool, prev string, err error) {
	tx, err := db.Begin()
	if err != nil {
		return false, "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, "", err
	}

	next, ok := reduce(prev)
	if !ok {
		return false, prev, nil
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id = ?`, next, id); err != nil {
		return false, prev, fmt.Errorf("update status: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO status_history (message_id, status, updated_at)
		VALUES (?, ?, ?)`, id, next, now); err != nil {
		return false, prev, fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, prev, fmt.Errorf("commit: %w", err)
	}
	return true, prev, nil
}

// Conversation returns every message exchanged between two identifiers,
// ordered by timestamp then insertion order.
func (db *DB) Conversation(selfID, peerID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, sender_id, receiver_id, cipher, iv, status, timestamp, attempts, last_attempt_at, created_at
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp ASC, created_at ASC`,
		selfID, peerID, peerID, selfID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Cipher, &m.IV, &m.Status, &m.Timestamp, &m.Attempts, &m.LastAttemptAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// PendingMessages returns pending messages whose last send attempt is older
// than the given cutoff, oldest first.
func (db *DB) PendingMessages(attemptedBefore int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, sender_id, receiver_id, cipher, iv, status, timestamp, attempts, last_attempt_at, created_at
		FROM messages
		WHERE status = 'pending' AND last_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`, attemptedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Cipher, &m.IV, &m.Status, &m.Timestamp, &m.Attempts, &m.LastAttemptAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecordSendAttempt bumps the attempt counter for a pending message.
func (db *DB) RecordSendAttempt(id string, at int64) error {
	_, err := db.Exec(`
		UPDATE messages SET attempts = attempts + 1, last_attempt_at = ?
		WHERE id = ?`, at, id)
	return err
}

// DeleteConversation removes every message exchanged between two
// identifiers together with their status history, in one transaction.
// Messages of other conversations are untouched.
func (db *DB) DeleteConversation(selfID, peerID string) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		DELETE FROM status_history WHERE message_id IN (
			SELECT id FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		)`, selfID, peerID, peerID, selfID); err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}

	res, err := tx.Exec(`
		DELETE FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		selfID, peerID, peerID, selfID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// DeleteAllMessages erases every message, its status history and the
// contact cache, in one transaction. Account wipe only.
func (db *DB) DeleteAllMessages() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM status_history`,
		`DELETE FROM messages`,
		`DELETE FROM contacts`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("wipe: %w", err)
		}
	}
	return tx.Commit()
}

// StatusHistory returns the append-only status history for a message in
// insertion order.
func (db *DB) StatusHistory(messageID string) ([]StatusHistoryEntry, error) {
	rows, err := db.Query(`
		SELECT seq, message_id, status, updated_at
		FROM status_history WHERE message_id = ? ORDER BY seq ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		if err := rows.Scan(&e.Seq, &e.MessageID, &e.Status, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
