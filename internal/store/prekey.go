package store

import (
	"fmt"
	"time"
)

// InsertPreKey registers a one-time prekey in the pool as unused.
func (db *DB) InsertPreKey(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO prekeys (id, state, created_at) VALUES (?, 'unused', ?)`,
		id, now)
	return err
}

// ConsumePreKey flips a prekey from unused to consumed. The update is a
// compare-and-swap on the state column, so exactly one consumer wins;
// later calls get ErrPreKeyConsumed, a missing id gets ErrNotFound.
func (db *DB) ConsumePreKey(id string) error {
	res, err := db.Exec(`
		UPDATE prekeys SET state = 'consumed' WHERE id = ? AND state = 'unused'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var state string
	row := db.QueryRow(`SELECT state FROM prekeys WHERE id = ?`, id)
	if err := row.Scan(&state); err != nil {
		return fmt.Errorf("prekey %q: %w", id, ErrNotFound)
	}
	return fmt.Errorf("prekey %q: %w", id, ErrPreKeyConsumed)
}

// ListPreKeys returns the prekey pool, optionally filtered by state
// ("" returns everything).
func (db *DB) ListPreKeys(state string) ([]PreKey, error) {
	query := `SELECT id, state, created_at FROM prekeys ORDER BY created_at ASC`
	args := []any{}
	if state != "" {
		query = `SELECT id, state, created_at FROM prekeys WHERE state = ? ORDER BY created_at ASC`
		args = append(args, state)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []PreKey
	for rows.Next() {
		var k PreKey
		if err := rows.Scan(&k.ID, &k.State, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
