package kvstore

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Direction controls the sort order of a prefix scan.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// Entry is a single key/value pair returned by a scan.
type Entry struct {
	Key   string
	Value []byte
}

// Get returns the value stored at key, or found=false if absent.
func (s *Store) Get(key string) (value []byte, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v []byte
	err = s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return v, true, nil
}

// PutIfAbsent inserts value at key, failing with ErrKeyAlreadyExists if a
// value is already present.
func (s *Store) PutIfAbsent(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO kv (key, value) SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM kv WHERE key = ?)`,
		key, value, key)
	if err != nil {
		return fmt.Errorf("kvstore: put_if_absent %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kvstore: put_if_absent %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrKeyAlreadyExists, key)
	}
	return nil
}

// Update unconditionally upserts value at key.
func (s *Store) Update(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(s.db, key, value)
}

func (s *Store) update(exec execer, key string, value []byte) error {
	_, err := exec.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: update %q: %w", key, err)
	}
	return nil
}

// Delete removes key, returning its prior value if present.
func (s *Store) Delete(key string) (value []byte, existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	defer tx.Rollback()

	value, existed, err = s.delete(tx, key)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return value, existed, nil
}

func (s *Store) delete(exec queryExecer, key string) (value []byte, existed bool, err error) {
	err = exec.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	if _, err := exec.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return nil, false, fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return value, true, nil
}

// CompareAndSwap atomically replaces the value at key with newValue, but
// only if the currently stored value equals expectedOld (nil meaning
// "absent" on both sides). newValue == nil deletes the key.
func (s *Store) CompareAndSwap(key string, expectedOld, newValue []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kvstore: cas %q: %w", key, err)
	}
	defer tx.Rollback()

	if err := s.cas(tx, key, expectedOld, newValue); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: cas %q: %w", key, err)
	}
	return nil
}

func (s *Store) cas(exec queryExecer, key string, expectedOld, newValue []byte) error {
	var current []byte
	err := exec.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedOld != nil {
			return fmt.Errorf("%w: key %s absent, expected non-nil", ErrCasMismatch, key)
		}
	case err != nil:
		return fmt.Errorf("kvstore: cas %q: %w", key, err)
	default:
		if expectedOld == nil || !bytes.Equal(current, expectedOld) {
			return fmt.Errorf("%w: key %s", ErrCasMismatch, key)
		}
	}

	if newValue == nil {
		if _, err := exec.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("kvstore: cas %q: %w", key, err)
		}
		return nil
	}
	return s.update(exec, key, newValue)
}

// Query scans all keys sharing prefix, returning up to limit entries (every
// matching entry when limit is 0 or less) in the
// requested direction plus a continuation cursor (the key to pass as
// startAfter on the next call), or "" if the scan is exhausted. prefix must
// be non-empty.
func (s *Store) Query(prefix string, direction Direction, limit int, startAfter string) ([]Entry, string, error) {
	if prefix == "" {
		return nil, "", ErrEmptyPrefix
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	upper, hasUpper := prefixUpperBound(prefix)

	var order string
	var cmp string
	boundKey := prefix
	if startAfter != "" {
		boundKey = startAfter
	}
	if direction == Forward {
		order = "ASC"
		if startAfter != "" {
			cmp = "key > ?"
		} else {
			cmp = "key >= ?"
		}
	} else {
		order = "DESC"
		if startAfter != "" {
			cmp = "key < ?"
		} else if hasUpper {
			cmp = "key < ?"
			boundKey = upper
		} else {
			cmp = "key >= ?"
			boundKey = prefix
		}
	}

	var rows *sql.Rows
	var err error
	fetchLimit := limit + 1
	if limit <= 0 {
		fetchLimit = -1 // SQLite treats a negative LIMIT as no limit
	}

	switch {
	case direction == Forward && hasUpper:
		q := fmt.Sprintf(`SELECT key, value FROM kv WHERE %s AND key < ? ORDER BY key %s LIMIT ?`, cmp, order)
		rows, err = s.db.Query(q, boundKey, upper, fetchLimit)
	case direction == Forward && !hasUpper:
		q := fmt.Sprintf(`SELECT key, value FROM kv WHERE %s AND key LIKE ? ESCAPE '\' ORDER BY key %s LIMIT ?`, cmp, order)
		rows, err = s.db.Query(q, boundKey, likePattern(prefix), fetchLimit)
	default:
		q := fmt.Sprintf(`SELECT key, value FROM kv WHERE key >= ? AND %s ORDER BY key %s LIMIT ?`, cmp, order)
		rows, err = s.db.Query(q, prefix, boundKey, fetchLimit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("kvstore: query prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, "", fmt.Errorf("kvstore: query prefix %q: %w", prefix, err)
		}
		if !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("kvstore: query prefix %q: %w", prefix, err)
	}

	var cursor string
	if limit > 0 && len(entries) > limit {
		cursor = entries[limit].Key
		entries = entries[:limit]
	}
	return entries, cursor, nil
}

// ListKeys returns every key sharing prefix, or every key in the store if
// prefix is nil.
func (s *Store) ListKeys(prefix *string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if prefix == nil {
		rows, err = s.db.Query(`SELECT key FROM kv ORDER BY key ASC`)
	} else {
		if *prefix == "" {
			return nil, ErrEmptyPrefix
		}
		rows, err = s.db.Query(`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key ASC`, likePattern(*prefix))
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: list_keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kvstore: list_keys: %w", err)
		}
		if prefix == nil || strings.HasPrefix(k, *prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

// prefixUpperBound returns the smallest key that sorts strictly after every
// key sharing prefix, by incrementing the last non-0xFF byte and dropping
// everything after it. The second return is false when prefix is all 0xFF
// bytes (no finite upper bound exists; callers fall back to a LIKE scan).
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

func likePattern(prefix string) string {
	escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(prefix)
	return escaped + "%"
}

// execer and queryExecer are the subsets of *sql.DB/*sql.Tx this package
// needs, letting CAS/update/delete run either standalone or inside a batch.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryExecer interface {
	execer
	QueryRow(query string, args ...any) *sql.Row
}
