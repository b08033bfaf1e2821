package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/internal/security"
	"github.com/hivecore/hive/pkg/models"
)

// WritePermission is the capability a context must hold to write state.
const WritePermission = "state.write"

// Change is one state-change event delivered to watchers.
type Change struct {
	Seq       int64     `json:"seq"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Get returns the value for key. The boolean reports presence; an absent
// key is not an error.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.conn.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// List returns all keys with the given prefix and their values, in key
// order. An empty prefix lists everything.
func (s *Store) List(prefix string) (map[string][]byte, error) {
	rows, err := s.conn.Query("SELECT key, value FROM kv WHERE key LIKE ? ORDER BY key", prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Set writes key after a capability check against sc. Readers observe
// the write through Get and through the change feed; there is no local
// cache that can diverge.
func (s *Store) Set(key string, value []byte, sc models.SecurityContext) error {
	if key == "" {
		return fault.Validation("key", "must not be empty")
	}

	s.mu.RLock()
	verifier := s.verifier
	s.mu.RUnlock()
	if verifier == nil {
		return fault.Security("state store has no write authorizer", nil)
	}
	ok, err := verifier.Verify(security.Operation{
		Type:        "state_write",
		Resource:    key,
		Permissions: []string{WritePermission},
	}, sc)
	if err != nil {
		return fmt.Errorf("authorize write to %q: %w", key, err)
	}
	if !ok {
		return fault.Security(fmt.Sprintf("write to %q refused", key), fault.ErrPermissionDenied)
	}

	now := time.Now().UTC()
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value, now,
	); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO kv_changes (key, value, ts) VALUES (?, ?, ?)",
		key, value, now,
	); err != nil {
		return fmt.Errorf("record change for %q: %w", key, err)
	}
	return tx.Commit()
}

// Watch streams changes committed after the call, in commit order, until
// ctx is cancelled. The stream is lazy and unbounded.
func (s *Store) Watch(ctx context.Context) (<-chan Change, error) {
	var last int64
	err := s.conn.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM kv_changes").Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("read change cursor: %w", err)
	}
	return s.WatchFrom(ctx, last), nil
}

// WatchFrom streams changes with seq greater than after. Restartable:
// a consumer that remembers its last seq can resume without loss.
func (s *Store) WatchFrom(ctx context.Context, after int64) <-chan Change {
	out := make(chan Change)

	s.mu.RLock()
	poll := s.poll
	s.mu.RUnlock()

	go func() {
		defer close(out)
		last := after
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			rows, err := s.conn.Query(
				"SELECT seq, key, value, ts FROM kv_changes WHERE seq > ? ORDER BY seq", last)
			if err != nil {
				continue
			}
			var batch []Change
			for rows.Next() {
				var c Change
				if err := rows.Scan(&c.Seq, &c.Key, &c.Value, &c.Timestamp); err == nil {
					batch = append(batch, c)
				}
			}
			rows.Close()

			for _, c := range batch {
				select {
				case <-ctx.Done():
					return
				case out <- c:
					last = c.Seq
				}
			}
		}
	}()
	return out
}
