// Package state persists the client-side sync position for each
// conversation, so a restarted process resumes from where it left off
// instead of replaying the whole log.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var cursorsBucket = []byte("cursors")

// Cursor is the persisted sync position for one conversation.
type Cursor struct {
	LastSeenSeq int64 `json:"last_seen_seq"`
	LastReadSeq int64 `json:"last_read_seq"`
}

// Store wraps a bbolt database holding per-conversation cursors.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the cursor database at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cursors bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cursor returns the persisted cursor for a conversation. A conversation
// never seen before yields the zero cursor, not an error.
func (s *Store) Cursor(conversationID string) (Cursor, error) {
	var c Cursor

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(cursorsBucket).Get([]byte(conversationID))
		if raw == nil {
			return nil
		}

		return json.Unmarshal(raw, &c)
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("loading cursor for %s: %w", conversationID, err)
	}

	return c, nil
}

// SetCursor persists the cursor for a conversation.
func (s *Store) SetCursor(conversationID string, c Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling cursor: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Put([]byte(conversationID), raw)
	})
	if err != nil {
		return fmt.Errorf("storing cursor for %s: %w", conversationID, err)
	}

	return nil
}

// DeleteCursor removes the persisted cursor for a conversation.
func (s *Store) DeleteCursor(conversationID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Delete([]byte(conversationID))
	})
	if err != nil {
		return fmt.Errorf("deleting cursor for %s: %w", conversationID, err)
	}

	return nil
}
