package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/briefdesk/chatsync/internal/protocol"
)

const (
	logDirPerm     = fs.FileMode(0o700)
	logFilePerm    = fs.FileMode(0o600)
	logOpenTimeout = 5 * time.Second
)

var (
	messagesBucket = []byte("messages")
	dedupBucket    = []byte("dedup")
	readPosBucket  = []byte("read_positions")
)

// Log is the server-side append-only message store. Each conversation
// gets its own sub-bucket keyed by big-endian sequence number, so range
// scans come back in sequence order for free. A parallel dedup bucket
// maps idempotency keys to the sequence they were first assigned.
type Log struct {
	db *bolt.DB
}

// OpenLog opens (creating if needed) the message log at path.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	db, err := bolt.Open(path, logFilePerm, &bolt.Options{Timeout: logOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening message log: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, dedupBucket, readPosBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating log buckets: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append stores msg under the next sequence number and returns the
// stored message with Seq assigned. When the message's client key was
// already appended, the original message is returned with dup true and
// nothing is written.
func (l *Log) Append(conversationID string, msg protocol.Message) (protocol.Message, bool, error) {
	var (
		stored protocol.Message
		dup    bool
	)

	err := l.db.Update(func(tx *bolt.Tx) error {
		convBucket, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}

		dedup, err := tx.Bucket(dedupBucket).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}

		if msg.ClientKey != "" {
			if prev := dedup.Get([]byte(msg.ClientKey)); prev != nil {
				raw := convBucket.Get(prev)
				if raw == nil {
					return fmt.Errorf("dedup entry for %s points at missing seq", msg.ClientKey)
				}

				dup = true

				return json.Unmarshal(raw, &stored)
			}
		}

		seq := headSeq(convBucket) + 1
		msg.Seq = seq

		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshalling message: %w", err)
		}

		key := seqKey(seq)
		if err := convBucket.Put(key, raw); err != nil {
			return err
		}

		if msg.ClientKey != "" {
			if err := dedup.Put([]byte(msg.ClientKey), key); err != nil {
				return err
			}
		}

		stored = msg

		return nil
	})
	if err != nil {
		return protocol.Message{}, false, fmt.Errorf("appending to %s: %w", conversationID, err)
	}

	return stored, dup, nil
}

// Range returns up to limit messages with sequence >= fromSeq, in
// sequence order, along with the conversation head at read time.
func (l *Log) Range(conversationID string, fromSeq int64, limit int) ([]protocol.Message, int64, error) {
	var (
		messages []protocol.Message
		head     int64
	)

	err := l.db.View(func(tx *bolt.Tx) error {
		convBucket := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}

		head = headSeq(convBucket)

		c := convBucket.Cursor()

		for k, v := c.Seek(seqKey(fromSeq)); k != nil && len(messages) < limit; k, v = c.Next() {
			var msg protocol.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("decoding message at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}

			messages = append(messages, msg)
		}

		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("ranging %s: %w", conversationID, err)
	}

	return messages, head, nil
}

// Head returns the latest assigned sequence for a conversation, zero
// for a conversation with no messages.
func (l *Log) Head(conversationID string) (int64, error) {
	var head int64

	err := l.db.View(func(tx *bolt.Tx) error {
		convBucket := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if convBucket != nil {
			head = headSeq(convBucket)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading head of %s: %w", conversationID, err)
	}

	return head, nil
}

// SetReadPosition persists the furthest read sequence reported for a
// conversation. Regressions are ignored to keep the position monotonic.
func (l *Log) SetReadPosition(conversationID string, seq int64) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(readPosBucket)

		if prev := bucket.Get([]byte(conversationID)); prev != nil {
			if int64(binary.BigEndian.Uint64(prev)) >= seq {
				return nil
			}
		}

		return bucket.Put([]byte(conversationID), seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("storing read position for %s: %w", conversationID, err)
	}

	return nil
}

// ReadPosition returns the persisted read position, zero when none.
func (l *Log) ReadPosition(conversationID string) (int64, error) {
	var pos int64

	err := l.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(readPosBucket).Get([]byte(conversationID)); raw != nil {
			pos = int64(binary.BigEndian.Uint64(raw))
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading read position for %s: %w", conversationID, err)
	}

	return pos, nil
}

// headSeq returns the highest sequence key in a conversation bucket.
func headSeq(b *bolt.Bucket) int64 {
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0
	}

	return int64(binary.BigEndian.Uint64(k))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))

	return key
}
