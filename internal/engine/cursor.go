package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/briefdesk/chatsync/internal/state"
)

// Cursor tracks the per-conversation sequence positions: the highest
// sequence absorbed into the local log (lastSeen) and the highest
// sequence published as read (lastRead). Both only move forward.
//
// Persistence is optional. With a backing store the cursor survives
// process restarts and the next session resumes instead of refetching
// the whole conversation.
type Cursor struct {
	mu             sync.Mutex
	conversationID string
	store          *state.Store
	logger         *slog.Logger

	lastSeen int64
	lastRead int64
	dirty    bool
}

// newCursor loads the persisted position for the conversation, if a
// store is configured, and returns a ready cursor.
func newCursor(conversationID string, store *state.Store, logger *slog.Logger) (*Cursor, error) {
	c := &Cursor{
		conversationID: conversationID,
		store:          store,
		logger:         logger,
	}

	if store != nil {
		persisted, err := store.Cursor(conversationID)
		if err != nil {
			return nil, fmt.Errorf("loading cursor: %w", err)
		}

		c.lastSeen = persisted.LastSeenSeq
		c.lastRead = persisted.LastReadSeq
	}

	return c, nil
}

// LastSeen returns the highest sequence number absorbed so far.
func (c *Cursor) LastSeen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastSeen
}

// LastRead returns the highest sequence number published as read.
func (c *Cursor) LastRead() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastRead
}

// AdvanceSeen raises lastSeen to seq. Lower or equal values are ignored,
// which keeps the cursor monotonic when frames arrive out of order.
func (c *Cursor) AdvanceSeen(seq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq <= c.lastSeen {
		return false
	}

	c.lastSeen = seq
	c.dirty = true

	return true
}

// AdvanceRead raises lastRead to seq. The read position can never pass
// lastSeen and never moves backwards.
func (c *Cursor) AdvanceRead(seq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq <= c.lastRead || seq > c.lastSeen {
		return false
	}

	c.lastRead = seq
	c.dirty = true

	return true
}

// PersistIfDirty writes the cursor to the store when it has changed
// since the last persist. A nil store makes this a no-op.
func (c *Cursor) PersistIfDirty() {
	c.mu.Lock()

	if c.store == nil || !c.dirty {
		c.mu.Unlock()
		return
	}

	snapshot := state.Cursor{
		LastSeenSeq: c.lastSeen,
		LastReadSeq: c.lastRead,
	}
	c.dirty = false
	c.mu.Unlock()

	if err := c.store.SetCursor(c.conversationID, snapshot); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()

		if c.logger != nil {
			c.logger.Warn("failed to persist cursor", "error", err)
		}
	}
}
