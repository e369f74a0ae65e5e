package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briefdesk/chatsync/internal/protocol"
)

// Reconciler owns the in-memory conversation log and merges every input
// stream into it: live deliveries, backfill pages, send acknowledgments,
// and optimistic placeholders. Absorption is idempotent, so the same
// confirmed message arriving over multiple paths lands exactly once.
//
// Ordering is by (effective time, seq): confirmed messages sort by
// server timestamp with seq as the tiebreaker, placeholders by the local
// time they were created.
type Reconciler struct {
	mu             sync.Mutex
	conversationID string
	cursor         *Cursor
	logger         *slog.Logger

	entries []protocol.Message

	// seen holds ids of confirmed messages already in the log.
	seen map[string]struct{}

	// optimistic maps idempotency key to the local id of its placeholder.
	// Entries leave the map when the placeholder is confirmed or removed.
	optimistic map[string]string
}

func newReconciler(conversationID string, cursor *Cursor, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		conversationID: conversationID,
		cursor:         cursor,
		logger:         logger,
		seen:           make(map[string]struct{}),
		optimistic:     make(map[string]string),
	}
}

// Absorb merges a batch of confirmed messages into the log. Messages
// already present are dropped; a message matching an outstanding
// placeholder replaces it in place, inheriting its local presentation
// state. Returns true when the batch advanced the seen cursor.
func (r *Reconciler) Absorb(batch []protocol.Message) bool {
	r.mu.Lock()

	changed := false
	advanced := false

	for _, msg := range batch {
		if !msg.Confirmed() || msg.ID == "" {
			r.logger.Warn("dropping unconfirmed message from absorb batch",
				"seq", msg.Seq, "id", msg.ID)

			continue
		}

		if _, dup := r.seen[msg.ID]; dup {
			continue
		}

		if localID, ours := r.optimistic[msg.ClientKey]; ours && msg.ClientKey != "" {
			r.promoteLocked(localID, msg)
			delete(r.optimistic, msg.ClientKey)
		} else {
			r.entries = append(r.entries, msg)
		}

		r.seen[msg.ID] = struct{}{}
		changed = true

		if r.cursor.AdvanceSeen(msg.Seq) {
			advanced = true
		}
	}

	if changed {
		r.sortLocked()
	}

	r.mu.Unlock()

	return advanced
}

// AddOptimistic appends a placeholder for a message the user just sent.
// The placeholder renders immediately and is replaced when the server
// confirms the send.
func (r *Reconciler) AddOptimistic(content string, attachments []string, key string) protocol.Message {
	msg := protocol.Message{
		ConversationID: r.conversationID,
		Role:           protocol.RoleUser,
		Content:        content,
		Attachments:    attachments,
		ClientKey:      key,
		LocalID:        uuid.NewString(),
		LocalTime:      time.Now().UnixMilli(),
	}

	r.mu.Lock()
	r.entries = append(r.entries, msg)
	r.optimistic[key] = msg.LocalID
	r.sortLocked()
	r.mu.Unlock()

	return msg
}

// RemoveOptimistic drops the placeholder for key, if one is still
// outstanding. Used when a send fails or times out.
func (r *Reconciler) RemoveOptimistic(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	localID, ok := r.optimistic[key]
	if !ok {
		return false
	}

	delete(r.optimistic, key)

	for i := range r.entries {
		if r.entries[i].LocalID == localID && !r.entries[i].Confirmed() {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}

	return true
}

// ConfirmSend applies a message.ack to the placeholder registered under
// the ack's client id: the entry adopts the server-assigned identity,
// timestamp, and position. When the confirmed message already arrived
// via the live stream, the existing entry is returned unchanged.
func (r *Reconciler) ConfirmSend(ack protocol.MessageAckPayload) (protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[ack.MessageID]; dup {
		for i := range r.entries {
			if r.entries[i].ID == ack.MessageID {
				return r.entries[i], true
			}
		}

		return protocol.Message{}, false
	}

	localID, ok := r.optimistic[ack.ClientID]
	if !ok {
		return protocol.Message{}, false
	}

	delete(r.optimistic, ack.ClientID)

	for i := range r.entries {
		if r.entries[i].LocalID != localID {
			continue
		}

		r.entries[i].ID = ack.MessageID
		r.entries[i].Seq = ack.Seq
		r.entries[i].ServerTime = ack.ServerTime
		r.seen[ack.MessageID] = struct{}{}
		r.cursor.AdvanceSeen(ack.Seq)
		r.sortLocked()

		return r.entries[i], true
	}

	return protocol.Message{}, false
}

// Snapshot returns a copy of the ordered log.
func (r *Reconciler) Snapshot() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.Message, len(r.entries))
	copy(out, r.entries)

	return out
}

// Len returns the number of entries, placeholders included.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// PendingPlaceholders returns how many optimistic entries await
// confirmation.
func (r *Reconciler) PendingPlaceholders() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.optimistic)
}

// promoteLocked replaces the placeholder identified by localID with the
// confirmed message, keeping local presentation state. Falls back to a
// plain append when the placeholder is gone.
func (r *Reconciler) promoteLocked(localID string, msg protocol.Message) {
	for i := range r.entries {
		if r.entries[i].LocalID != localID {
			continue
		}

		msg.LocalID = r.entries[i].LocalID
		msg.LocalMetadata = r.entries[i].LocalMetadata
		r.entries[i] = msg

		return
	}

	r.entries = append(r.entries, msg)
}

func (r *Reconciler) sortLocked() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		ti, tj := r.entries[i].EffectiveTime(), r.entries[j].EffectiveTime()
		if ti != tj {
			return ti < tj
		}

		return r.entries[i].Seq < r.entries[j].Seq
	})
}
