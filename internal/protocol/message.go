package protocol

import "encoding/json"

// Author roles for a conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry in a conversation log. The same struct serves
// confirmed messages (server-assigned ID and Seq) and optimistic
// placeholders (Seq zero, LocalID set, LocalTime populated). A confirmed
// message is immutable once created; only its local presentation changes
// when it supersedes a placeholder.
type Message struct {
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Attachments    []string        `json:"attachments,omitempty"`

	// ClientKey is the idempotency key the sender attached. The server
	// uses it to deduplicate retried sends; the engine uses it to match
	// an incoming confirmed message to its optimistic placeholder.
	ClientKey string `json:"client_key,omitempty"`

	// Seq is the server-assigned, monotonically increasing sequence
	// number within the conversation. Zero means unconfirmed.
	Seq int64 `json:"seq"`

	// ServerTime is the server timestamp in Unix milliseconds, set once
	// the message is confirmed.
	ServerTime int64 `json:"server_ts,omitempty"`

	// LocalID and LocalTime exist only on optimistic placeholders.
	LocalID   string `json:"-"`
	LocalTime int64  `json:"-"`

	// LocalMetadata holds presentation data attached client-side (file
	// previews, draft state) that the server never echoes. Preserved when
	// a confirmed message replaces its placeholder.
	LocalMetadata map[string]string `json:"-"`
}

// Confirmed reports whether the message has a server-assigned sequence.
func (m *Message) Confirmed() bool {
	return m.Seq > 0
}

// EffectiveTime is the timestamp the log is ordered by: server time for
// confirmed messages, local time for optimistic placeholders.
func (m *Message) EffectiveTime() int64 {
	if m.Confirmed() {
		return m.ServerTime
	}

	return m.LocalTime
}

// BackfillPage is the response envelope for the paginated backfill
// endpoint. NextFromSeq is nil when the requested range is exhausted.
type BackfillPage struct {
	Messages    []Message `json:"messages"`
	LatestSeq   int64     `json:"latest_seq"`
	NextFromSeq *int64    `json:"next_from_seq"`
}
