// Package protocol defines the wire contract between the chatsync engine
// and the conversation server: the frame envelope, every frame payload,
// and the message model shared by both sides.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ProtocolVersion is sent in the auth frame. The server rejects clients
// speaking a version it does not understand.
const ProtocolVersion = 1

// Frame types, client to server.
const (
	TypeAuth        = "auth"
	TypeResume      = "resume"
	TypeMessageSend = "message.send"
	TypeReadUpdate  = "read.update"
	TypePing        = "ping"
)

// Frame types, server to client.
const (
	TypeAuthOK     = "auth.ok"
	TypeAuthError  = "auth.error"
	TypeResumeOK   = "resume.ok"
	TypeResumeGap  = "resume.gap"
	TypeMessageAck = "message.ack"
	TypeMessageNew = "message.new"
	TypeError      = "error"
	TypePong       = "pong"
)

// ErrMalformedFrame indicates a frame that is structurally invalid:
// not JSON, or missing the type discriminator. Frames with an unknown
// but well-formed type are not malformed; callers log and ignore those.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the envelope for every WebSocket message. Data carries the
// type-specific payload; RequestID correlates a request with its
// eventual terminal frame (used by error frames to target a pending send).
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame of the given type around payload and marshals it.
func Encode(frameType string, payload any) ([]byte, error) {
	return EncodeRequest(frameType, "", payload)
}

// EncodeRequest is Encode with a request id on the envelope, for frames
// that expect a correlated reply.
func EncodeRequest(frameType, requestID string, payload any) ([]byte, error) {
	f := Frame{Type: frameType, RequestID: requestID}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", frameType, err)
		}

		f.Data = data
	}

	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s frame: %w", frameType, err)
	}

	return out, nil
}

// Decode parses raw bytes into a Frame. A frame without a type field is
// malformed; everything else is handed back for the caller to dispatch.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	return f, nil
}

// PeekType returns the type discriminator without decoding the whole
// frame. Used on hot paths to route before committing to a full parse.
func PeekType(data []byte) string {
	return gjson.GetBytes(data, "type").Str
}

// AuthPayload begins the handshake.
type AuthPayload struct {
	ProtocolVersion int    `json:"protocol_version"`
	Token           string `json:"token"`
	ClientInfo      string `json:"client_info,omitempty"`
}

// AuthErrorPayload carries the rejection reason for a failed handshake.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// ResumePayload requests the resumption point for a conversation.
type ResumePayload struct {
	ConversationID string `json:"conversation_id"`
	LastSeq        int64  `json:"last_seq"`
}

// ResumeOKPayload confirms there is no gap; the live stream starts after
// LatestSeq.
type ResumeOKPayload struct {
	LatestSeq int64 `json:"latest_seq"`
}

// ResumeGapPayload reports a discontinuity the client must backfill.
type ResumeGapPayload struct {
	FromSeq   int64 `json:"from_seq"`
	LatestSeq int64 `json:"latest_seq"`
}

// MessageSendPayload is a send attempt, deduplicated server-side by ClientID.
type MessageSendPayload struct {
	ConversationID string          `json:"conversation_id"`
	ClientID       string          `json:"client_id"`
	Content        string          `json:"content"`
	Attachments    []string        `json:"attachments,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// MessageAckPayload confirms a prior send, carrying the server-assigned
// identity for the message.
type MessageAckPayload struct {
	ClientID   string `json:"client_id"`
	MessageID  string `json:"message_id"`
	Seq        int64  `json:"seq"`
	ServerTime int64  `json:"server_ts"`
}

// MessageNewPayload is the live delivery of a confirmed message,
// including messages from other senders.
type MessageNewPayload struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	ClientID       string          `json:"client_id,omitempty"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Seq            int64           `json:"seq"`
	ServerTime     int64           `json:"server_ts"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// ReadUpdatePayload advances the read cursor for a conversation.
type ReadUpdatePayload struct {
	ConversationID string `json:"conversation_id"`
	LastReadSeq    int64  `json:"last_read_seq"`
}

// ErrorPayload is a generic server failure, optionally correlated to a
// pending send via the envelope RequestID.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PingPayload carries a client timestamp for latency measurement.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}
