package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/briefdesk/chatsync/internal/protocol"
)

const (
	wsReadLimit      = 1024 * 1024
	handshakeTimeout = 8 * time.Second
	outboundBuffer   = 16
)

// wsHandler upgrades sync connections and speaks the conversation
// protocol: auth, resume, then a live frame stream. All writes for one
// connection go through a single writer goroutine fed by the actor
// fanout and the reply queue.
type wsHandler struct {
	hub         *Hub
	logger      *slog.Logger
	metrics     *Metrics
	tokenHashes [][]byte
	sendRate    rate.Limit
	sendBurst   int
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(wsReadLimit)

	defer conn.Close(websocket.StatusInternalError, "session ended") //nolint:errcheck // best-effort close on teardown

	h.metrics.ActiveConnections.Inc()
	defer h.metrics.ActiveConnections.Dec()

	if err := h.serve(r.Context(), conn, conversationID); err != nil {
		h.logger.Debug("sync connection ended",
			"conversation_id", conversationID, "error", err)
	}
}

func (h *wsHandler) serve(ctx context.Context, conn *websocket.Conn, conversationID string) error {
	lastSeq, err := h.handshake(ctx, conn, conversationID)
	if err != nil {
		return err
	}

	a, err := h.hub.Conversation(conversationID)
	if err != nil {
		return err
	}

	sub, head, err := a.Subscribe()
	if err != nil {
		return err
	}
	defer a.Unsubscribe(sub.id)

	if err := h.answerResume(ctx, conn, lastSeq, head); err != nil {
		return err
	}

	outCh := make(chan []byte, outboundBuffer)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.writer(wctx, conn, sub, outCh)

	return h.reader(ctx, conn, a, conversationID, outCh)
}

// handshake validates the auth frame, replies, and reads the resume
// frame. Returns the client's last absorbed sequence.
func (h *wsHandler) handshake(ctx context.Context, conn *websocket.Conn, conversationID string) (int64, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	frame, err := readWSFrame(hctx, conn)
	if err != nil {
		return 0, fmt.Errorf("reading auth frame: %w", err)
	}

	var auth protocol.AuthPayload
	if frame.Type != protocol.TypeAuth || json.Unmarshal(frame.Data, &auth) != nil {
		return 0, h.rejectAuth(hctx, conn, "expected a valid auth frame")
	}

	if auth.ProtocolVersion != protocol.ProtocolVersion {
		return 0, h.rejectAuth(hctx, conn,
			fmt.Sprintf("unsupported protocol version %d", auth.ProtocolVersion))
	}

	if !h.tokenValid(auth.Token) {
		return 0, h.rejectAuth(hctx, conn, "invalid token")
	}

	if err := writeFrame(hctx, conn, protocol.TypeAuthOK, nil); err != nil {
		return 0, err
	}

	frame, err = readWSFrame(hctx, conn)
	if err != nil {
		return 0, fmt.Errorf("reading resume frame: %w", err)
	}

	var resume protocol.ResumePayload
	if frame.Type != protocol.TypeResume || json.Unmarshal(frame.Data, &resume) != nil {
		return 0, errors.New("expected a valid resume frame")
	}

	if resume.ConversationID != conversationID {
		return 0, fmt.Errorf("resume for %s on connection to %s",
			resume.ConversationID, conversationID)
	}

	return resume.LastSeq, nil
}

func (h *wsHandler) rejectAuth(ctx context.Context, conn *websocket.Conn, reason string) error {
	h.metrics.AuthFailures.Inc()

	_ = writeFrame(ctx, conn, protocol.TypeAuthError, protocol.AuthErrorPayload{Message: reason})
	_ = conn.Close(websocket.StatusPolicyViolation, "auth failed")

	return fmt.Errorf("handshake rejected: %s", reason)
}

func (h *wsHandler) tokenValid(token string) bool {
	return tokenMatchesAny(token, h.tokenHashes)
}

func tokenMatchesAny(token string, hashes [][]byte) bool {
	for _, hash := range hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			return true
		}
	}

	return false
}

func (h *wsHandler) answerResume(ctx context.Context, conn *websocket.Conn, lastSeq, head int64) error {
	if lastSeq < head {
		return writeFrame(ctx, conn, protocol.TypeResumeGap, protocol.ResumeGapPayload{
			FromSeq:   lastSeq + 1,
			LatestSeq: head,
		})
	}

	return writeFrame(ctx, conn, protocol.TypeResumeOK, protocol.ResumeOKPayload{LatestSeq: head})
}

// writer is the only goroutine writing after the handshake. It merges
// actor fanout with protocol replies; on any failure it closes the
// connection, which unblocks the reader.
func (h *wsHandler) writer(ctx context.Context, conn *websocket.Conn, sub *subscriber, outCh <-chan []byte) {
	for {
		var (
			frame []byte
			ok    bool
		)

		select {
		case frame, ok = <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
		case frame = <-outCh:
		case <-ctx.Done():
			return
		}

		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

// reader consumes client frames until the connection drops. Malformed
// and unknown frames are dropped, not fatal.
func (h *wsHandler) reader(ctx context.Context, conn *websocket.Conn, a *actor, conversationID string, outCh chan<- []byte) error {
	limiter := rate.NewLimiter(h.sendRate, h.sendBurst)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			h.metrics.FramesDropped.Inc()
			h.logger.Warn("dropping malformed frame",
				"conversation_id", conversationID, "error", err)

			continue
		}

		switch frame.Type {
		case protocol.TypeMessageSend:
			if err := h.handleSend(ctx, frame, a, conversationID, limiter, outCh); err != nil {
				return err
			}

		case protocol.TypeReadUpdate:
			var payload protocol.ReadUpdatePayload
			if json.Unmarshal(frame.Data, &payload) != nil {
				h.metrics.FramesDropped.Inc()
				continue
			}

			if err := a.ReadUpdate(payload.LastReadSeq); err != nil {
				h.logger.Warn("failed to store read position",
					"conversation_id", conversationID, "error", err)
			}

		case protocol.TypePing:
			var echo any
			if len(frame.Data) > 0 {
				echo = json.RawMessage(frame.Data)
			}

			pong, err := protocol.Encode(protocol.TypePong, echo)
			if err != nil {
				continue
			}

			h.enqueue(ctx, outCh, pong)

		default:
			h.metrics.FramesDropped.Inc()
			h.logger.Debug("ignoring frame",
				"conversation_id", conversationID, "type", frame.Type)
		}
	}
}

func (h *wsHandler) handleSend(ctx context.Context, frame protocol.Frame, a *actor, conversationID string, limiter *rate.Limiter, outCh chan<- []byte) error {
	var payload protocol.MessageSendPayload
	if json.Unmarshal(frame.Data, &payload) != nil || payload.ClientID == "" {
		h.metrics.FramesDropped.Inc()
		return nil
	}

	if payload.ConversationID != conversationID {
		return h.replyError(ctx, outCh, frame.RequestID, "send targets a different conversation")
	}

	if !limiter.Allow() {
		h.metrics.SendsRateLimited.Inc()
		return h.replyError(ctx, outCh, frame.RequestID, "rate limit exceeded")
	}

	msg, _, err := a.Append(payload, protocol.RoleUser)
	if err != nil {
		h.logger.Error("append failed",
			"conversation_id", conversationID, "error", err)

		return h.replyError(ctx, outCh, frame.RequestID, "message could not be stored")
	}

	ack, err := protocol.Encode(protocol.TypeMessageAck, protocol.MessageAckPayload{
		ClientID:   payload.ClientID,
		MessageID:  msg.ID,
		Seq:        msg.Seq,
		ServerTime: msg.ServerTime,
	})
	if err != nil {
		return err
	}

	h.enqueue(ctx, outCh, ack)

	return nil
}

func (h *wsHandler) replyError(ctx context.Context, outCh chan<- []byte, requestID, message string) error {
	reply, err := protocol.EncodeRequest(protocol.TypeError, requestID,
		protocol.ErrorPayload{Message: message})
	if err != nil {
		return err
	}

	h.enqueue(ctx, outCh, reply)

	return nil
}

func (h *wsHandler) enqueue(ctx context.Context, outCh chan<- []byte, frame []byte) {
	select {
	case outCh <- frame:
	case <-ctx.Done():
	}
}

func readWSFrame(ctx context.Context, conn *websocket.Conn) (protocol.Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}

	return protocol.Decode(data)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frameType string, payload any) error {
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, frame)
}
