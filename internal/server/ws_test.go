package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefdesk/chatsync/internal/protocol"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, srv *httptest.Server, conversationID string) *wsClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/api/conversations/" + conversationID + "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })

	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frameType, requestID string, payload any) {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame, err := protocol.EncodeRequest(frameType, requestID, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, frame))
}

func (c *wsClient) recv() protocol.Frame {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)

	frame, err := protocol.Decode(data)
	require.NoError(c.t, err)

	return frame
}

// recvNone asserts nothing arrives within the window.
func (c *wsClient) recvNone(window time.Duration) {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	_, data, err := c.conn.Read(ctx)
	if err == nil {
		frame, _ := protocol.Decode(data)
		c.t.Fatalf("unexpected %s frame received", frame.Type)
	}
}

func (c *wsClient) handshake(token string, lastSeq int64) protocol.Frame {
	c.t.Helper()

	c.send(protocol.TypeAuth, "", protocol.AuthPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		Token:           token,
	})

	reply := c.recv()
	if reply.Type != protocol.TypeAuthOK {
		return reply
	}

	c.send(protocol.TypeResume, "", protocol.ResumePayload{
		ConversationID: "conv-1",
		LastSeq:        lastSeq,
	})

	return c.recv()
}

func decodeAs[T any](t *testing.T, frame protocol.Frame) T {
	t.Helper()

	var payload T
	require.NoError(t, json.Unmarshal(frame.Data, &payload))

	return payload
}

func TestWSRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)

	c := dialWS(t, srv, "conv-1")
	reply := c.handshake("wrong-token", 0)

	require.Equal(t, protocol.TypeAuthError, reply.Type)
	payload := decodeAs[protocol.AuthErrorPayload](t, reply)
	assert.Contains(t, payload.Message, "invalid token")
}

func TestWSRejectsUnsupportedProtocolVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	c := dialWS(t, srv, "conv-1")
	c.send(protocol.TypeAuth, "", protocol.AuthPayload{
		ProtocolVersion: 99,
		Token:           testToken,
	})

	reply := c.recv()
	require.Equal(t, protocol.TypeAuthError, reply.Type)
}

func TestWSResumeReportsGap(t *testing.T) {
	srv, log := newTestServer(t)

	for i := 0; i < 3; i++ {
		_, _, err := log.Append("conv-1", userMessage("", "", "history"))
		require.NoError(t, err)
	}

	fresh := dialWS(t, srv, "conv-1")
	reply := fresh.handshake(testToken, 3)
	require.Equal(t, protocol.TypeResumeOK, reply.Type)
	assert.Equal(t, int64(3), decodeAs[protocol.ResumeOKPayload](t, reply).LatestSeq)

	behind := dialWS(t, srv, "conv-1")
	reply = behind.handshake(testToken, 1)
	require.Equal(t, protocol.TypeResumeGap, reply.Type)

	gap := decodeAs[protocol.ResumeGapPayload](t, reply)
	assert.Equal(t, int64(2), gap.FromSeq)
	assert.Equal(t, int64(3), gap.LatestSeq)
}

func TestWSSendAckAndFanout(t *testing.T) {
	srv, _ := newTestServer(t)

	sender := dialWS(t, srv, "conv-1")
	require.Equal(t, protocol.TypeResumeOK, sender.handshake(testToken, 0).Type)

	watcher := dialWS(t, srv, "conv-1")
	require.Equal(t, protocol.TypeResumeOK, watcher.handshake(testToken, 0).Type)

	sender.send(protocol.TypeMessageSend, "key-1", protocol.MessageSendPayload{
		ConversationID: "conv-1",
		ClientID:       "key-1",
		Content:        "hello from the widget",
	})

	// The sender gets its ack and the live delivery in either order; the
	// writer merges the reply queue and the fanout stream.
	var (
		ack       protocol.MessageAckPayload
		delivered protocol.MessageNewPayload
	)

	for i := 0; i < 2; i++ {
		frame := sender.recv()

		switch frame.Type {
		case protocol.TypeMessageAck:
			ack = decodeAs[protocol.MessageAckPayload](t, frame)
		case protocol.TypeMessageNew:
			delivered = decodeAs[protocol.MessageNewPayload](t, frame)
		default:
			t.Fatalf("unexpected %s frame", frame.Type)
		}
	}

	assert.Equal(t, "key-1", ack.ClientID)
	assert.Equal(t, int64(1), ack.Seq)
	require.NotEmpty(t, ack.MessageID)
	assert.Equal(t, ack.MessageID, delivered.MessageID)

	watcherFrame := watcher.recv()
	require.Equal(t, protocol.TypeMessageNew, watcherFrame.Type)
	assert.Equal(t, "hello from the widget",
		decodeAs[protocol.MessageNewPayload](t, watcherFrame).Content)

	// A retried send with the same client id acks the original identity
	// and fans out nothing new.
	sender.send(protocol.TypeMessageSend, "key-1", protocol.MessageSendPayload{
		ConversationID: "conv-1",
		ClientID:       "key-1",
		Content:        "hello from the widget",
	})

	retryAck := decodeAs[protocol.MessageAckPayload](t, sender.recv())
	assert.Equal(t, ack.MessageID, retryAck.MessageID)
	assert.Equal(t, ack.Seq, retryAck.Seq)

	watcher.recvNone(150 * time.Millisecond)
}

func TestWSReadUpdatePersists(t *testing.T) {
	srv, log := newTestServer(t)

	for i := 0; i < 2; i++ {
		_, _, err := log.Append("conv-1", userMessage("", "", "history"))
		require.NoError(t, err)
	}

	c := dialWS(t, srv, "conv-1")
	require.Equal(t, protocol.TypeResumeGap, c.handshake(testToken, 0).Type)

	c.send(protocol.TypeReadUpdate, "", protocol.ReadUpdatePayload{
		ConversationID: "conv-1",
		LastReadSeq:    2,
	})

	require.Eventually(t, func() bool {
		pos, err := log.ReadPosition("conv-1")
		return err == nil && pos == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWSRateLimitsSends(t *testing.T) {
	srv, _ := newTestServerWithRate(t, 0.1, 1)

	c := dialWS(t, srv, "conv-1")
	require.Equal(t, protocol.TypeResumeOK, c.handshake(testToken, 0).Type)

	c.send(protocol.TypeMessageSend, "key-1", protocol.MessageSendPayload{
		ConversationID: "conv-1", ClientID: "key-1", Content: "first",
	})

	first := c.recv()
	require.Equal(t, protocol.TypeMessageAck, first.Type)

	c.send(protocol.TypeMessageSend, "key-2", protocol.MessageSendPayload{
		ConversationID: "conv-1", ClientID: "key-2", Content: "second",
	})

	// The fanout of the first message and the rejection of the second
	// arrive in either order.
	var sawError bool

	for i := 0; i < 2; i++ {
		frame := c.recv()
		if frame.Type == protocol.TypeError {
			sawError = true

			assert.Equal(t, "key-2", frame.RequestID)
			payload := decodeAs[protocol.ErrorPayload](t, frame)
			assert.Contains(t, payload.Message, "rate limit")
		} else {
			require.Equal(t, protocol.TypeMessageNew, frame.Type)
		}
	}

	assert.True(t, sawError, "second send must be rate limited")
}

func TestWSPongEchoesPing(t *testing.T) {
	srv, _ := newTestServer(t)

	c := dialWS(t, srv, "conv-1")
	require.Equal(t, protocol.TypeResumeOK, c.handshake(testToken, 0).Type)

	c.send(protocol.TypePing, "", protocol.PingPayload{Timestamp: 12345})

	pong := c.recv()
	require.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, int64(12345), decodeAs[protocol.PingPayload](t, pong).Timestamp)
}
