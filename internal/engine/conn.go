package engine

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
)

// wsReadLimit caps inbound frame size. Chat frames are small JSON; a
// megabyte leaves generous headroom for metadata-heavy messages.
const wsReadLimit = 1024 * 1024

// wsConn abstracts the WebSocket connection so the session can be tested
// without a real server. *websocket.Conn satisfies it directly.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc establishes a WebSocket connection to the conversation
// endpoint. Injectable for tests.
type dialFunc func(ctx context.Context, wsURL string) (wsConn, error)

// dialWebSocket is the production dialer.
func dialWebSocket(ctx context.Context, wsURL string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(wsReadLimit)

	return conn, nil
}

// conversationWSURL derives the WebSocket endpoint for a conversation
// from the server base URL.
func conversationWSURL(serverURL, conversationID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = "/api/conversations/" + url.PathEscape(conversationID) + "/ws"

	return u.String(), nil
}
