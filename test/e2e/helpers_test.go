package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/briefdesk/chatsync/internal/config"
	"github.com/briefdesk/chatsync/internal/engine"
	"github.com/briefdesk/chatsync/internal/server"
	"github.com/briefdesk/chatsync/internal/state"
)

const e2eToken = "e2e-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer brings up a full conversation server on a loopback
// listener and returns it with its message log.
func startServer(t *testing.T) (*httptest.Server, *server.Log) {
	t.Helper()

	log, err := server.OpenLog(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(e2eToken), bcrypt.MinCost)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)
	logger := discardLogger()

	hub := server.NewHub(log, logger, metrics)
	t.Cleanup(hub.Close)

	router := server.NewRouter(server.Options{
		Logger:      logger,
		Log:         log,
		Hub:         hub,
		Metrics:     metrics,
		Registry:    registry,
		TokenHashes: []string{string(hash)},
		SendRate:    100,
		SendBurst:   100,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv, log
}

// fastTunables shortens the protocol timing so tests run quickly.
func fastTunables() config.Tunables {
	tun := config.DefaultTunables()
	tun.ReconnectDelay = 50 * time.Millisecond
	tun.HandshakeTimeout = 3 * time.Second
	tun.AckTimeout = 3 * time.Second
	tun.BackfillBackoff = 10 * time.Millisecond

	return tun
}

// startSession opens a running, ready session for a conversation. A nil
// store means the session starts from scratch. The returned stop
// function closes the session and waits for its run loop to finish, so
// the persisted cursor is final once it returns.
func startSession(t *testing.T, serverURL, conversationID string, store *state.Store) (*engine.Session, func()) {
	t.Helper()

	sess, err := engine.NewSession(engine.SessionConfig{
		ServerURL:      serverURL,
		AuthToken:      e2eToken,
		ConversationID: conversationID,
		ClientInfo:     "e2e-test/1",
		Tunables:       fastTunables(),
		CursorStore:    store,
		Logger:         discardLogger(),
	}, engine.Handlers{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = sess.Run(ctx)
	}()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			_ = sess.Close()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("session did not stop")
			}
		})
	}
	t.Cleanup(stop)

	require.NoError(t, sess.Ready(context.Background()))

	return sess, stop
}

func openCursorStore(t *testing.T, dir string) *state.Store {
	t.Helper()

	store, err := state.Open(filepath.Join(dir, "cursors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}
