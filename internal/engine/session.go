// Package engine implements the client side of the conversation sync
// protocol: a resilient WebSocket session that keeps a local ordered
// view of one conversation consistent with the server across message
// sends, live deliveries, disconnects, and sequence-gap recovery.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/briefdesk/chatsync/internal/config"
	"github.com/briefdesk/chatsync/internal/protocol"
	"github.com/briefdesk/chatsync/internal/state"
)

// tickInterval drives keepalive checks and cursor persistence.
const tickInterval = 5 * time.Second

// State is the connection lifecycle phase of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateResuming
	StateRecoveringGap
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateResuming:
		return "resuming"
	case StateRecoveringGap:
		return "recovering_gap"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Handlers are the session's callbacks toward its embedder. Both are
// optional and may be invoked from more than one goroutine; OnMessages
// always receives a consistent snapshot of the ordered log.
type Handlers struct {
	OnMessages    func(messages []protocol.Message)
	OnStateChange func(state State)
}

// SessionConfig configures one conversation session.
type SessionConfig struct {
	ServerURL      string
	AuthToken      string
	ConversationID string

	// ClientInfo identifies the client build in the auth frame.
	ClientInfo string

	// Tunables override protocol timing. Zero value means defaults.
	Tunables config.Tunables

	// CursorStore persists the sync position across restarts. Optional.
	CursorStore *state.Store

	// HTTPClient performs backfill requests. Optional.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// inboundMsg is one read result from the connection, tagged with the
// generation of the connection it came from so the event loop can
// discard leftovers from a previous connection.
type inboundMsg struct {
	gen  int64
	data []byte
	err  error
}

// gapResult reports the outcome of one gap recovery run.
type gapResult struct {
	gen int64
	err error
}

// sendOp asks the event loop to transmit a message.send frame. The
// enqueued channel (buffered) reports the synchronous write outcome.
type sendOp struct {
	key      string
	frame    []byte
	enqueued chan error
}

// readyLatch settles once per connectivity epoch: nil error when the
// handshake authenticated, a terminal error when the session gave up.
type readyLatch struct {
	done    chan struct{}
	err     error
	settled bool
}

// Session synchronizes one conversation. Construct with NewSession,
// drive with Run, interact through Send, and stop with Close.
//
// All connection writes happen on a single event loop goroutine; a
// dedicated reader goroutine feeds inbound frames to it. Public methods
// are safe for concurrent use.
type Session struct {
	cfg      SessionConfig
	tunables config.Tunables
	handlers Handlers
	logger   *slog.Logger
	dial     dialFunc
	wsURL    string

	reconciler *Reconciler
	cursor     *Cursor
	pending    *pendingSends
	fetcher    *backfillFetcher

	inboundCh chan inboundMsg
	gapCh     chan gapResult
	opCh      chan sendOp
	closedCh  chan struct{}
	runDone   chan struct{}

	generation atomic.Int64

	mu              sync.Mutex
	state           State
	runErr          error
	latch           *readyLatch
	conn            wsConn
	connCancel      context.CancelFunc
	closed          bool
	shouldReconnect bool
	lastInbound     time.Time
	pingSent        bool
}

// NewSession validates the configuration and builds a session. The
// persisted cursor, if any, is loaded here so Run resumes from it.
func NewSession(cfg SessionConfig, handlers Handlers) (*Session, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}

	if cfg.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	if cfg.AuthToken == "" {
		return nil, errors.New("auth token is required")
	}

	wsURL, err := conversationWSURL(cfg.ServerURL, cfg.ConversationID)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tunables := cfg.Tunables
	if tunables == (config.Tunables{}) {
		tunables = config.DefaultTunables()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	cursor, err := newCursor(cfg.ConversationID, cfg.CursorStore, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		tunables: tunables,
		handlers: handlers,
		logger:   logger,
		dial:     dialWebSocket,
		wsURL:    wsURL,

		cursor:  cursor,
		pending: newPendingSends(),

		inboundCh: make(chan inboundMsg, 64),
		gapCh:     make(chan gapResult, 1),
		opCh:      make(chan sendOp),
		closedCh:  make(chan struct{}),
		runDone:   make(chan struct{}),

		state:           StateDisconnected,
		latch:           &readyLatch{done: make(chan struct{})},
		shouldReconnect: true,
	}

	s.reconciler = newReconciler(cfg.ConversationID, cursor, logger)

	s.fetcher = &backfillFetcher{
		baseURL:        cfg.ServerURL,
		conversationID: cfg.ConversationID,
		token:          cfg.AuthToken,
		client:         httpClient,
		logger:         logger,
		attempts:       tunables.BackfillAttempts,
		backoff:        tunables.BackfillBackoff,
		pageSize:       tunables.BackfillPageSize,
		apply: func(batch []protocol.Message) {
			if len(batch) == 0 {
				return
			}

			s.reconciler.Absorb(batch)
			s.notifyMessages()
		},
	}

	return s, nil
}

// Run connects and keeps the session alive until ctx is canceled, Close
// is called, or a permanent error occurs. Transient connection failures
// reconnect after a flat delay; authentication rejection and
// unrecoverable gaps end the run. Once Run returns, the session is dead
// and every pending or future call fails with the terminal error.
func (s *Session) Run(ctx context.Context) error {
	err := s.run(ctx)

	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()

	close(s.runDone)

	return err
}

// run is the reconnect loop behind Run.
func (s *Session) run(ctx context.Context) error {
	defer func() {
		s.cursor.PersistIfDirty()
		s.setState(StateDisconnected)
	}()

	for {
		err := s.connectAndStream(ctx)

		switch {
		case err == nil || errors.Is(err, ErrSessionClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case isPermanentError(err):
			s.settleLatch(err)
			s.logger.Error("session failed permanently", "error", err)

			return err
		case !s.reconnectAllowed():
			if s.isClosed() {
				return nil
			}

			return err
		}

		s.setState(StateDisconnected)
		s.logger.Info("connection lost, reconnecting",
			"delay", s.tunables.ReconnectDelay, "error", err)

		select {
		case <-time.After(s.tunables.ReconnectDelay):
		case <-s.closedCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectAndStream performs one connection epoch: dial, handshake,
// then stream until the connection dies or the session stops.
func (s *Session) connectAndStream(ctx context.Context) error {
	gen := s.generation.Add(1)

	s.resetLatch()
	s.setState(StateConnecting)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(connCtx, s.tunables.HandshakeTimeout)
	defer dialCancel()

	conn, err := s.dial(dialCtx, s.wsURL)
	if err != nil {
		return err
	}

	defer conn.Close(websocket.StatusInternalError, "session ended") //nolint:errcheck // best-effort close on teardown

	s.mu.Lock()
	s.conn = conn
	s.connCancel = cancel
	s.lastInbound = time.Now()
	s.pingSent = false
	s.mu.Unlock()

	// Anything still awaiting an ack when this epoch ends is rejected;
	// its placeholder leaves the log with it.
	defer s.drainPending()

	if err := s.handshake(connCtx, gen, conn); err != nil {
		return err
	}

	s.startReader(connCtx, gen, conn)

	return s.eventLoop(connCtx, gen, conn)
}

// handshake authenticates and resumes the conversation. Readiness
// settles on auth.ok; a resume.gap answer moves the session into gap
// recovery before the event loop starts.
func (s *Session) handshake(ctx context.Context, gen int64, conn wsConn) error {
	s.setState(StateAuthenticating)

	hctx, cancel := context.WithTimeout(ctx, s.tunables.HandshakeTimeout)
	defer cancel()

	authFrame, err := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		Token:           s.cfg.AuthToken,
		ClientInfo:      s.cfg.ClientInfo,
	})
	if err != nil {
		return err
	}

	if err := conn.Write(hctx, websocket.MessageText, authFrame); err != nil {
		return fmt.Errorf("writing auth frame: %w", err)
	}

	frame, err := readFrame(hctx, conn)
	if err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}

	switch frame.Type {
	case protocol.TypeAuthOK:
	case protocol.TypeAuthError:
		var payload protocol.AuthErrorPayload
		_ = decodePayload(frame, &payload)

		return fmt.Errorf("%w: %s", ErrAuthRejected, payload.Message)
	default:
		return fmt.Errorf("unexpected %s frame during auth", frame.Type)
	}

	s.settleLatch(nil)
	s.setState(StateResuming)

	lastSeen := s.cursor.LastSeen()

	resumeFrame, err := protocol.Encode(protocol.TypeResume, protocol.ResumePayload{
		ConversationID: s.cfg.ConversationID,
		LastSeq:        lastSeen,
	})
	if err != nil {
		return err
	}

	if err := conn.Write(hctx, websocket.MessageText, resumeFrame); err != nil {
		return fmt.Errorf("writing resume frame: %w", err)
	}

	frame, err = readFrame(hctx, conn)
	if err != nil {
		return fmt.Errorf("reading resume reply: %w", err)
	}

	switch frame.Type {
	case protocol.TypeResumeOK:
		var payload protocol.ResumeOKPayload
		if err := decodePayload(frame, &payload); err != nil {
			return err
		}

		if payload.LatestSeq > lastSeen {
			// The server said no gap but reported a newer head. Trust
			// the head and backfill rather than silently miss messages.
			s.beginGapRecovery(ctx, gen, lastSeen+1, payload.LatestSeq)

			return nil
		}

		s.setState(StateSynced)
		s.logger.Info("session synced", "last_seen_seq", lastSeen)
	case protocol.TypeResumeGap:
		var payload protocol.ResumeGapPayload
		if err := decodePayload(frame, &payload); err != nil {
			return err
		}

		s.beginGapRecovery(ctx, gen, payload.FromSeq, payload.LatestSeq)
	default:
		return fmt.Errorf("unexpected %s frame during resume", frame.Type)
	}

	return nil
}

// beginGapRecovery starts backfill in its own goroutine so live frames
// keep flowing through the event loop while history pages load.
func (s *Session) beginGapRecovery(ctx context.Context, gen, fromSeq, latestSeq int64) {
	s.setState(StateRecoveringGap)
	s.logger.Info("sequence gap detected, recovering",
		"from_seq", fromSeq, "latest_seq", latestSeq)

	go func() {
		err := s.fetcher.fill(ctx, fromSeq, latestSeq)

		select {
		case s.gapCh <- gapResult{gen: gen, err: err}:
		case <-ctx.Done():
		}
	}()
}

// startReader pumps connection reads into inboundCh until the
// connection fails or the epoch context ends.
func (s *Session) startReader(ctx context.Context, gen int64, conn wsConn) {
	go func() {
		for {
			_, data, err := conn.Read(ctx)

			select {
			case s.inboundCh <- inboundMsg{gen: gen, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// eventLoop owns the connection for one epoch. Every write goes through
// here; a returned error ends the epoch and Run decides whether to
// reconnect.
func (s *Session) eventLoop(ctx context.Context, gen int64, conn wsConn) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Sends issued while a gap is being recovered wait here and flush
	// in order once the log is whole again.
	var heldSends []sendOp

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.closedCh:
			_ = conn.Close(websocket.StatusNormalClosure, "client closing")

			return ErrSessionClosed

		case msg := <-s.inboundCh:
			if msg.gen != gen {
				continue
			}

			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			if err := s.handleFrame(ctx, conn, msg.data); err != nil {
				return err
			}

		case op := <-s.opCh:
			if s.State() == StateRecoveringGap {
				heldSends = append(heldSends, op)
				op.enqueued <- nil

				continue
			}

			if err := s.transmitSend(ctx, conn, op); err != nil {
				return err
			}

		case res := <-s.gapCh:
			if res.gen != gen {
				continue
			}

			if res.err != nil {
				s.disableReconnect()
				_ = conn.Close(websocket.StatusInternalError, "gap recovery failed")

				return res.err
			}

			s.setState(StateSynced)
			s.logger.Info("gap recovery complete", "last_seen_seq", s.cursor.LastSeen())

			for _, op := range heldSends {
				if err := s.transmitSend(ctx, conn, op); err != nil {
					return err
				}
			}

			heldSends = nil

			if err := s.publishRead(ctx, conn); err != nil {
				return err
			}

		case <-ticker.C:
			s.cursor.PersistIfDirty()

			if err := s.keepalive(ctx, conn); err != nil {
				return err
			}
		}
	}
}

// handleFrame dispatches one inbound frame. Only transport-level
// failures return an error; malformed or unknown frames are logged and
// dropped so one bad frame cannot kill the stream.
func (s *Session) handleFrame(ctx context.Context, conn wsConn, data []byte) error {
	s.touchInbound()

	// Pongs are frequent and carry nothing the engine needs; skip the
	// full decode.
	if protocol.PeekType(data) == protocol.TypePong {
		return nil
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)

		return nil
	}

	switch frame.Type {
	case protocol.TypeMessageNew:
		var payload protocol.MessageNewPayload
		if err := decodePayload(frame, &payload); err != nil {
			s.logger.Warn("dropping malformed message.new frame", "error", err)

			return nil
		}

		advanced := s.reconciler.Absorb([]protocol.Message{{
			ID:             payload.MessageID,
			ConversationID: payload.ConversationID,
			Role:           payload.Role,
			Content:        payload.Content,
			Metadata:       payload.Metadata,
			ClientKey:      payload.ClientID,
			Seq:            payload.Seq,
			ServerTime:     payload.ServerTime,
		}})
		s.notifyMessages()

		if advanced {
			return s.publishRead(ctx, conn)
		}

	case protocol.TypeMessageAck:
		var payload protocol.MessageAckPayload
		if err := decodePayload(frame, &payload); err != nil {
			s.logger.Warn("dropping malformed message.ack frame", "error", err)

			return nil
		}

		msg, ok := s.reconciler.ConfirmSend(payload)
		if !ok {
			// The placeholder is gone, typically because the caller gave
			// up waiting. The message is on the server; the live stream
			// or a backfill will deliver it.
			s.logger.Debug("ack without matching placeholder", "client_id", payload.ClientID)

			return nil
		}

		s.notifyMessages()
		s.pending.resolve(payload.ClientID, msg)

		return s.publishRead(ctx, conn)

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		_ = decodePayload(frame, &payload)

		if frame.RequestID == "" {
			s.logger.Warn("server error frame", "message", payload.Message)

			return nil
		}

		if s.pending.reject(frame.RequestID, fmt.Errorf("server rejected send: %s", payload.Message)) {
			if s.reconciler.RemoveOptimistic(frame.RequestID) {
				s.notifyMessages()
			}
		}

	default:
		s.logger.Debug("ignoring frame", "type", frame.Type)
	}

	return nil
}

// transmitSend writes a message.send frame and reports the outcome to
// the waiting caller. A write failure also fails the epoch.
func (s *Session) transmitSend(ctx context.Context, conn wsConn, op sendOp) error {
	err := conn.Write(ctx, websocket.MessageText, op.frame)

	select {
	case op.enqueued <- err:
	default:
	}

	if err != nil {
		if s.pending.reject(op.key, &TransientError{Err: err}) {
			if s.reconciler.RemoveOptimistic(op.key) {
				s.notifyMessages()
			}
		}

		return fmt.Errorf("writing message.send: %w", err)
	}

	return nil
}

// publishRead pushes the read cursor up to the latest absorbed sequence.
// Withheld until the session is synced so a recovering log never reports
// messages it has not absorbed yet as read.
func (s *Session) publishRead(ctx context.Context, conn wsConn) error {
	if s.State() != StateSynced {
		return nil
	}

	lastSeen := s.cursor.LastSeen()
	if lastSeen <= s.cursor.LastRead() {
		return nil
	}

	frame, err := protocol.Encode(protocol.TypeReadUpdate, protocol.ReadUpdatePayload{
		ConversationID: s.cfg.ConversationID,
		LastReadSeq:    lastSeen,
	})
	if err != nil {
		return err
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("writing read.update: %w", err)
	}

	s.cursor.AdvanceRead(lastSeen)

	return nil
}

// keepalive pings an idle connection and declares it dead when the
// server stays silent past the disconnect threshold.
func (s *Session) keepalive(ctx context.Context, conn wsConn) error {
	s.mu.Lock()
	idle := time.Since(s.lastInbound)
	pinged := s.pingSent
	s.mu.Unlock()

	if idle > s.tunables.DisconnectAfter {
		return fmt.Errorf("no traffic for %s, declaring connection dead", idle.Round(time.Second))
	}

	if idle > s.tunables.PingAfter && !pinged {
		frame, err := protocol.Encode(protocol.TypePing, protocol.PingPayload{
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}

		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("writing ping: %w", err)
		}

		s.mu.Lock()
		s.pingSent = true
		s.mu.Unlock()
	}

	return nil
}

// Send transmits a message and blocks until the server acknowledges it,
// returning the confirmed message. An optimistic placeholder appears in
// the log immediately and is removed again if the send fails.
func (s *Session) Send(ctx context.Context, content string, attachments []string) (protocol.Message, error) {
	if err := s.Ready(ctx); err != nil {
		return protocol.Message{}, err
	}

	key := uuid.NewString()

	resultCh, err := s.pending.register(key)
	if err != nil {
		return protocol.Message{}, err
	}

	s.reconciler.AddOptimistic(content, attachments, key)
	s.notifyMessages()

	frame, err := protocol.EncodeRequest(protocol.TypeMessageSend, key, protocol.MessageSendPayload{
		ConversationID: s.cfg.ConversationID,
		ClientID:       key,
		Content:        content,
		Attachments:    attachments,
	})
	if err != nil {
		s.abandonSend(key, err)

		return protocol.Message{}, err
	}

	op := sendOp{key: key, frame: frame, enqueued: make(chan error, 1)}

	select {
	case s.opCh <- op:
	case <-s.runDone:
		err := s.terminalError()
		s.abandonSend(key, err)

		return protocol.Message{}, err
	case <-s.closedCh:
		s.abandonSend(key, ErrSessionClosed)

		return protocol.Message{}, ErrSessionClosed
	case <-ctx.Done():
		s.abandonSend(key, ctx.Err())

		return protocol.Message{}, ctx.Err()
	}

	select {
	case err := <-op.enqueued:
		if err != nil {
			s.abandonSend(key, err)

			return protocol.Message{}, fmt.Errorf("transmitting send: %w", err)
		}
	case <-ctx.Done():
		s.abandonSend(key, ctx.Err())

		return protocol.Message{}, ctx.Err()
	}

	timer := time.NewTimer(s.tunables.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.Err != nil {
			if s.reconciler.RemoveOptimistic(key) {
				s.notifyMessages()
			}

			return protocol.Message{}, res.Err
		}

		return res.Message, nil

	case <-timer.C:
		if !s.pending.reject(key, ErrAckTimeout) {
			// Settlement won the race against the timer; its result is
			// already buffered.
			res := <-resultCh
			if res.Err == nil {
				return res.Message, nil
			}
		}

		if s.reconciler.RemoveOptimistic(key) {
			s.notifyMessages()
		}

		return protocol.Message{}, ErrAckTimeout

	case <-s.runDone:
		select {
		case res := <-resultCh:
			if res.Err == nil {
				return res.Message, nil
			}
		default:
		}

		err := s.terminalError()
		s.abandonSend(key, err)

		return protocol.Message{}, err

	case <-ctx.Done():
		s.abandonSend(key, ctx.Err())

		return protocol.Message{}, ctx.Err()
	}
}

// abandonSend cleans up a send that failed before acknowledgment.
func (s *Session) abandonSend(key string, cause error) {
	s.pending.reject(key, cause)

	if s.reconciler.RemoveOptimistic(key) {
		s.notifyMessages()
	}
}

// drainPending rejects every in-flight send and removes its
// placeholder. Runs at the end of every connection epoch.
func (s *Session) drainPending() {
	keys := s.pending.drain(ErrConnectionClosed)

	removed := false

	for _, key := range keys {
		if s.reconciler.RemoveOptimistic(key) {
			removed = true
		}
	}

	if removed {
		s.notifyMessages()
	}
}

// Ready blocks until the session has authenticated, bounded by the
// handshake timeout.
func (s *Session) Ready(ctx context.Context) error {
	s.mu.Lock()
	latch := s.latch
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}

	// A settled latch outlives the run loop; a dead session must not
	// report itself ready.
	select {
	case <-s.runDone:
		return s.terminalError()
	default:
	}

	timer := time.NewTimer(s.tunables.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-latch.done:
		return latch.err
	case <-s.runDone:
		return s.terminalError()
	case <-timer.C:
		return ErrReadyTimeout
	case <-s.closedCh:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the session. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	s.shouldReconnect = false
	conn := s.conn
	cancel := s.connCancel

	s.mu.Unlock()

	close(s.closedCh)

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}

	if cancel != nil {
		cancel()
	}

	return nil
}

// Messages returns the current ordered view of the conversation.
func (s *Session) Messages() []protocol.Message {
	return s.reconciler.Snapshot()
}

// LastSeenSeq returns the highest sequence absorbed so far.
func (s *Session) LastSeenSeq() int64 {
	return s.cursor.LastSeen()
}

// LastReadSeq returns the highest sequence published as read.
func (s *Session) LastReadSeq() int64 {
	return s.cursor.LastRead()
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()

	if s.state == st {
		s.mu.Unlock()
		return
	}

	old := s.state
	s.state = st

	s.mu.Unlock()

	s.logger.Debug("session state change", "from", old.String(), "to", st.String())

	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(st)
	}
}

// resetLatch replaces a settled latch with a fresh one at the start of
// a connection epoch. An unsettled latch is kept so callers waiting
// across a retry see the first successful handshake.
func (s *Session) resetLatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latch.settled {
		s.latch = &readyLatch{done: make(chan struct{})}
	}
}

// settleLatch resolves the current readiness latch exactly once.
func (s *Session) settleLatch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latch.settled {
		return
	}

	s.latch.err = err
	s.latch.settled = true
	close(s.latch.done)
}

// terminalError reports why the run loop exited, for callers arriving
// after the fact.
func (s *Session) terminalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runErr != nil {
		return s.runErr
	}

	return ErrSessionClosed
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Session) reconnectAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shouldReconnect && !s.closed
}

func (s *Session) disableReconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	s.mu.Unlock()
}

func (s *Session) touchInbound() {
	s.mu.Lock()
	s.lastInbound = time.Now()
	s.pingSent = false
	s.mu.Unlock()
}

func (s *Session) notifyMessages() {
	if s.handlers.OnMessages != nil {
		s.handlers.OnMessages(s.reconciler.Snapshot())
	}
}

// readFrame reads and decodes a single frame, used during the handshake
// before the reader goroutine starts.
func readFrame(ctx context.Context, conn wsConn) (protocol.Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}

	return protocol.Decode(data)
}

// decodePayload unmarshals a frame's payload into dst.
func decodePayload(frame protocol.Frame, dst any) error {
	if len(frame.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(frame.Data, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", frame.Type, err)
	}

	return nil
}
