package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briefdesk/chatsync/internal/protocol"
)

// subscriberBuffer is the fanout queue depth per connection. A
// connection that falls this far behind is dropped rather than allowed
// to stall the conversation.
const subscriberBuffer = 64

var errActorStopped = errors.New("conversation actor stopped")

// subscriber is one connection's fanout queue. The channel closes when
// the subscriber is dropped or the actor stops.
type subscriber struct {
	id int64
	ch chan []byte
}

// actor serializes all writes for one conversation: sequence assignment,
// idempotent append, and fanout happen on a single goroutine, so no two
// connections can ever race for the same sequence number.
type actor struct {
	conversationID string
	log            *Log
	logger         *slog.Logger
	metrics        *Metrics

	cmdCh chan func()
	done  chan struct{}

	// Owned by the actor goroutine.
	subs      map[int64]*subscriber
	nextSubID int64
}

func newActor(conversationID string, log *Log, logger *slog.Logger, metrics *Metrics) *actor {
	a := &actor{
		conversationID: conversationID,
		log:            log,
		logger:         logger,
		metrics:        metrics,
		cmdCh:          make(chan func()),
		done:           make(chan struct{}),
		subs:           make(map[int64]*subscriber),
	}

	go a.loop()

	return a
}

func (a *actor) loop() {
	for {
		select {
		case fn := <-a.cmdCh:
			fn()
		case <-a.done:
			for _, sub := range a.subs {
				close(sub.ch)
			}

			return
		}
	}
}

// do runs fn on the actor goroutine, reporting false when the actor has
// stopped.
func (a *actor) do(fn func()) bool {
	select {
	case a.cmdCh <- fn:
		return true
	case <-a.done:
		return false
	}
}

func (a *actor) stop() {
	close(a.done)
}

// Subscribe registers a fanout queue and returns it along with the
// conversation head at subscription time. Head and registration are
// atomic with respect to appends, so no message can fall between the
// head a client resumes from and the first fanout it receives.
func (a *actor) Subscribe() (*subscriber, int64, error) {
	type result struct {
		sub  *subscriber
		head int64
		err  error
	}

	resCh := make(chan result, 1)

	ok := a.do(func() {
		head, err := a.log.Head(a.conversationID)
		if err != nil {
			resCh <- result{err: err}
			return
		}

		a.nextSubID++
		sub := &subscriber{id: a.nextSubID, ch: make(chan []byte, subscriberBuffer)}
		a.subs[sub.id] = sub

		resCh <- result{sub: sub, head: head}
	})
	if !ok {
		return nil, 0, errActorStopped
	}

	res := <-resCh

	return res.sub, res.head, res.err
}

// Unsubscribe removes a fanout queue. Idempotent.
func (a *actor) Unsubscribe(id int64) {
	a.do(func() {
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub.ch)
		}
	})
}

// Append assigns the next sequence to a send and fans the confirmed
// message out to every subscriber. A send whose client id was already
// appended returns the original message with dup true.
func (a *actor) Append(payload protocol.MessageSendPayload, role string) (protocol.Message, bool, error) {
	type result struct {
		msg protocol.Message
		dup bool
		err error
	}

	resCh := make(chan result, 1)

	ok := a.do(func() {
		msg := protocol.Message{
			ID:             uuid.NewString(),
			ConversationID: a.conversationID,
			Role:           role,
			Content:        payload.Content,
			Attachments:    payload.Attachments,
			Metadata:       payload.Metadata,
			ClientKey:      payload.ClientID,
			ServerTime:     time.Now().UnixMilli(),
		}

		stored, dup, err := a.log.Append(a.conversationID, msg)
		if err != nil {
			resCh <- result{err: err}
			return
		}

		if dup {
			a.metrics.SendsDeduplicated.Inc()
		} else {
			a.metrics.MessagesAppended.Inc()
			a.fanout(stored)
		}

		resCh <- result{msg: stored, dup: dup}
	})
	if !ok {
		return protocol.Message{}, false, errActorStopped
	}

	res := <-resCh

	return res.msg, res.dup, res.err
}

// ReadUpdate persists the furthest read position reported for the
// conversation.
func (a *actor) ReadUpdate(seq int64) error {
	resCh := make(chan error, 1)

	ok := a.do(func() {
		err := a.log.SetReadPosition(a.conversationID, seq)
		if err == nil {
			a.metrics.ReadPositionMoved.Inc()
		}

		resCh <- err
	})
	if !ok {
		return errActorStopped
	}

	return <-resCh
}

// fanout delivers a confirmed message to every subscriber. A subscriber
// whose queue is full is dropped; the client notices the closed stream
// and resyncs over the resume handshake.
func (a *actor) fanout(msg protocol.Message) {
	frame, err := protocol.Encode(protocol.TypeMessageNew, protocol.MessageNewPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ClientID:       msg.ClientKey,
		Role:           msg.Role,
		Content:        msg.Content,
		Seq:            msg.Seq,
		ServerTime:     msg.ServerTime,
		Metadata:       msg.Metadata,
	})
	if err != nil {
		a.logger.Error("failed to encode fanout frame", "error", err)
		return
	}

	for id, sub := range a.subs {
		select {
		case sub.ch <- frame:
		default:
			a.logger.Warn("dropping slow subscriber",
				"conversation_id", a.conversationID, "subscriber_id", id)
			delete(a.subs, id)
			close(sub.ch)
		}
	}
}

// Hub hands out the actor for each conversation, creating it on first
// use.
type Hub struct {
	log     *Log
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

func NewHub(log *Log, logger *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		log:     log,
		logger:  logger,
		metrics: metrics,
		actors:  make(map[string]*actor),
	}
}

// Conversation returns the actor for a conversation id.
func (h *Hub) Conversation(id string) (*actor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errActorStopped
	}

	if a, ok := h.actors[id]; ok {
		return a, nil
	}

	a := newActor(id, h.log, h.logger, h.metrics)
	h.actors[id] = a

	return a, nil
}

// Close stops every actor. Connections see their fanout channels close.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for _, a := range h.actors {
		a.stop()
	}
}
