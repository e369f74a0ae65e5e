package engine

import (
	"sync"

	"github.com/briefdesk/chatsync/internal/protocol"
)

// sendResult is the outcome of one in-flight send, delivered exactly
// once on the channel returned by register.
type sendResult struct {
	Message protocol.Message
	Err     error
}

// pendingSends tracks in-flight message sends keyed by idempotency key.
// Each entry settles exactly once: resolve, reject, and drain race
// safely because the first settlement deletes the entry.
type pendingSends struct {
	mu      sync.Mutex
	entries map[string]chan sendResult
}

func newPendingSends() *pendingSends {
	return &pendingSends{entries: make(map[string]chan sendResult)}
}

// register creates a pending entry for key and returns the channel its
// result will arrive on. The channel is buffered so settlement never
// blocks on a slow or departed caller.
func (p *pendingSends) register(key string) (<-chan sendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[key]; exists {
		return nil, ErrDuplicateSend
	}

	ch := make(chan sendResult, 1)
	p.entries[key] = ch

	return ch, nil
}

// resolve settles the entry for key with a confirmed message. Returns
// false when no entry is pending, which is normal for duplicate acks.
func (p *pendingSends) resolve(key string, msg protocol.Message) bool {
	return p.settle(key, sendResult{Message: msg})
}

// reject settles the entry for key with an error.
func (p *pendingSends) reject(key string, err error) bool {
	return p.settle(key, sendResult{Err: err})
}

func (p *pendingSends) settle(key string, res sendResult) bool {
	p.mu.Lock()
	ch, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	ch <- res

	return true
}

// drain rejects every pending entry with err and returns the keys that
// were still outstanding. Called on disconnect and on session close.
func (p *pendingSends) drain(err error) []string {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]chan sendResult)
	p.mu.Unlock()

	keys := make([]string, 0, len(entries))

	for key, ch := range entries {
		ch <- sendResult{Err: err}

		keys = append(keys, key)
	}

	return keys
}

func (p *pendingSends) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}
