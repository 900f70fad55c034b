package channel

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errNotConnected = errors.New("transport not connected")

// MemoryTransport is an in-process Transport. It backs the daemon when no broker is
// configured and drives tests.
type MemoryTransport struct {
	mu       sync.Mutex
	out      chan Message
	subs     map[string]bool
	connects int
	// ConnectErr, when set, fails every Connect.
	ConnectErr error
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]bool)}
}

func (t *MemoryTransport) Connect(_ context.Context) (<-chan Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	if t.out != nil {
		close(t.out)
	}
	t.out = make(chan Message, 64)
	t.subs = make(map[string]bool)
	t.connects++
	return t.out, nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return errNotConnected
	}
	t.subs[id] = true
	return nil
}

func (t *MemoryTransport) Unsubscribe(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
	return nil
}

// Close drops the current connection.
func (t *MemoryTransport) Close() error {
	t.Drop()
	return nil
}

// Drop closes the live stream as if the connection was lost.
func (t *MemoryTransport) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out != nil {
		close(t.out)
		t.out = nil
	}
	t.subs = make(map[string]bool)
}

// Emit delivers msg if its entity is subscribed. It reports whether it was delivered.
func (t *MemoryTransport) Emit(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil || !t.subs[msg.EntityID] {
		return false
	}
	select {
	case t.out <- msg:
		return true
	default:
		return false
	}
}

// Subscriptions lists the entity ids currently subscribed on the wire.
func (t *MemoryTransport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connects counts successful Connect calls.
func (t *MemoryTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}
