package eventbus

import (
	"fmt"
	"sync"

	"github.com/baechuer/productbazar-client/internal/logger"
)

// Topic is one of the closed set of notification names.
type Topic string

const (
	ProductUpdated     Topic = "product:updated"
	ProductDeleted     Topic = "product:deleted"
	UpvoteUpdated      Topic = "upvote:updated"
	BookmarkUpdated    Topic = "bookmark:updated"
	ViewUpdated        Topic = "view:updated"
	SocketConnected    Topic = "socket:connected"
	SocketDisconnected Topic = "socket:disconnected"
	TokenRefreshed     Topic = "auth:token-refreshed"
	Unauthorized       Topic = "auth:unauthorized"
	Logout             Topic = "auth:logout"
	UserUpdated        Topic = "auth:user-updated"
)

var topics = map[Topic]bool{
	ProductUpdated: true, ProductDeleted: true, UpvoteUpdated: true, BookmarkUpdated: true,
	ViewUpdated: true, SocketConnected: true, SocketDisconnected: true, TokenRefreshed: true,
	Unauthorized: true, Logout: true, UserUpdated: true,
}

func (t Topic) Valid() bool { return topics[t] }

// Handler receives a topic payload. See payloads.go for the shape per topic.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscription
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe registers h for topic and returns a function that removes it.
// Subscribing to an unknown topic panics: topics are a closed set known at compile time.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	if !topic.Valid() {
		panic(fmt.Sprintf("eventbus: unknown topic %q", topic))
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every handler of topic in subscription order on the caller's goroutine.
// A panicking handler is logged and does not stop the others.
func (b *Bus) Publish(topic Topic, payload any) {
	if !topic.Valid() {
		logger.Log.Warn().Str("topic", string(topic)).Msg("eventbus_unknown_topic")
		return
	}
	b.mu.RLock()
	handlers := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		dispatch(topic, s.handler, payload)
	}
}

// Count returns the number of handlers subscribed to topic.
func (b *Bus) Count(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func dispatch(topic Topic, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().
				Str("topic", string(topic)).
				Interface("panic", r).
				Msg("eventbus_handler_panic")
		}
	}()
	h(payload)
}
