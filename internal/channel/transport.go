package channel

import (
	"context"
	"encoding/json"
)

// Message is one inbound live event.
type Message struct {
	// Type is the event name, e.g. "product:upvote" or "product:name:update".
	Type     string
	EntityID string
	Payload  json.RawMessage
}

// Transport is the wire below a Channel. Connect returns a stream that closes when the
// connection drops; subscriptions do not survive a reconnect.
type Transport interface {
	Connect(ctx context.Context) (<-chan Message, error)
	Subscribe(ctx context.Context, entityID string) error
	Unsubscribe(ctx context.Context, entityID string) error
	Close() error
}
