package channel

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
	"github.com/baechuer/productbazar-client/internal/logger"
	"github.com/baechuer/productbazar-client/internal/metrics"
)

const (
	TypeUpvote     = "product:upvote"
	TypeBookmark   = "product:bookmark"
	TypeViewUpdate = "product:view:update"
)

// Sink applies inbound live events to local state.
type Sink interface {
	ApplyUpvote(ctx context.Context, ev domain.CountEvent)
	ApplyBookmark(ctx context.Context, ev domain.CountEvent)
	ApplyView(ctx context.Context, ev domain.ViewEvent)
	// ApplyUpdate handles "product:<field>:update" events.
	ApplyUpdate(ctx context.Context, productID, field string, payload json.RawMessage)
}

// Channel keeps a reference-counted set of entity subscriptions on top of a Transport
// and re-establishes them after every reconnect.
type Channel struct {
	transport Transport
	bus       *eventbus.Bus
	sink      Sink
	log       zerolog.Logger

	retry httpclient.RetryConfig
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	refs      map[string]int
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Channel)

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Channel) { c.sleep = fn }
}

func WithRetry(cfg httpclient.RetryConfig) Option {
	return func(c *Channel) { c.retry = cfg }
}

func New(t Transport, bus *eventbus.Bus, sink Sink, opts ...Option) *Channel {
	c := &Channel{
		transport: t,
		bus:       bus,
		sink:      sink,
		log:       logger.Component("channel"),
		retry:     httpclient.RetryConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second},
		sleep:     sleepCtx,
		refs:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the connection loop and returns the outcome of the first attempt.
// A failed first attempt keeps retrying in the background until Disconnect.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(runCtx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the loop and closes the transport. Entity references are kept
// so a later Connect resubscribes them.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return c.transport.Close()
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SubscribeEntity adds a reference to id. Only the first reference subscribes on the wire.
func (c *Channel) SubscribeEntity(ctx context.Context, id string) error {
	c.mu.Lock()
	c.refs[id]++
	needWire := c.refs[id] == 1 && c.connected
	c.mu.Unlock()

	if !needWire {
		return nil
	}
	if err := c.transport.Subscribe(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("entity_id", id).Msg("live_subscribe_failed")
		return err
	}
	return nil
}

// UnsubscribeEntity drops a reference to id and releases the wire subscription at zero.
func (c *Channel) UnsubscribeEntity(ctx context.Context, id string) error {
	c.mu.Lock()
	n, ok := c.refs[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	release := n <= 1
	if release {
		delete(c.refs, id)
	} else {
		c.refs[id] = n - 1
	}
	needWire := release && c.connected
	c.mu.Unlock()

	if !needWire {
		return nil
	}
	if err := c.transport.Unsubscribe(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("entity_id", id).Msg("live_unsubscribe_failed")
		return err
	}
	return nil
}

func (c *Channel) RefCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[id]
}

func (c *Channel) run(ctx context.Context, first chan<- error) {
	defer close(c.done)
	attempt := 0
	for {
		msgs, err := c.transport.Connect(ctx)
		if first != nil {
			first <- err
			first = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := httpclient.CalculateDelay(attempt, c.retry)
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("live_connect_failed")
			if c.sleep(ctx, delay) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		c.onConnected(ctx)
		reason := c.consume(ctx, msgs)
		c.onDisconnected(reason)

		if ctx.Err() != nil {
			return
		}
		if c.sleep(ctx, c.retry.InitialDelay) != nil {
			return
		}
	}
}

func (c *Channel) onConnected(ctx context.Context) {
	c.mu.Lock()
	c.connected = true
	ids := make([]string, 0, len(c.refs))
	for id := range c.refs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.transport.Subscribe(ctx, id); err != nil {
			c.log.Warn().Err(err).Str("entity_id", id).Msg("live_resubscribe_failed")
		}
	}
	c.log.Info().Int("entities", len(ids)).Msg("live channel connected")
	c.bus.Publish(eventbus.SocketConnected, eventbus.SocketStateEvent{})
}

func (c *Channel) onDisconnected(reason string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.log.Info().Str("reason", reason).Msg("live channel disconnected")
	c.bus.Publish(eventbus.SocketDisconnected, eventbus.SocketStateEvent{Reason: reason})
}

func (c *Channel) consume(ctx context.Context, msgs <-chan Message) string {
	for {
		select {
		case <-ctx.Done():
			return "client disconnect"
		case msg, ok := <-msgs:
			if !ok {
				return "transport closed"
			}
			c.dispatch(ctx, msg)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, msg Message) {
	if c.sink == nil {
		return
	}
	switch {
	case msg.Type == TypeUpvote || msg.Type == TypeBookmark:
		var ev domain.CountEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			c.drop(msg, err)
			return
		}
		if ev.ProductID == "" {
			ev.ProductID = msg.EntityID
		}
		if msg.Type == TypeUpvote {
			c.sink.ApplyUpvote(ctx, ev)
		} else {
			c.sink.ApplyBookmark(ctx, ev)
		}

	case msg.Type == TypeViewUpdate:
		var ev domain.ViewEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			c.drop(msg, err)
			return
		}
		if ev.ProductID == "" {
			ev.ProductID = msg.EntityID
		}
		c.sink.ApplyView(ctx, ev)

	case strings.HasPrefix(msg.Type, "product:") && strings.HasSuffix(msg.Type, ":update"):
		field := strings.TrimSuffix(strings.TrimPrefix(msg.Type, "product:"), ":update")
		if field == "" {
			c.drop(msg, nil)
			return
		}
		c.sink.ApplyUpdate(ctx, msg.EntityID, field, msg.Payload)

	default:
		c.drop(msg, nil)
	}
}

func (c *Channel) drop(msg Message, err error) {
	metrics.LiveEventsTotal.WithLabelValues(msg.Type, "unrouted").Inc()
	c.log.Debug().Err(err).Str("type", msg.Type).Str("entity_id", msg.EntityID).Msg("live_event_dropped")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
