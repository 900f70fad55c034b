package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) ApplyUpvote(ctx context.Context, ev domain.CountEvent) {
	m.Called(ev)
}

func (m *mockSink) ApplyBookmark(ctx context.Context, ev domain.CountEvent) {
	m.Called(ev)
}

func (m *mockSink) ApplyView(ctx context.Context, ev domain.ViewEvent) {
	m.Called(ev)
}

func (m *mockSink) ApplyUpdate(ctx context.Context, productID, field string, payload json.RawMessage) {
	m.Called(productID, field, string(payload))
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type topicLog struct {
	mu     sync.Mutex
	topics []eventbus.Topic
}

func watchSocket(bus *eventbus.Bus) *topicLog {
	l := &topicLog{}
	for _, tp := range []eventbus.Topic{eventbus.SocketConnected, eventbus.SocketDisconnected} {
		tp := tp
		bus.Subscribe(tp, func(any) {
			l.mu.Lock()
			l.topics = append(l.topics, tp)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *topicLog) get() []eventbus.Topic {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]eventbus.Topic(nil), l.topics...)
}

func TestChannel_RefCounting(t *testing.T) {
	tr := NewMemoryTransport()
	c := New(tr, eventbus.New(), nil, WithSleep(noSleep))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect() })
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SubscribeEntity(ctx, "P"))
	require.NoError(t, c.SubscribeEntity(ctx, "P"))
	assert.Equal(t, 2, c.RefCount("P"))
	assert.Equal(t, []string{"P"}, tr.Subscriptions())

	require.NoError(t, c.UnsubscribeEntity(ctx, "P"))
	assert.Equal(t, []string{"P"}, tr.Subscriptions(), "still referenced")

	require.NoError(t, c.UnsubscribeEntity(ctx, "P"))
	assert.Empty(t, tr.Subscriptions())
	assert.Equal(t, 0, c.RefCount("P"))

	require.NoError(t, c.UnsubscribeEntity(ctx, "P"), "extra release is a no-op")
}

func TestChannel_ResubscribesAfterReconnect(t *testing.T) {
	tr := NewMemoryTransport()
	bus := eventbus.New()
	socket := watchSocket(bus)
	c := New(tr, bus, nil, WithSleep(noSleep))
	ctx := context.Background()

	// references taken before the first connection are subscribed on connect
	require.NoError(t, c.SubscribeEntity(ctx, "A"))
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect() })
	require.Eventually(t, func() bool { return len(tr.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.SubscribeEntity(ctx, "B"))

	tr.Drop()
	require.Eventually(t, func() bool { return tr.Connects() == 2 && len(tr.Subscriptions()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, tr.Subscriptions())

	require.Eventually(t, func() bool { return len(socket.get()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []eventbus.Topic{eventbus.SocketConnected, eventbus.SocketDisconnected, eventbus.SocketConnected}, socket.get())
}

func TestChannel_ConnectFailureRetries(t *testing.T) {
	tr := NewMemoryTransport()
	tr.ConnectErr = errors.New("broker down")
	c := New(tr, eventbus.New(), nil, WithSleep(func(ctx context.Context, d time.Duration) error {
		time.Sleep(time.Millisecond)
		return ctx.Err()
	}))

	err := c.Connect(context.Background())
	assert.Error(t, err)
	assert.False(t, c.Connected())

	tr.mu.Lock()
	tr.ConnectErr = nil
	tr.mu.Unlock()
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())
}

func TestChannel_DispatchesToSink(t *testing.T) {
	tr := NewMemoryTransport()
	sink := &mockSink{}
	var wg sync.WaitGroup
	wg.Add(4)
	done := func(mock.Arguments) { wg.Done() }

	sink.On("ApplyUpvote", domain.CountEvent{ProductID: "P", Count: 10, Action: "add", UserID: "U"}).Run(done).Once()
	sink.On("ApplyBookmark", domain.CountEvent{ProductID: "P", Count: 2, Action: "remove"}).Run(done).Once()
	sink.On("ApplyView", mock.MatchedBy(func(ev domain.ViewEvent) bool {
		return ev.ProductID == "P" && ev.ViewCount != nil && *ev.ViewCount == 41
	})).Run(done).Once()
	sink.On("ApplyUpdate", "P", "name", `{"name":"Rocket 2"}`).Run(done).Once()

	c := New(tr, eventbus.New(), sink, WithSleep(noSleep))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect() })
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, c.SubscribeEntity(ctx, "P"))

	assert.True(t, tr.Emit(Message{Type: TypeUpvote, EntityID: "P", Payload: json.RawMessage(`{"productId":"P","count":10,"action":"add","userId":"U"}`)}))
	assert.True(t, tr.Emit(Message{Type: TypeBookmark, EntityID: "P", Payload: json.RawMessage(`{"count":2,"action":"remove"}`)}))
	assert.True(t, tr.Emit(Message{Type: TypeViewUpdate, EntityID: "P", Payload: json.RawMessage(`{"viewCount":41}`)}))
	assert.True(t, tr.Emit(Message{Type: "product:unknown", EntityID: "P", Payload: json.RawMessage(`{}`)}))
	assert.True(t, tr.Emit(Message{Type: TypeUpvote, EntityID: "P", Payload: json.RawMessage(`not json`)}))
	assert.True(t, tr.Emit(Message{Type: "product:name:update", EntityID: "P", Payload: json.RawMessage(`{"name":"Rocket 2"}`)}))
	assert.False(t, tr.Emit(Message{Type: TypeUpvote, EntityID: "Q", Payload: json.RawMessage(`{}`)}), "not subscribed")

	waitGroup(t, &wg)
	sink.AssertExpectations(t)
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink calls")
	}
}

func TestDecodeDelivery(t *testing.T) {
	msg, err := DecodeDelivery("product.64b7f0c2a1b2c3d4e5f60718.upvote", "", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, TypeUpvote, msg.Type)
	assert.Equal(t, "64b7f0c2a1b2c3d4e5f60718", msg.EntityID)

	msg, err = DecodeDelivery("product.P.view.update", "", nil)
	require.NoError(t, err)
	assert.Equal(t, TypeViewUpdate, msg.Type)

	msg, err = DecodeDelivery("product.P.anything", "product:tagline:update", nil)
	require.NoError(t, err)
	assert.Equal(t, "product:tagline:update", msg.Type)

	for _, bad := range []string{"", "product", "product.P", "user.P.upvote", "product..upvote"} {
		_, err := DecodeDelivery(bad, "", nil)
		assert.Error(t, err, bad)
	}
}

func TestBindingKey(t *testing.T) {
	assert.Equal(t, "product.P.#", bindingKey("P"))
}
