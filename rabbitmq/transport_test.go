package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oagudo/crunch"
)

var someInfo = crunch.EventInfo{Domain: "some-domain", EntityType: "some-entity", EventName: "some-event"}

// fakeBroker routes published messages to bound queues by exact routing key.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	bindings  map[string][]chan amqp.Delivery // routing key -> queues
	queues    map[string]chan amqp.Delivery
	channels  []*fakeChannel

	channelErr error
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		bindings:  make(map[string][]chan amqp.Delivery),
		queues:    make(map[string]chan amqp.Delivery),
	}
}

func (b *fakeBroker) Channel() (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channelErr != nil {
		return nil, b.channelErr
	}
	ch := &fakeChannel{broker: b}
	b.channels = append(b.channels, ch)
	return ch, nil
}

type fakeChannel struct {
	broker *fakeBroker
	owned  []string
	notify []chan *amqp.Error
	closed bool
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

// serverClose closes the channel the way the broker does on a channel error.
func (c *fakeChannel) serverClose(reason *amqp.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closed = true
	for _, n := range c.notify {
		n <- reason
		close(n)
	}
	c.notify = nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(_ string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	name := fmt.Sprintf("amq.gen-%d", len(c.broker.queues))
	c.broker.queues[name] = make(chan amqp.Delivery, 16)
	c.owned = append(c.owned, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if _, ok := c.broker.exchanges[exchange]; !ok {
		return errors.New("no exchange " + exchange)
	}
	c.broker.bindings[key] = append(c.broker.bindings[key], c.broker.queues[name])
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.broker.publishErr != nil {
		return c.broker.publishErr
	}
	for _, q := range c.broker.bindings[key] {
		q <- amqp.Delivery{RoutingKey: key, Type: msg.Type, Body: msg.Body}
	}
	return nil
}

func (c *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.broker.queues[queue], nil
}

func (c *fakeChannel) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, n := range c.notify {
		close(n)
	}
	c.notify = nil
	for _, name := range c.owned {
		q := c.broker.queues[name]
		for key, qs := range c.broker.bindings {
			kept := qs[:0]
			for _, bound := range qs {
				if bound != q {
					kept = append(kept, bound)
				}
			}
			c.broker.bindings[key] = kept
		}
		delete(c.broker.queues, name)
		close(q)
	}
	return nil
}

func TestNewTransportDeclaresExchange(t *testing.T) {
	b := newFakeBroker()

	tr, err := NewTransportWithConnection(b, WithExchange("events"))
	require.NoError(t, err)

	assert.Equal(t, amqp.ExchangeTopic, b.exchanges["events"])

	require.NoError(t, tr.Close())
	assert.True(t, b.channels[0].closed)
}

func TestNewTransportChannelError(t *testing.T) {
	b := newFakeBroker()
	b.channelErr = amqp.ErrClosed

	_, err := NewTransportWithConnection(b)
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestFanOutToEverySubscriber(t *testing.T) {
	ctx := context.Background()
	tr, err := NewTransportWithConnection(newFakeBroker())
	require.NoError(t, err)

	a, err := tr.Subscriber(ctx, someInfo)
	require.NoError(t, err)
	defer a.Close()
	b, err := tr.Subscriber(ctx, someInfo)
	require.NoError(t, err)
	defer b.Close()

	other := crunch.EventInfo{Domain: "other", EntityType: "thing", EventName: "happened"}
	require.NoError(t, tr.Publish(ctx, other, []byte("not for you")))
	require.NoError(t, tr.Publish(ctx, someInfo, []byte("hello")))

	for _, s := range []crunch.Stream{a, b} {
		got, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	}
}

func TestClosedStreamRemovesQueue(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	tr, err := NewTransportWithConnection(broker)
	require.NoError(t, err)

	s, err := tr.Subscriber(ctx, someInfo)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, crunch.ErrStreamClosed)

	assert.Empty(t, broker.queues)
	require.NoError(t, tr.Publish(ctx, someInfo, []byte("nobody listens")))
}

func TestNextHonoursContext(t *testing.T) {
	tr, err := NewTransportWithConnection(newFakeBroker())
	require.NoError(t, err)

	s, err := tr.Subscriber(context.Background(), someInfo)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	broker := newFakeBroker()
	tr, err := NewTransportWithConnection(broker)
	require.NoError(t, err)

	var terr *crunch.TransportError

	broker.publishErr = amqp.ErrClosed
	err = tr.Publish(ctx, someInfo, []byte("x"))
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, someInfo.Topic(), terr.Topic)
	assert.ErrorIs(t, err, amqp.ErrClosed)

	broker.channelErr = amqp.ErrClosed
	_, err = tr.Subscriber(ctx, someInfo)
	require.ErrorAs(t, err, &terr)
}

func TestPublishReopensChannelClosedByBroker(t *testing.T) {
	ctx := context.Background()
	b := newFakeBroker()
	tr, err := NewTransportWithConnection(b)
	require.NoError(t, err)

	s, err := tr.Subscriber(ctx, someInfo)
	require.NoError(t, err)
	defer s.Close()

	b.channels[0].serverClose(&amqp.Error{Code: amqp.ChannelError, Reason: "precondition failed"})

	require.NoError(t, tr.Publish(ctx, someInfo, []byte("after reopen")))

	got, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after reopen", string(got))
	assert.Len(t, b.channels, 3)

	require.NoError(t, tr.Close())
	err = tr.Publish(ctx, someInfo, []byte("x"))
	assert.ErrorIs(t, err, amqp.ErrClosed)
}
