// Package rabbitmqtest provides in-memory stand-ins for broker connections
// and channels.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-actors/internal/rabbitmq"
)

// Call is one recorded broker operation
type Call struct {
	Method   string
	Name     string
	Kind     string
	Exchange string
	Key      string
	Args     amqp.Table
}

// Published is one recorded publish
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Connection is a fake rabbitmq.Connection. Every channel it opens records
// into the same shared log so tests can assert on global ordering.
type Connection struct {
	name string

	mu         sync.Mutex
	calls      []Call
	published  []Published
	depths     map[string]int
	failures   map[string]error
	channels   []*Channel
	channelErr error
	connected  bool
	closed     bool
	onPublish  func(Published)
}

var _ rabbitmq.Connection = (*Connection)(nil)

// NewConnection creates a connected fake
func NewConnection(name string) *Connection {
	return &Connection{
		name:      name,
		depths:    make(map[string]int),
		failures:  make(map[string]error),
		connected: true,
	}
}

// Name implements rabbitmq.Connection
func (c *Connection) Name() string { return c.name }

// IsConnected implements rabbitmq.Connection
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// SetConnected flips the reported connection state
func (c *Connection) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// Close implements rabbitmq.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channel implements rabbitmq.ChannelOpener
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := &Channel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// FailChannels makes every following Channel call fail with err; nil clears it
func (c *Connection) FailChannels(err error) {
	c.mu.Lock()
	c.channelErr = err
	c.mu.Unlock()
}

// FailOn makes method fail with err. name narrows it to one entity; empty
// matches every entity.
func (c *Connection) FailOn(method, name string, err error) {
	c.mu.Lock()
	c.failures[method+":"+name] = err
	c.mu.Unlock()
}

// SetDepth sets the message count returned by passive declares
func (c *Connection) SetDepth(queue string, depth int) {
	c.mu.Lock()
	c.depths[queue] = depth
	c.mu.Unlock()
}

// OnPublish registers a hook run after every recorded publish
func (c *Connection) OnPublish(fn func(Published)) {
	c.mu.Lock()
	c.onPublish = fn
	c.mu.Unlock()
}

// Calls returns a copy of the recorded operations
func (c *Connection) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsOf returns the recorded operations of one method
func (c *Connection) CallsOf(method string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Published returns a copy of the recorded publishes
func (c *Connection) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Channels returns every channel opened so far
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// ConsumingChannels returns the channels that called Consume, in order
func (c *Connection) ConsumingChannels() []*Channel {
	var out []*Channel
	for _, ch := range c.Channels() {
		if ch.ConsumerTag() != "" {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Connection) record(call Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, call)
	if err, ok := c.failures[call.Method+":"+call.Name]; ok {
		return err
	}
	if err, ok := c.failures[call.Method+":"]; ok {
		return err
	}
	return nil
}

// Channel is a fake rabbitmq.Channel
type Channel struct {
	conn *Connection

	mu          sync.Mutex
	closed      bool
	consumerTag string
	queue       string
	prefetch    int
	confirm     bool
	deliveries  chan amqp.Delivery
}

var _ rabbitmq.Channel = (*Channel)(nil)

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	return ch.fail(ch.conn.record(Call{Method: "ExchangeDeclare", Name: name, Kind: kind, Args: args}))
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := ch.fail(ch.conn.record(Call{Method: "QueueDeclare", Name: name, Args: args})); err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive implements rabbitmq.Channel. Like the broker, a
// failure closes the channel.
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := ch.conn.record(Call{Method: "QueueDeclarePassive", Name: name}); err != nil {
		ch.Close()
		return amqp.Queue{}, err
	}

	ch.conn.mu.Lock()
	depth := ch.conn.depths[name]
	ch.conn.mu.Unlock()
	return amqp.Queue{Name: name, Messages: depth}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	return ch.fail(ch.conn.record(Call{Method: "QueueBind", Name: name, Key: key, Exchange: exchange, Args: args}))
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.conn.record(Call{Method: "Publish", Name: exchange, Exchange: exchange, Key: key}); err != nil {
		return err
	}

	p := Published{Exchange: exchange, Key: key, Msg: msg}
	ch.conn.mu.Lock()
	ch.conn.published = append(ch.conn.published, p)
	hook := ch.conn.onPublish
	ch.conn.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

// PublishWithDeferredConfirmWithContext implements rabbitmq.Channel. The fake
// broker confirms synchronously, so no deferred confirmation is returned.
func (ch *Channel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return nil, ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(noWait bool) error {
	if err := ch.conn.record(Call{Method: "Confirm"}); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.confirm = true
	ch.mu.Unlock()
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.conn.record(Call{Method: "Qos"}); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.prefetch = prefetchCount
	ch.mu.Unlock()
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	if err := ch.conn.record(Call{Method: "Consume", Name: queue, Key: consumer}); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.consumerTag = consumer
	ch.queue = queue
	ch.deliveries = make(chan amqp.Delivery, 64)
	return ch.deliveries, nil
}

// Cancel implements rabbitmq.Channel; the delivery stream ends like it does
// after basic.cancel-ok
func (ch *Channel) Cancel(consumer string, noWait bool) error {
	if err := ch.conn.record(Call{Method: "Cancel", Key: consumer}); err != nil {
		return err
	}
	ch.closeDeliveries()
	return nil
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.closeDeliveries()
	ch.conn.record(Call{Method: "Close"})
	return nil
}

func (ch *Channel) closeDeliveries() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.deliveries != nil {
		close(ch.deliveries)
		ch.deliveries = nil
	}
}

// fail closes the channel when the broker would have: any declare error
// is a channel-level exception.
func (ch *Channel) fail(err error) error {
	if err != nil {
		ch.Close()
	}
	return err
}

// Deliver pushes a delivery to the channel's consumer. It reports false when
// nothing is consuming.
func (ch *Channel) Deliver(d amqp.Delivery) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.deliveries == nil {
		return false
	}
	if d.ConsumerTag == "" {
		d.ConsumerTag = ch.consumerTag
	}
	ch.deliveries <- d
	return true
}

// ConsumerTag returns the tag passed to Consume
func (ch *Channel) ConsumerTag() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.consumerTag
}

// Queue returns the queue passed to Consume
func (ch *Channel) Queue() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.queue
}

// Prefetch returns the prefetch count set through Qos
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// ErrBroker is a stand-in broker failure for tests
var ErrBroker = errors.New("rabbitmqtest: broker failure")
