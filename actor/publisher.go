package actor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/internal/rabbitmq"
	"github.com/glimte/mmate-actors/observers"
	"github.com/glimte/mmate-actors/serialization"
)

// Publisher sends messages of type M to one actor's queues
type Publisher[M any] struct {
	name       string
	cfg        config.ActorConfig
	names      Names
	conn       rabbitmq.Connection
	opts       options
	compressor serialization.Compressor

	mu       sync.RWMutex
	state    state
	ch       rabbitmq.Channel
	pool     *rabbitmq.ChannelPool
	topology *rabbitmq.TopologyManager
}

// NewPublisher creates a publisher. The configuration is copied; Start
// declares the topology and opens the publish channel.
func NewPublisher[M any](name string, cfg config.ActorConfig, conn rabbitmq.Connection, opts ...Option) (*Publisher[M], error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: publisher %s needs a connection", config.ErrInvalidConfiguration, name)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("publisher %s: %w", name, err)
	}

	compressor, err := serialization.NewCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	o := newOptions(opts)
	names := NewNames(o.namespace, name, cfg)
	o.logger = o.logger.With("component", "publisher", "queue", names.Queue)

	return &Publisher[M]{
		name:       name,
		cfg:        cfg,
		names:      names,
		conn:       conn,
		opts:       o,
		compressor: compressor,
	}, nil
}

// Names returns the broker entity names used by the publisher
func (p *Publisher[M]) Names() Names {
	return p.names
}

// Start declares the actor topology and opens the publish channel
func (p *Publisher[M]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	pool, err := rabbitmq.NewChannelPool(p.conn, rabbitmq.WithMaxSize(1))
	if err != nil {
		return err
	}
	if err := declareTopology(ctx, pool, p.names, p.cfg, p.opts.logger); err != nil {
		pool.Close()
		return err
	}

	ch, err := p.conn.Channel()
	if err != nil {
		pool.Close()
		return &rabbitmq.ChannelError{Op: "open publish channel", Err: err, Timestamp: time.Now()}
	}
	if p.cfg.PublisherConfirms {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			pool.Close()
			return &rabbitmq.ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
		}
	}

	p.ch = ch
	p.pool = pool
	p.topology = rabbitmq.NewTopologyManager(pool, rabbitmq.WithTopologyLogger(p.opts.logger))
	p.state = stateStarted

	p.opts.logger.Info("publisher started",
		"exchange", p.names.Exchange,
		"confirms", p.cfg.PublisherConfirms,
		"compression", p.cfg.Compression,
	)
	return nil
}

// Publish sends msg to the actor queue, or a random shard of it
func (p *Publisher[M]) Publish(ctx context.Context, msg M) error {
	return p.send(ctx, msg, outgoing{
		op:       observers.OperationPublish,
		exchange: p.names.Exchange,
	})
}

// PublishWithHeaders publishes msg carrying extra headers. The standard
// headers are added on top.
func (p *Publisher[M]) PublishWithHeaders(ctx context.Context, msg M, headers amqp.Table) error {
	return p.send(ctx, msg, outgoing{
		op:       observers.OperationPublish,
		exchange: p.names.Exchange,
		headers:  headers,
	})
}

// PublishWithDelay makes msg available to consumers after delay. Plugin
// actors pass the delay in x-delay; TTL actors park the message in the TTL
// queue until it dead-letters back.
func (p *Publisher[M]) PublishWithDelay(ctx context.Context, msg M, delay time.Duration) error {
	if !p.cfg.Delayed {
		p.opts.logger.Warn("publishing delayed message to non-delayed actor", "delayType", p.cfg.DelayType)
	}
	if delay < 0 {
		delay = 0
	}
	ms := delay.Milliseconds()

	if p.cfg.DelayType == config.DelayTTL {
		return p.send(ctx, msg, outgoing{
			op:         observers.OperationPublishWithDelay,
			exchange:   p.names.TTLExchange,
			expiration: strconv.FormatInt(ms, 10),
		})
	}
	return p.send(ctx, msg, outgoing{
		op:       observers.OperationPublishWithDelay,
		exchange: p.names.Exchange,
		headers:  amqp.Table{HeaderDelay: ms},
	})
}

// PublishWithExpiry stamps msg with an expiry. Consumers route messages
// delivered after it to the expired handler; the broker never drops them.
// A non-positive expiry publishes a plain message.
func (p *Publisher[M]) PublishWithExpiry(ctx context.Context, msg M, expiry time.Duration) error {
	out := outgoing{
		op:       observers.OperationPublishWithExpiry,
		exchange: p.names.Exchange,
	}
	if expiry > 0 {
		out.headers = amqp.Table{HeaderExpiresAt: p.opts.clock.Now().Add(expiry).UnixMilli()}
	}
	return p.send(ctx, msg, out)
}

type outgoing struct {
	op         observers.Operation
	exchange   string
	headers    amqp.Table
	expiration string
}

func (p *Publisher[M]) send(ctx context.Context, msg M, out outgoing) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.state {
	case stateCreated:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}

	key := p.routingKey()
	headers := copyHeaders(out.headers)
	headers[HeaderPublishedAt] = p.opts.clock.Now().UnixMilli()
	headers[HeaderSourceID] = p.names.Queue
	if p.compressor != nil {
		headers[HeaderCompressionType] = string(p.compressor.Type())
	}

	pc := observers.PublishContext{
		Operation:  out.op,
		QueueName:  p.names.Queue,
		Exchange:   out.exchange,
		RoutingKey: key,
		Headers:    headers,
	}
	return p.opts.chain.ExecutePublish(ctx, pc, func(ctx context.Context) error {
		body, err := encode(p.opts.serializer, p.compressor, msg)
		if err != nil {
			return err
		}

		p.opts.logger.Debug("publishing", "exchange", out.exchange, "routingKey", key, "operation", out.op)
		return publish(ctx, p.ch, p.cfg.PublisherConfirms, out.exchange, key, amqp.Publishing{
			Headers:      headers,
			ContentType:  p.opts.serializer.ContentType(),
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    p.opts.clock.Now(),
			Expiration:   out.expiration,
			Body:         body,
		})
	})
}

func (p *Publisher[M]) routingKey() string {
	if len(p.names.Shards) == 0 {
		return p.names.Queue
	}
	return p.names.Shards[p.opts.pickShard(len(p.names.Shards))]
}

// PendingMessagesCount returns the number of ready messages over every
// physical queue, or UnknownCount when the broker cannot be asked
func (p *Publisher[M]) PendingMessagesCount(ctx context.Context) int64 {
	var total int64
	for _, q := range p.names.PhysicalQueues() {
		depth := p.depth(ctx, q)
		if depth == UnknownCount {
			return UnknownCount
		}
		total += depth
	}
	return total
}

// PendingSidelineMessagesCount returns the depth of the sideline queue, or
// UnknownCount when the broker cannot be asked
func (p *Publisher[M]) PendingSidelineMessagesCount(ctx context.Context) int64 {
	return p.depth(ctx, p.names.SidelineQueue)
}

func (p *Publisher[M]) depth(ctx context.Context, queue string) int64 {
	p.mu.RLock()
	tm := p.topology
	p.mu.RUnlock()

	if tm == nil {
		p.opts.logger.Error("issue getting message count, publisher not running", "target", queue)
		return UnknownCount
	}
	depth, err := tm.QueueDepth(ctx, queue)
	if err != nil {
		p.opts.logger.Error("issue getting message count", "target", queue, "error", err)
		return UnknownCount
	}
	return int64(depth)
}

// Stop closes the publish channel. Calling it again only logs.
func (p *Publisher[M]) Stop() error {
	return p.close(stateStopped)
}

// abort undoes Start. The channels are closed and the publisher can be
// started again.
func (p *Publisher[M]) abort() error {
	return p.close(stateCreated)
}

func (p *Publisher[M]) close(next state) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateStarted {
		p.opts.logger.Warn("publisher channel already closed", "state", p.state)
		return nil
	}
	p.state = next

	var err error
	if !p.ch.IsClosed() {
		err = p.ch.Close()
	}
	p.pool.Close()
	p.ch = nil
	p.pool = nil
	p.topology = nil

	if err != nil {
		p.opts.logger.Error("error closing publisher channel", "error", err)
		return err
	}
	p.opts.logger.Info("publisher channel closed")
	return nil
}

func encode(s serialization.Serializer, c serialization.Compressor, msg any) ([]byte, error) {
	body, err := s.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return body, nil
	}
	return c.Compress(body)
}

// publish sends one message on ch. With confirms enabled it waits for the
// broker ack.
func publish(ctx context.Context, ch rabbitmq.Channel, confirms bool, exchange, key string, msg amqp.Publishing) error {
	if !confirms {
		if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
			return publishError(exchange, key, err)
		}
		return nil
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return publishError(exchange, key, err)
	}
	if dc == nil {
		return nil
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return publishError(exchange, key, err)
	}
	if !acked {
		return publishError(exchange, key, rabbitmq.ErrPublishNotConfirmed)
	}
	return nil
}

func publishError(exchange, key string, err error) error {
	return &rabbitmq.PublishError{
		Exchange:   exchange,
		RoutingKey: key,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
