package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/internal/rabbitmq"
	"github.com/glimte/mmate-actors/observers"
	"github.com/glimte/mmate-actors/retry"
	"github.com/glimte/mmate-actors/serialization"
)

// Handler processes one message. Returning true acknowledges it; false
// sidelines it. An error is retried or sidelined depending on the
// classifier and the retry strategy.
type Handler[M any] func(ctx context.Context, msg M, meta MessageMetadata) (bool, error)

const (
	resubscribeInitialWait = time.Second
	resubscribeMaxWait     = 30 * time.Second
)

// Consumer runs Concurrency workers on every physical queue of an actor.
// Each worker owns one channel.
type Consumer[M any] struct {
	name          string
	cfg           config.ActorConfig
	names         Names
	conn          rabbitmq.Connection
	opts          options
	handler       Handler[M]
	expired       Handler[M]
	strategy      retry.Strategy
	decompressors *serialization.Decompressors

	mu         sync.Mutex
	state      state
	workers    []*worker
	pool       *rabbitmq.ChannelPool
	handlerCtx context.Context
	stopCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

type worker struct {
	queue string

	mu  sync.Mutex
	ch  rabbitmq.Channel
	tag string
}

func (w *worker) current() (rabbitmq.Channel, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch, w.tag
}

func (w *worker) set(ch rabbitmq.Channel, tag string) {
	w.mu.Lock()
	w.ch, w.tag = ch, tag
	w.mu.Unlock()
}

// NewConsumer creates a consumer. expired handles messages delivered after
// their expires-at header; when nil they are acknowledged and dropped.
func NewConsumer[M any](name string, cfg config.ActorConfig, conn rabbitmq.Connection, handler, expired Handler[M], opts ...Option) (*Consumer[M], error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: consumer %s needs a connection", config.ErrInvalidConfiguration, name)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consumer %s: %w", name, err)
	}

	strategy, err := retry.NewStrategy(cfg.Retry)
	if err != nil {
		return nil, err
	}
	decompressors, err := serialization.NewDecompressors()
	if err != nil {
		return nil, err
	}

	o := newOptions(opts)
	names := NewNames(o.namespace, name, cfg)
	o.logger = o.logger.With("component", "consumer", "queue", names.Queue)

	c := &Consumer[M]{
		name:          name,
		cfg:           cfg,
		names:         names,
		conn:          conn,
		opts:          o,
		handler:       handler,
		expired:       expired,
		strategy:      strategy,
		decompressors: decompressors,
	}
	if c.expired == nil {
		c.expired = func(ctx context.Context, _ M, meta MessageMetadata) (bool, error) {
			c.opts.logger.Info("dropping expired message",
				"messageId", meta.MessageID,
				"expiresAt", meta.ExpiresAt,
				"delayInMs", meta.DelayInMs,
			)
			return true, nil
		}
	}
	return c, nil
}

// Names returns the broker entity names used by the consumer
func (c *Consumer[M]) Names() Names {
	return c.names
}

// Running reports whether the consumer is between Start and Stop
func (c *Consumer[M]) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateStarted
}

// Start declares the topology and subscribes every worker. On failure all
// channels opened so far are closed and Start may be called again.
func (c *Consumer[M]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	pool, err := rabbitmq.NewChannelPool(c.conn, rabbitmq.WithMaxSize(1))
	if err != nil {
		return err
	}
	if err := declareTopology(ctx, pool, c.names, c.cfg, c.opts.logger); err != nil {
		pool.Close()
		return err
	}

	var (
		workers []*worker
		streams []<-chan amqp.Delivery
	)
	for _, queue := range c.names.PhysicalQueues() {
		for i := 0; i < c.cfg.Concurrency; i++ {
			w := &worker{queue: queue}
			deliveries, err := c.subscribe(w)
			if err != nil {
				for _, opened := range workers {
					ch, _ := opened.current()
					ch.Close()
				}
				pool.Close()
				c.opts.logger.Error("consumer start failed", "shard", queue, "error", err)
				return err
			}
			workers = append(workers, w)
			streams = append(streams, deliveries)
		}
	}

	c.pool = pool
	c.workers = workers
	c.handlerCtx = context.WithoutCancel(ctx)
	c.stopCtx, c.stop = context.WithCancel(context.Background())
	c.state = stateStarted

	for i, w := range workers {
		c.wg.Add(1)
		go c.consume(w, streams[i])
	}

	c.opts.logger.Info("consumer started",
		"workers", len(workers),
		"prefetchCount", c.cfg.PrefetchCount,
		"retry", c.cfg.Retry.Type,
	)
	return nil
}

func (c *Consumer[M]) subscribe(w *worker) (<-chan amqp.Delivery, error) {
	consumerErr := func(op, tag string, err error) error {
		return &rabbitmq.ConsumerError{
			Queue:       w.queue,
			ConsumerTag: tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, consumerErr("open channel", "", err)
	}
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, consumerErr("qos", "", err)
	}
	if c.cfg.PublisherConfirms {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, consumerErr("confirm", "", err)
		}
	}

	tag := fmt.Sprintf("%s-%s", w.queue, uuid.NewString())
	deliveries, err := ch.Consume(w.queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, consumerErr("consume", tag, err)
	}
	w.set(ch, tag)

	c.opts.logger.Debug("worker subscribed", "shard", w.queue, "consumerTag", tag)
	return deliveries, nil
}

func (c *Consumer[M]) consume(w *worker, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCtx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if c.stopCtx.Err() != nil {
					return
				}
				next, err := c.resubscribe(w)
				if err != nil {
					if c.stopCtx.Err() == nil {
						c.opts.logger.Error("worker gave up resubscribing", "shard", w.queue, "error", err)
					}
					return
				}
				deliveries = next
				continue
			}
			c.process(w, d)
		}
	}
}

// resubscribe replaces a worker whose delivery stream ended without Stop,
// typically after a channel or connection failure
func (c *Consumer[M]) resubscribe(w *worker) (<-chan amqp.Delivery, error) {
	if ch, _ := w.current(); ch != nil && !ch.IsClosed() {
		ch.Close()
	}
	c.opts.logger.Warn("delivery stream closed, resubscribing", "shard", w.queue)

	var deliveries <-chan amqp.Delivery
	backoff := retry.NewExponentialBackoff(math.MaxInt32, resubscribeInitialWait, 2, resubscribeMaxWait)
	err := retry.Do(c.stopCtx, backoff, nil, func(attempt int) error {
		d, err := c.subscribe(w)
		if err != nil {
			c.opts.logger.Warn("resubscribe failed", "shard", w.queue, "attempt", attempt, "error", err)
			return err
		}
		deliveries = d
		return nil
	})
	return deliveries, err
}

func (c *Consumer[M]) process(w *worker, d amqp.Delivery) {
	logger := c.opts.logger.With("shard", w.queue, "messageId", d.MessageId, "deliveryTag", d.DeliveryTag)
	if c.stopCtx.Err() != nil {
		c.requeue(d, logger)
		return
	}

	now := c.opts.clock.Now()
	meta := newMetadata(d, w.queue, now)
	logger = logger.With("attempt", meta.Attempt)

	cc := observers.ConsumeContext{
		Operation:   observers.OperationConsume,
		QueueName:   c.names.Queue,
		Headers:     d.Headers,
		Redelivered: d.Redelivered,
		Attempt:     meta.Attempt,
	}

	var (
		handled  bool
		err      error
		stopping bool
	)
	runErr := c.opts.executor.Run(c.handlerCtx, func(ctx context.Context) {
		// a slot can free up after Stop began
		if c.stopCtx.Err() != nil {
			stopping = true
			return
		}
		handled, err = c.opts.chain.ExecuteConsume(ctx, cc, func(ctx context.Context) (bool, error) {
			return c.dispatch(ctx, d, meta, now)
		})
	})
	if runErr != nil {
		logger.Warn("handler not scheduled", "error", runErr)
		c.requeue(d, logger)
		return
	}
	if stopping {
		logger.Debug("consumer stopping, requeueing")
		c.requeue(d, logger)
		return
	}
	c.settle(w, d, meta, handled, err, logger)
}

func (c *Consumer[M]) dispatch(ctx context.Context, d amqp.Delivery, meta MessageMetadata, now time.Time) (handled bool, err error) {
	decoded := false
	defer func() {
		if r := recover(); r != nil {
			handled, err = false, &PanicError{Value: r}
			if !decoded {
				err = &serialization.DecodeError{Op: "decode", Err: err}
			}
		}
	}()

	msg, err := c.decode(d)
	if err != nil {
		return false, err
	}
	decoded = true

	handler := c.handler
	if meta.Expired(now) {
		handler = c.expired
	}
	return handler(ctx, msg, meta)
}

// decode reports every failure as a *serialization.DecodeError, whatever
// serializer produced it
func (c *Consumer[M]) decode(d amqp.Delivery) (M, error) {
	var msg M
	body, err := c.decompressors.Decompress(headerString(d.Headers, HeaderCompressionType), d.Body)
	if err != nil {
		return msg, decodeError("decompress", err)
	}
	if err := c.opts.serializer.Unmarshal(body, &msg); err != nil {
		return msg, decodeError("unmarshal", err)
	}
	return msg, nil
}

func decodeError(op string, err error) error {
	var decodeErr *serialization.DecodeError
	if errors.As(err, &decodeErr) {
		return err
	}
	return &serialization.DecodeError{Op: op, Err: err}
}

func (c *Consumer[M]) settle(w *worker, d amqp.Delivery, meta MessageMetadata, handled bool, err error, logger *slog.Logger) {
	switch {
	case err == nil && handled:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("failed to ack message", "error", ackErr)
		}
	case err == nil:
		logger.Warn("handler did not accept message")
		c.reject(d, logger)
	case c.terminal(err):
		logger.Error("message failed permanently", "error", err)
		c.reject(d, logger)
	case !c.strategy.ShouldRetry(meta.Attempt):
		logger.Error("retries exhausted", "error", err, "maxAttempts", c.strategy.MaxAttempts())
		c.reject(d, logger)
	default:
		c.retry(w, d, meta, err, logger)
	}
}

func (c *Consumer[M]) terminal(err error) bool {
	var decodeErr *serialization.DecodeError
	if errors.As(err, &decodeErr) {
		return true
	}
	return c.opts.classifier.Classify(err) == retry.Terminal
}

// retry waits, republishes a copy to the tail of the same physical queue and
// acknowledges the original. The copy keeps published-at so delay keeps
// growing across attempts.
func (c *Consumer[M]) retry(w *worker, d amqp.Delivery, meta MessageMetadata, cause error, logger *slog.Logger) {
	wait := c.strategy.WaitBefore(meta.Attempt)
	logger.Warn("message failed, retrying", "error", cause, "wait", wait)

	if err := c.sleep(wait); err != nil {
		logger.Info("retry wait interrupted, requeueing")
		c.requeue(d, logger)
		return
	}

	headers := copyHeaders(d.Headers)
	headers[HeaderRetryCount] = int64(meta.Attempt)
	delete(headers, HeaderDelay)
	delete(headers, headerDeliveryCount)

	ch, _ := w.current()
	err := publish(c.handlerCtx, ch, c.cfg.PublisherConfirms, c.names.Exchange, w.queue, amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	})
	if err != nil {
		logger.Error("failed to republish for retry, requeueing", "error", err)
		c.requeue(d, logger)
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack retried message", "error", err)
	}
}

func (c *Consumer[M]) sleep(d time.Duration) error {
	if d <= 0 {
		return c.stopCtx.Err()
	}
	timer := c.opts.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-c.stopCtx.Done():
		return c.stopCtx.Err()
	}
}

// reject sidelines a message, or drops it when the actor is configured to
func (c *Consumer[M]) reject(d amqp.Delivery, logger *slog.Logger) {
	if c.cfg.ExceptionHandler.Type == config.ExceptionDrop {
		logger.Warn("dropping failed message")
		if err := d.Ack(false); err != nil {
			logger.Error("failed to ack dropped message", "error", err)
		}
		return
	}
	if err := d.Nack(false, false); err != nil {
		logger.Error("failed to sideline message", "error", err)
	}
}

func (c *Consumer[M]) requeue(d amqp.Delivery, logger *slog.Logger) {
	if err := d.Nack(false, true); err != nil {
		logger.Error("failed to requeue message", "error", err)
	}
}

// Stop cancels every subscription, lets in-flight handlers finish and closes
// the worker channels. Stopping a consumer that is not running only logs.
func (c *Consumer[M]) Stop() error {
	return c.halt(stateStopped)
}

// abort shuts the workers down like Stop but leaves the consumer ready to
// start again
func (c *Consumer[M]) abort() error {
	return c.halt(stateCreated)
}

func (c *Consumer[M]) halt(next state) error {
	c.mu.Lock()
	if c.state != stateStarted {
		c.mu.Unlock()
		c.opts.logger.Warn("consumer not running, nothing to stop")
		return nil
	}
	c.state = stateStopped
	workers := c.workers
	c.mu.Unlock()

	c.stop()

	var errs error
	for _, w := range workers {
		ch, tag := w.current()
		if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", tag, err))
		}
	}

	c.wg.Wait()

	for _, w := range workers {
		ch, _ := w.current()
		if ch.IsClosed() {
			continue
		}
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close channel for %s: %w", w.queue, err))
		}
	}
	errs = multierr.Append(errs, c.pool.Close())

	if next != stateStopped {
		c.mu.Lock()
		c.state = next
		c.workers = nil
		c.mu.Unlock()
	}

	if errs != nil {
		c.opts.logger.Error("consumer stopped with errors", "error", errs)
		return errs
	}
	c.opts.logger.Info("consumer stopped", "workers", len(workers))
	return nil
}
