package actor

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/internal/rabbitmq"
	"github.com/glimte/mmate-actors/registry"
)

// Actor pairs the publisher and consumer of one actor configuration. An actor
// built without a handler only publishes.
type Actor[M any] struct {
	name      string
	publisher *Publisher[M]
	consumer  *Consumer[M]
	logger    *slog.Logger
}

// NewActor builds an actor on explicit producer and consumer connections
func NewActor[M any](name string, cfg config.ActorConfig, producer, consumer rabbitmq.Connection, handler, expired Handler[M], opts ...Option) (*Actor[M], error) {
	publisher, err := NewPublisher[M](name, cfg, producer, opts...)
	if err != nil {
		return nil, err
	}

	a := &Actor[M]{
		name:      name,
		publisher: publisher,
		logger:    publisher.opts.logger.With("component", "actor"),
	}
	if handler != nil {
		a.consumer, err = NewConsumer(name, cfg, consumer, handler, expired, opts...)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// FromRegistry builds an actor on the connections the registry assigns to
// cfg. Handlers run on the consumer connection's worker pool.
func FromRegistry[M any](ctx context.Context, reg *registry.Registry, name string, cfg config.ActorConfig, handler, expired Handler[M], opts ...Option) (*Actor[M], error) {
	producer, err := reg.ForActor(ctx, cfg, registry.RoleProducer)
	if err != nil {
		return nil, err
	}
	consumer, err := reg.ForActor(ctx, cfg, registry.RoleConsumer)
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithExecutor(consumer.Pool)}, opts...)
	return NewActor(name, cfg, producer.Conn, consumer.Conn, handler, expired, opts...)
}

// Name returns the actor name
func (a *Actor[M]) Name() string {
	return a.name
}

// Names returns the broker entity names of the actor
func (a *Actor[M]) Names() Names {
	return a.publisher.Names()
}

// Publisher returns the publish side
func (a *Actor[M]) Publisher() *Publisher[M] {
	return a.publisher
}

// Consumer returns the consume side, nil for publish-only actors
func (a *Actor[M]) Consumer() *Consumer[M] {
	return a.consumer
}

// Start starts the publisher, then the consumer. When the consumer fails the
// publisher is rolled back and Start may be called again.
func (a *Actor[M]) Start(ctx context.Context) error {
	if err := a.publisher.Start(ctx); err != nil {
		return err
	}
	if a.consumer == nil {
		return nil
	}
	if err := a.consumer.Start(ctx); err != nil {
		return multierr.Append(err, a.publisher.abort())
	}
	return nil
}

// Abort undoes a successful Start: every channel is closed but, unlike Stop,
// the actor can be started again
func (a *Actor[M]) Abort() error {
	var err error
	if a.consumer != nil {
		err = multierr.Append(err, a.consumer.abort())
	}
	return multierr.Append(err, a.publisher.abort())
}

// Stop stops the consumer before the publisher so retries in flight can
// still be republished
func (a *Actor[M]) Stop() error {
	var err error
	if a.consumer != nil {
		err = multierr.Append(err, a.consumer.Stop())
	}
	err = multierr.Append(err, a.publisher.Stop())
	if err != nil {
		a.logger.Error("actor stopped with errors", "error", err)
	}
	return err
}

// Publish sends a message
func (a *Actor[M]) Publish(ctx context.Context, msg M) error {
	return a.publisher.Publish(ctx, msg)
}

// PublishWithHeaders sends a message with extra headers
func (a *Actor[M]) PublishWithHeaders(ctx context.Context, msg M, headers amqp.Table) error {
	return a.publisher.PublishWithHeaders(ctx, msg, headers)
}

// PublishWithDelay sends a message that becomes visible after delay
func (a *Actor[M]) PublishWithDelay(ctx context.Context, msg M, delay time.Duration) error {
	return a.publisher.PublishWithDelay(ctx, msg, delay)
}

// PublishWithExpiry sends a message that expires after expiry
func (a *Actor[M]) PublishWithExpiry(ctx context.Context, msg M, expiry time.Duration) error {
	return a.publisher.PublishWithExpiry(ctx, msg, expiry)
}

// PendingMessagesCount returns the backlog or UnknownCount
func (a *Actor[M]) PendingMessagesCount(ctx context.Context) int64 {
	return a.publisher.PendingMessagesCount(ctx)
}

// PendingSidelineMessagesCount returns the sideline backlog or UnknownCount
func (a *Actor[M]) PendingSidelineMessagesCount(ctx context.Context) int64 {
	return a.publisher.PendingSidelineMessagesCount(ctx)
}
