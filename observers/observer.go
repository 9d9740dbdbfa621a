package observers

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Operation names the actor operation an observer is wrapping
type Operation string

const (
	OperationPublish           Operation = "PUBLISH"
	OperationPublishWithDelay  Operation = "PUBLISH_WITH_DELAY"
	OperationPublishWithExpiry Operation = "PUBLISH_WITH_EXPIRY"
	OperationConsume           Operation = "CONSUME"
)

// PublishContext describes one publish
type PublishContext struct {
	Operation  Operation
	QueueName  string
	Exchange   string
	RoutingKey string
	Headers    amqp.Table
}

// ConsumeContext describes one delivery handed to a handler
type ConsumeContext struct {
	Operation   Operation
	QueueName   string
	Headers     amqp.Table
	Redelivered bool
	Attempt     int
}

// PublishFunc performs the wrapped publish
type PublishFunc func(ctx context.Context) error

// ConsumeFunc runs the wrapped handler and reports whether it succeeded
type ConsumeFunc func(ctx context.Context) (bool, error)

// Observer wraps publish and consume operations. An observer must call next
// exactly once and return its result unless it deliberately fails the
// operation.
type Observer interface {
	ExecutePublish(ctx context.Context, pc PublishContext, next PublishFunc) error
	ExecuteConsume(ctx context.Context, cc ConsumeContext, next ConsumeFunc) (bool, error)
	Name() string
}

// Chain is an immutable, ordered list of observers. The first observer is
// the outermost wrapper; the operation itself is the innermost link.
// A nil *Chain runs operations directly.
type Chain struct {
	observers []Observer
}

// NewChain copies the given observers into a chain, skipping nils
func NewChain(observers ...Observer) *Chain {
	c := &Chain{observers: make([]Observer, 0, len(observers))}
	for _, o := range observers {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
	return c
}

// Len returns the number of observers
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.observers)
}

// Names returns observer names, outermost first
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.observers))
	for i, o := range c.observers {
		names[i] = o.Name()
	}
	return names
}

// ExecutePublish runs fn wrapped by every observer
func (c *Chain) ExecutePublish(ctx context.Context, pc PublishContext, fn PublishFunc) error {
	if c.Len() == 0 {
		return fn(ctx)
	}

	// Build the chain in reverse order
	next := fn
	for i := len(c.observers) - 1; i >= 0; i-- {
		observer := c.observers[i]
		inner := next
		next = func(ctx context.Context) error {
			return observer.ExecutePublish(ctx, pc, inner)
		}
	}
	return next(ctx)
}

// ExecuteConsume runs fn wrapped by every observer
func (c *Chain) ExecuteConsume(ctx context.Context, cc ConsumeContext, fn ConsumeFunc) (bool, error) {
	if c.Len() == 0 {
		return fn(ctx)
	}

	next := fn
	for i := len(c.observers) - 1; i >= 0; i-- {
		observer := c.observers[i]
		inner := next
		next = func(ctx context.Context) (bool, error) {
			return observer.ExecuteConsume(ctx, cc, inner)
		}
	}
	return next(ctx)
}
