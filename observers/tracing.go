package observers

import (
	"context"
)

// Tracer starts spans around actor operations
type Tracer interface {
	StartSpan(ctx context.Context, operationName string) (context.Context, Span)
}

// Span represents a tracing span
type Span interface {
	SetTag(key string, value interface{})
	SetError(err error)
	Finish()
}

// TracingObserver opens one span per publish and per delivery
type TracingObserver struct {
	tracer Tracer
}

// NewTracingObserver creates a new tracing observer
func NewTracingObserver(tracer Tracer) *TracingObserver {
	return &TracingObserver{tracer: tracer}
}

// ExecutePublish implements Observer
func (o *TracingObserver) ExecutePublish(ctx context.Context, pc PublishContext, next PublishFunc) error {
	spanCtx, span := o.tracer.StartSpan(ctx, "actor.publish")
	defer span.Finish()

	span.SetTag("actor.operation", string(pc.Operation))
	span.SetTag("actor.queue", pc.QueueName)
	span.SetTag("messaging.routing_key", pc.RoutingKey)

	err := next(spanCtx)
	if err != nil {
		span.SetError(err)
	}
	return err
}

// ExecuteConsume implements Observer
func (o *TracingObserver) ExecuteConsume(ctx context.Context, cc ConsumeContext, next ConsumeFunc) (bool, error) {
	spanCtx, span := o.tracer.StartSpan(ctx, "actor.consume")
	defer span.Finish()

	span.SetTag("actor.queue", cc.QueueName)
	span.SetTag("actor.attempt", cc.Attempt)
	span.SetTag("messaging.redelivered", cc.Redelivered)

	ok, err := next(spanCtx)
	if err != nil {
		span.SetError(err)
	}
	span.SetTag("actor.handled", ok)
	return ok, err
}

// Name implements Observer
func (o *TracingObserver) Name() string {
	return "TracingObserver"
}
