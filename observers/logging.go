package observers

import (
	"context"
	"log/slog"
	"time"
)

// LoggingObserver logs every publish and consume with its duration
type LoggingObserver struct {
	logger *slog.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *slog.Logger) *LoggingObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{logger: logger}
}

// ExecutePublish implements Observer
func (o *LoggingObserver) ExecutePublish(ctx context.Context, pc PublishContext, next PublishFunc) error {
	start := time.Now()
	err := next(ctx)
	duration := time.Since(start)

	if err != nil {
		o.logger.ErrorContext(ctx, "publish failed",
			"operation", pc.Operation,
			"queue", pc.QueueName,
			"routingKey", pc.RoutingKey,
			"duration", duration,
			"error", err,
		)
		return err
	}

	o.logger.DebugContext(ctx, "published message",
		"operation", pc.Operation,
		"queue", pc.QueueName,
		"exchange", pc.Exchange,
		"routingKey", pc.RoutingKey,
		"duration", duration,
	)
	return nil
}

// ExecuteConsume implements Observer
func (o *LoggingObserver) ExecuteConsume(ctx context.Context, cc ConsumeContext, next ConsumeFunc) (bool, error) {
	start := time.Now()
	ok, err := next(ctx)
	duration := time.Since(start)

	switch {
	case err != nil:
		o.logger.ErrorContext(ctx, "message handling failed",
			"queue", cc.QueueName,
			"attempt", cc.Attempt,
			"duration", duration,
			"error", err,
		)
	case !ok:
		o.logger.WarnContext(ctx, "message rejected by handler",
			"queue", cc.QueueName,
			"attempt", cc.Attempt,
			"duration", duration,
		)
	default:
		o.logger.DebugContext(ctx, "message handled",
			"queue", cc.QueueName,
			"attempt", cc.Attempt,
			"duration", duration,
		)
	}
	return ok, err
}

// Name implements Observer
func (o *LoggingObserver) Name() string {
	return "LoggingObserver"
}
