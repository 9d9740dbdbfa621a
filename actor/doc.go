// Package actor implements reliable-delivery actors on RabbitMQ.
//
// An actor owns a small topology derived from its name and configuration:
//
//	<exchange>                 main exchange (x-delayed-message for plugin delays)
//	<exchange>_SIDELINE        dead-letter exchange
//	<queue> or <queue>_<i>     main queue, or one queue per shard
//	<queue>_SIDELINE           dead-lettered messages
//	<exchange>_TTL, <queue>_TTL  parking area for TTL delays
//
// where <queue> is [<namespace>.]<prefix>.<name>.
//
// Publishers stamp every message with published-at and source-id headers.
// Consumers decode each delivery, call the handler and settle the delivery:
// success is acknowledged, a failure is either republished to the tail of the
// same queue after the retry strategy's wait or dead-lettered to the
// sideline queue.
//
//	a, err := actor.FromRegistry(ctx, reg, "order-created", cfg, handle, nil)
//	if err != nil {
//		return err
//	}
//	if err := a.Start(ctx); err != nil {
//		return err
//	}
//	defer a.Stop()
//	return a.Publish(ctx, OrderCreated{ID: "o-1"})
package actor
