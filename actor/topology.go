package actor

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/internal/rabbitmq"
)

const (
	argHAPolicy       = "x-ha-policy"
	argHAMode         = "ha-mode"
	argQueueType      = "x-queue-type"
	argDeadLetter     = "x-dead-letter-exchange"
	argDelayedType    = "x-delayed-type"
	replicateAllNodes = "all"
)

// buildTopology lays out the declarations of an actor in the order they must
// reach the broker: main exchange, sideline exchange, sideline queue, main
// queues and, for TTL delays, the TTL exchange and queue.
func buildTopology(names Names, cfg config.ActorConfig) []rabbitmq.Topology {
	keys := names.PhysicalQueues()

	mainExchange := rabbitmq.ExchangeDeclaration{
		Name:      names.Exchange,
		Type:      rabbitmq.ExchangeDirect,
		Durable:   true,
		Arguments: exchangeArgs(),
	}
	if cfg.Delayed && cfg.DelayType == config.DelayPlugin {
		mainExchange.Type = rabbitmq.ExchangeDelayedMessage
		mainExchange.Arguments[argDelayedType] = rabbitmq.ExchangeDirect
	}

	sideline := rabbitmq.Topology{
		Queues: []rabbitmq.QueueDeclaration{{
			Name:      names.SidelineQueue,
			Durable:   true,
			Arguments: queueArgs(cfg.QueueType, ""),
		}},
		Bindings: []rabbitmq.Binding{{
			Queue:      names.SidelineQueue,
			Exchange:   names.SidelineExchange,
			RoutingKey: names.Queue,
		}},
	}

	main := rabbitmq.Topology{}
	for _, q := range keys {
		main.Queues = append(main.Queues, rabbitmq.QueueDeclaration{
			Name:      q,
			Durable:   true,
			Arguments: queueArgs(cfg.QueueType, names.SidelineExchange),
		})
		main.Bindings = append(main.Bindings, rabbitmq.Binding{
			Queue:      q,
			Exchange:   names.Exchange,
			RoutingKey: q,
		})
	}
	for _, shard := range names.Shards {
		main.Bindings = append(main.Bindings, rabbitmq.Binding{
			Queue:      names.SidelineQueue,
			Exchange:   names.SidelineExchange,
			RoutingKey: shard,
		})
	}

	steps := []rabbitmq.Topology{
		{Exchanges: []rabbitmq.ExchangeDeclaration{mainExchange}},
		{Exchanges: []rabbitmq.ExchangeDeclaration{{
			Name:      names.SidelineExchange,
			Type:      rabbitmq.ExchangeDirect,
			Durable:   true,
			Arguments: exchangeArgs(),
		}}},
		sideline,
		main,
	}

	// declared for every TTL actor, delayed or not
	if cfg.DelayType == config.DelayTTL {
		ttl := rabbitmq.Topology{
			Exchanges: []rabbitmq.ExchangeDeclaration{{
				Name:      names.TTLExchange,
				Type:      rabbitmq.ExchangeDirect,
				Durable:   true,
				Arguments: exchangeArgs(),
			}},
			Queues: []rabbitmq.QueueDeclaration{{
				Name:      names.TTLQueue,
				Durable:   true,
				Arguments: queueArgs(cfg.QueueType, names.Exchange),
			}},
		}
		for _, key := range keys {
			ttl.Bindings = append(ttl.Bindings, rabbitmq.Binding{
				Queue:      names.TTLQueue,
				Exchange:   names.TTLExchange,
				RoutingKey: key,
			})
		}
		steps = append(steps, ttl)
	}
	return steps
}

func exchangeArgs() amqp.Table {
	return amqp.Table{
		argHAPolicy: replicateAllNodes,
		argHAMode:   replicateAllNodes,
	}
}

func queueArgs(queueType config.QueueType, deadLetterExchange string) amqp.Table {
	args := amqp.Table{}
	if queueType == config.QueueQuorum {
		args[argQueueType] = string(config.QueueQuorum)
	} else {
		args[argHAPolicy] = replicateAllNodes
		args[argHAMode] = replicateAllNodes
	}
	if deadLetterExchange != "" {
		args[argDeadLetter] = deadLetterExchange
	}
	return args
}

// Provision declares the full topology of an actor without starting a
// publisher or consumer
func Provision(ctx context.Context, conn rabbitmq.Connection, actorName string, cfg config.ActorConfig, opts ...Option) error {
	o := newOptions(opts)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithMaxSize(1))
	if err != nil {
		return err
	}
	defer pool.Close()

	names := NewNames(o.namespace, actorName, cfg)
	return declareTopology(ctx, pool, names, cfg, o.logger)
}

func declareTopology(ctx context.Context, pool *rabbitmq.ChannelPool, names Names, cfg config.ActorConfig, logger *slog.Logger) error {
	tm := rabbitmq.NewTopologyManager(pool, rabbitmq.WithTopologyLogger(logger))
	if err := tm.DeclareTopology(ctx, buildTopology(names, cfg)...); err != nil {
		return err
	}
	logger.Info("actor topology declared",
		"queue", names.Queue,
		"exchange", names.Exchange,
		"shards", len(names.Shards),
		"delayed", cfg.Delayed,
		"delayType", cfg.DelayType,
	)
	return nil
}
