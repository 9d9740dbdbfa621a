package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds used by actor topologies
const (
	ExchangeDirect         = "direct"
	ExchangeDelayedMessage = "x-delayed-message"
)

// TopologyManager declares exchanges, queues and bindings and inspects queue depth
type TopologyManager struct {
	pool   *ChannelPool
	logger *slog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is one declaration step: its exchanges, then its queues, then its bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// DeclareTopology declares the steps in order and stops at the first failure.
// Redeclaring an identical entity is a no-op on the broker; a conflicting one
// comes back as a *TopologyError.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, steps ...Topology) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		for _, topology := range steps {
			if err := tm.declare(ch, topology); err != nil {
				return err
			}
		}
		return nil
	})
}

func (tm *TopologyManager) declare(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		); err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
		tm.logger.Debug("declared exchange", "exchange", exchange.Name, "type", exchange.Type)
	}

	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		); err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
		tm.logger.Debug("declared queue", "queue", queue.Name)
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		); err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "bind", err)
		}
		tm.logger.Debug("bound queue",
			"queue", binding.Queue,
			"exchange", binding.Exchange,
			"routingKey", binding.RoutingKey)
	}
	return nil
}

// QueueDepth returns the number of ready messages in a queue without creating it
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return &ChannelError{Op: "inspect queue " + name, ChannelID: "pool", Err: err, Timestamp: time.Now()}
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
