// Package rabbitmq wraps amqp091-go for the actor layer.
//
// This package includes:
//   - ConnectionManager: one named connection with broker fallback and automatic reconnection
//   - Channel: the subset of *amqp.Channel the actors use, so tests can use fakes
//   - ChannelPool: short-lived channels for declarations and queue inspection
//   - TopologyManager: ordered, idempotent exchange/queue/binding declarations
//
// Publishing and consuming live in the actor package; every publisher and
// every consumer worker opens a channel of its own from a Connection.
package rabbitmq
