package actor

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-actors/config"
)

const (
	sidelineSuffix = "_SIDELINE"
	ttlSuffix      = "_TTL"
)

// Names holds every broker entity name derived for one actor
type Names struct {
	Exchange         string
	Queue            string
	SidelineExchange string
	SidelineQueue    string
	TTLExchange      string
	TTLQueue         string
	// Shards is empty for unsharded actors
	Shards []string
}

// QueueName builds [<namespace>.]<prefix>.<actorName>
func QueueName(namespace, prefix, actorName string) string {
	if prefix == "" {
		prefix = config.DefaultQueuePrefix
	}
	name := prefix + "." + actorName
	if namespace = strings.TrimSpace(namespace); namespace != "" {
		name = namespace + "." + name
	}
	return name
}

// ShardName returns the physical queue name of shard i
func ShardName(queue string, i int) string {
	return fmt.Sprintf("%s_%d", queue, i)
}

// NewNames derives the entity names of an actor from its configuration
func NewNames(namespace, actorName string, cfg config.ActorConfig) Names {
	queue := QueueName(namespace, cfg.Prefix, actorName)
	n := Names{
		Exchange:         cfg.Exchange,
		Queue:            queue,
		SidelineExchange: cfg.Exchange + sidelineSuffix,
		SidelineQueue:    queue + sidelineSuffix,
		TTLExchange:      cfg.Exchange + ttlSuffix,
		TTLQueue:         queue + ttlSuffix,
	}
	for i := 0; i < cfg.ShardCount; i++ {
		n.Shards = append(n.Shards, ShardName(queue, i))
	}
	return n
}

// PhysicalQueues returns the queues messages are consumed from: the shards,
// or the queue itself. Each doubles as its routing key on the main exchange.
func (n Names) PhysicalQueues() []string {
	if len(n.Shards) > 0 {
		return n.Shards
	}
	return []string{n.Queue}
}
