package actor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/internal/rabbitmq"
	"github.com/glimte/mmate-actors/internal/rabbitmq/rabbitmqtest"
)

const (
	testActor    = "order-created"
	testExchange = "orders-exchange"
	testQueue    = "rabbitmq.actors.order-created"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.ActorConfig {
	cfg := config.ActorConfig{Exchange: testExchange}
	cfg.SetDefaults()
	return cfg
}

func TestNames(t *testing.T) {
	t.Run("unsharded", func(t *testing.T) {
		n := NewNames("", testActor, testConfig())
		assert.Equal(t, testQueue, n.Queue)
		assert.Equal(t, testExchange+"_SIDELINE", n.SidelineExchange)
		assert.Equal(t, testQueue+"_SIDELINE", n.SidelineQueue)
		assert.Equal(t, testExchange+"_TTL", n.TTLExchange)
		assert.Equal(t, testQueue+"_TTL", n.TTLQueue)
		assert.Empty(t, n.Shards)
		assert.Equal(t, []string{testQueue}, n.PhysicalQueues())
	})

	t.Run("namespace and prefix", func(t *testing.T) {
		cfg := testConfig()
		cfg.Prefix = "billing"
		cfg.ShardCount = 2
		n := NewNames("tenant-a", "invoice", cfg)
		assert.Equal(t, "tenant-a.billing.invoice", n.Queue)
		assert.Equal(t, []string{"tenant-a.billing.invoice_0", "tenant-a.billing.invoice_1"}, n.PhysicalQueues())
	})

	t.Run("empty prefix falls back to the default", func(t *testing.T) {
		assert.Equal(t, "rabbitmq.actors.x", QueueName(" ", "", "x"))
	})
}

func TestBuildTopology(t *testing.T) {
	t.Run("unsharded classic actor", func(t *testing.T) {
		steps := buildTopology(NewNames("", testActor, testConfig()), testConfig())
		require.Len(t, steps, 4)

		main := steps[0].Exchanges[0]
		assert.Equal(t, testExchange, main.Name)
		assert.Equal(t, rabbitmq.ExchangeDirect, main.Type)
		assert.True(t, main.Durable)
		assert.False(t, main.AutoDelete)
		assert.Equal(t, "all", main.Arguments["x-ha-policy"])
		assert.Equal(t, "all", main.Arguments["ha-mode"])

		assert.Equal(t, testExchange+"_SIDELINE", steps[1].Exchanges[0].Name)

		assert.Equal(t, testQueue+"_SIDELINE", steps[2].Queues[0].Name)
		assert.Equal(t, []rabbitmq.Binding{{
			Queue: testQueue + "_SIDELINE", Exchange: testExchange + "_SIDELINE", RoutingKey: testQueue,
		}}, steps[2].Bindings)

		q := steps[3].Queues[0]
		assert.Equal(t, testQueue, q.Name)
		assert.Equal(t, testExchange+"_SIDELINE", q.Arguments["x-dead-letter-exchange"])
		assert.Equal(t, "all", q.Arguments["x-ha-policy"])
		assert.Equal(t, []rabbitmq.Binding{{
			Queue: testQueue, Exchange: testExchange, RoutingKey: testQueue,
		}}, steps[3].Bindings)
	})

	t.Run("sharded actor binds every shard to the sideline", func(t *testing.T) {
		cfg := testConfig()
		cfg.ShardCount = 3
		steps := buildTopology(NewNames("", testActor, cfg), cfg)
		require.Len(t, steps, 4)

		require.Len(t, steps[3].Queues, 3)
		var sidelineKeys []string
		for _, b := range steps[3].Bindings {
			if b.Exchange == testExchange+"_SIDELINE" {
				assert.Equal(t, testQueue+"_SIDELINE", b.Queue)
				sidelineKeys = append(sidelineKeys, b.RoutingKey)
				continue
			}
			assert.Equal(t, testExchange, b.Exchange)
			assert.Equal(t, b.Queue, b.RoutingKey)
		}
		assert.Equal(t, []string{testQueue + "_0", testQueue + "_1", testQueue + "_2"}, sidelineKeys)
	})

	t.Run("plugin delay uses a delayed-message exchange", func(t *testing.T) {
		cfg := testConfig()
		cfg.Delayed = true
		cfg.DelayType = config.DelayPlugin
		steps := buildTopology(NewNames("", testActor, cfg), cfg)
		require.Len(t, steps, 4)

		main := steps[0].Exchanges[0]
		assert.Equal(t, rabbitmq.ExchangeDelayedMessage, main.Type)
		assert.Equal(t, "direct", main.Arguments["x-delayed-type"])
		assert.NotContains(t, steps[1].Exchanges[0].Arguments, "x-delayed-type")
	})

	t.Run("ttl delay adds a parking queue per routing key", func(t *testing.T) {
		cfg := testConfig()
		cfg.Delayed = true
		cfg.DelayType = config.DelayTTL
		cfg.ShardCount = 2
		steps := buildTopology(NewNames("", testActor, cfg), cfg)
		require.Len(t, steps, 5)

		assert.Equal(t, rabbitmq.ExchangeDirect, steps[0].Exchanges[0].Type)

		ttl := steps[4]
		assert.Equal(t, testExchange+"_TTL", ttl.Exchanges[0].Name)
		assert.Equal(t, testQueue+"_TTL", ttl.Queues[0].Name)
		assert.Equal(t, testExchange, ttl.Queues[0].Arguments["x-dead-letter-exchange"])
		assert.Equal(t, []rabbitmq.Binding{
			{Queue: testQueue + "_TTL", Exchange: testExchange + "_TTL", RoutingKey: testQueue + "_0"},
			{Queue: testQueue + "_TTL", Exchange: testExchange + "_TTL", RoutingKey: testQueue + "_1"},
		}, ttl.Bindings)
	})

	t.Run("ttl mechanism declares the parking pair without the delayed flag", func(t *testing.T) {
		cfg := testConfig()
		cfg.DelayType = config.DelayTTL
		steps := buildTopology(NewNames("", testActor, cfg), cfg)
		require.Len(t, steps, 5)

		assert.Equal(t, rabbitmq.ExchangeDirect, steps[0].Exchanges[0].Type)
		ttl := steps[4]
		assert.Equal(t, testExchange+"_TTL", ttl.Exchanges[0].Name)
		assert.Equal(t, []rabbitmq.Binding{
			{Queue: testQueue + "_TTL", Exchange: testExchange + "_TTL", RoutingKey: testQueue},
		}, ttl.Bindings)
	})

	t.Run("undelayed plugin actors keep a direct exchange", func(t *testing.T) {
		cfg := testConfig()
		steps := buildTopology(NewNames("", testActor, cfg), cfg)
		require.Len(t, steps, 4)
		assert.Equal(t, rabbitmq.ExchangeDirect, steps[0].Exchanges[0].Type)
	})

	t.Run("quorum queues", func(t *testing.T) {
		cfg := testConfig()
		cfg.QueueType = config.QueueQuorum
		steps := buildTopology(NewNames("", testActor, cfg), cfg)

		args := steps[3].Queues[0].Arguments
		assert.Equal(t, "quorum", args["x-queue-type"])
		assert.NotContains(t, args, "x-ha-policy")
		assert.Equal(t, "quorum", steps[2].Queues[0].Arguments["x-queue-type"])
	})
}

func TestProvision(t *testing.T) {
	t.Run("declares in order on the broker", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection("test")
		cfg := testConfig()
		cfg.Delayed = true
		cfg.DelayType = config.DelayTTL

		require.NoError(t, Provision(context.Background(), conn, testActor, cfg, WithLogger(discardLogger())))

		var got []string
		for _, c := range conn.Calls() {
			switch c.Method {
			case "ExchangeDeclare", "QueueDeclare":
				got = append(got, c.Method+" "+c.Name)
			case "QueueBind":
				got = append(got, "QueueBind "+c.Name+" "+c.Exchange+" "+c.Key)
			}
		}
		assert.Equal(t, []string{
			"ExchangeDeclare " + testExchange,
			"ExchangeDeclare " + testExchange + "_SIDELINE",
			"QueueDeclare " + testQueue + "_SIDELINE",
			"QueueBind " + testQueue + "_SIDELINE " + testExchange + "_SIDELINE " + testQueue,
			"QueueDeclare " + testQueue,
			"QueueBind " + testQueue + " " + testExchange + " " + testQueue,
			"ExchangeDeclare " + testExchange + "_TTL",
			"QueueDeclare " + testQueue + "_TTL",
			"QueueBind " + testQueue + "_TTL " + testExchange + "_TTL " + testQueue,
		}, got)
	})

	t.Run("conflicting declaration is a topology error", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection("test")
		conn.FailOn("QueueDeclare", testQueue, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg"})

		err := Provision(context.Background(), conn, testActor, testConfig(), WithLogger(discardLogger()))
		require.Error(t, err)
		assert.ErrorIs(t, err, rabbitmq.ErrTopologyDeclarationFailed)

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, testQueue, topoErr.Name)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		err := Provision(context.Background(), rabbitmqtest.NewConnection("test"), testActor, config.ActorConfig{})
		assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
	})
}
