package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/internal/rabbitmq"
	"github.com/glimte/mmate-actors/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-actors/registry"
)

func TestActor(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and consumes on separate connections", func(t *testing.T) {
		producer := rabbitmqtest.NewConnection("producer")
		consumer := rabbitmqtest.NewConnection("consumer")
		acks := rabbitmqtest.NewAcknowledger()

		received := make(chan order, 1)
		a, err := NewActor(testActor, testConfig(), producer, consumer,
			func(_ context.Context, o order, _ MessageMetadata) (bool, error) {
				received <- o
				return true, nil
			}, nil, WithLogger(discardLogger()))
		require.NoError(t, err)
		require.NoError(t, a.Start(ctx))

		// the fake broker routes the publish straight to the consumer
		ch := consumer.ConsumingChannels()[0]
		producer.OnPublish(func(p rabbitmqtest.Published) {
			ch.Deliver(acks.Delivery(1, p.Msg.Body, p.Msg.Headers))
		})

		require.NoError(t, a.Publish(ctx, order{ID: "o-1", Amount: 5}))
		select {
		case o := <-received:
			assert.Equal(t, order{ID: "o-1", Amount: 5}, o)
		case <-time.After(2 * time.Second):
			t.Fatal("message not consumed")
		}

		assert.Equal(t, testQueue, a.Names().Queue)
		assert.Equal(t, int64(0), a.PendingMessagesCount(ctx))
		assert.NoError(t, a.Stop())
		assert.NoError(t, a.Stop())
	})

	t.Run("publish-only actors skip the consumer", func(t *testing.T) {
		producer := rabbitmqtest.NewConnection("producer")
		a, err := NewActor[order](testActor, testConfig(), producer, nil, nil, nil, WithLogger(discardLogger()))
		require.NoError(t, err)
		assert.Nil(t, a.Consumer())

		require.NoError(t, a.Start(ctx))
		require.NoError(t, a.PublishWithExpiry(ctx, order{ID: "o"}, time.Minute))
		assert.Len(t, producer.Published(), 1)
		assert.NoError(t, a.Stop())
	})

	t.Run("consumer failure rolls back the publisher", func(t *testing.T) {
		producer := rabbitmqtest.NewConnection("producer")
		consumer := rabbitmqtest.NewConnection("consumer")
		consumer.FailChannels(rabbitmqtest.ErrBroker)

		a, err := NewActor(testActor, testConfig(), producer, consumer, accept, nil, WithLogger(discardLogger()))
		require.NoError(t, err)

		require.Error(t, a.Start(ctx))
		assert.ErrorIs(t, a.Publish(ctx, order{}), ErrNotStarted)

		// the broker recovers and the same actor starts cleanly
		consumer.FailChannels(nil)
		require.NoError(t, a.Start(ctx))
		require.NoError(t, a.Publish(ctx, order{ID: "o"}))
		assert.Len(t, producer.Published(), 1)
		assert.NoError(t, a.Stop())
	})

	t.Run("abort leaves the actor restartable", func(t *testing.T) {
		producer := rabbitmqtest.NewConnection("producer")
		consumer := rabbitmqtest.NewConnection("consumer")
		a, err := NewActor(testActor, testConfig(), producer, consumer, accept, nil, WithLogger(discardLogger()))
		require.NoError(t, err)

		require.NoError(t, a.Start(ctx))
		require.NoError(t, a.Abort())
		assert.False(t, a.Consumer().Running())
		assert.ErrorIs(t, a.Publish(ctx, order{}), ErrNotStarted)

		require.NoError(t, a.Start(ctx))
		assert.True(t, a.Consumer().Running())
		assert.NoError(t, a.Stop())
	})
}

func TestFromRegistry(t *testing.T) {
	var (
		mu     sync.Mutex
		opened = map[string]*rabbitmqtest.Connection{}
	)
	factory := func(_ context.Context, name string, _ config.RMQConfig) (rabbitmq.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := rabbitmqtest.NewConnection(name)
		opened[name] = conn
		return conn, nil
	}

	reg, err := registry.New(config.RMQConfig{
		Brokers:     []config.Broker{{Host: "localhost"}},
		Connections: []config.ConnectionConfig{{Name: "orders", ThreadPoolSize: 2}},
	}, registry.WithConnectionFactory(factory), registry.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer reg.Close()

	cfg := testConfig()
	cfg.ConnectionName = "orders"
	a, err := FromRegistry(context.Background(), reg, testActor, cfg, accept, nil, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, opened, "orders")
	assert.NotEmpty(t, opened["orders"].ConsumingChannels())
	assert.NotEmpty(t, opened["orders"].CallsOf("ExchangeDeclare"))
}
