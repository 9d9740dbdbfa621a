package actor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-actors/observers"
	"github.com/glimte/mmate-actors/registry"
	"github.com/glimte/mmate-actors/retry"
	"github.com/glimte/mmate-actors/serialization"
)

var errHandler = errors.New("handler failed")

type consumerFixture struct {
	conn     *rabbitmqtest.Connection
	acks     *rabbitmqtest.Acknowledger
	consumer *Consumer[order]
}

func startConsumer(t *testing.T, cfg config.ActorConfig, handler, expired Handler[order], opts ...Option) *consumerFixture {
	t.Helper()
	f := &consumerFixture{
		conn: rabbitmqtest.NewConnection("consumer"),
		acks: rabbitmqtest.NewAcknowledger(),
	}
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	c, err := NewConsumer(testActor, cfg, f.conn, handler, expired, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })
	f.consumer = c
	return f
}

func (f *consumerFixture) channel(t *testing.T) *rabbitmqtest.Channel {
	t.Helper()
	chs := f.conn.ConsumingChannels()
	require.NotEmpty(t, chs)
	return chs[0]
}

func (f *consumerFixture) deliver(t *testing.T, tag uint64, body []byte, headers amqp.Table) {
	t.Helper()
	require.True(t, f.channel(t).Deliver(f.acks.Delivery(tag, body, headers)))
}

func (f *consumerFixture) outcome(t *testing.T, tag uint64) rabbitmqtest.Outcome {
	t.Helper()
	require.Eventually(t, func() bool { return f.acks.Settled(tag) }, 2*time.Second, 5*time.Millisecond)
	o, _ := f.acks.Outcome(tag)
	return o
}

func orderBody(t *testing.T, o order) []byte {
	t.Helper()
	b, err := json.Marshal(o)
	require.NoError(t, err)
	return b
}

func publishedNow() amqp.Table {
	return amqp.Table{HeaderPublishedAt: time.Now().UnixMilli()}
}

func accept(context.Context, order, MessageMetadata) (bool, error) { return true, nil }

// failingSerializer encodes like JSON but fails every decode with a plain error
type failingSerializer struct {
	serialization.Serializer
	err    error
	panics bool
}

func (s failingSerializer) Unmarshal([]byte, any) error {
	if s.panics {
		panic(s.err)
	}
	return s.err
}

func TestConsumerSettlement(t *testing.T) {
	t.Run("handled messages are acked", func(t *testing.T) {
		rec := &recordingObserver{}
		var got atomic.Value
		f := startConsumer(t, testConfig(), func(_ context.Context, o order, meta MessageMetadata) (bool, error) {
			got.Store(meta)
			assert.Equal(t, "o-1", o.ID)
			return true, nil
		}, nil, WithObservers(rec))

		f.deliver(t, 1, orderBody(t, order{ID: "o-1"}), publishedNow())

		assert.Equal(t, rabbitmqtest.Outcome{Acked: true}, f.outcome(t, 1))
		meta := got.Load().(MessageMetadata)
		assert.Equal(t, 1, meta.Attempt)
		assert.Equal(t, testQueue, meta.QueueName)

		rec.mu.Lock()
		defer rec.mu.Unlock()
		require.Len(t, rec.consumes, 1)
		assert.Equal(t, observers.OperationConsume, rec.consumes[0].Operation)
		assert.Equal(t, 1, rec.consumes[0].Attempt)
	})

	t.Run("rejected messages go to the sideline", func(t *testing.T) {
		f := startConsumer(t, testConfig(), func(context.Context, order, MessageMetadata) (bool, error) {
			return false, nil
		}, nil)

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true, Requeue: false}, f.outcome(t, 1))
	})

	t.Run("drop handler acks failed messages", func(t *testing.T) {
		cfg := testConfig()
		cfg.ExceptionHandler.Type = config.ExceptionDrop
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			return false, errHandler
		}, nil)

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)
		assert.Equal(t, rabbitmqtest.Outcome{Acked: true}, f.outcome(t, 1))
		assert.Empty(t, f.conn.Published())
	})

	t.Run("undecodable payloads are sidelined without retry", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedFixedWait(3, 0)
		var calls atomic.Int32
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			calls.Add(1)
			return true, nil
		}, nil)

		f.deliver(t, 1, []byte("not-json"), nil)
		f.deliver(t, 2, orderBody(t, order{ID: "o"}), amqp.Table{HeaderCompressionType: "LZ4"})

		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true}, f.outcome(t, 1))
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true}, f.outcome(t, 2))
		assert.Zero(t, calls.Load())
		assert.Empty(t, f.conn.Published())
	})

	t.Run("custom serializer failures are sidelined without retry", func(t *testing.T) {
		for name, panics := range map[string]bool{"error": false, "panic": true} {
			t.Run(name, func(t *testing.T) {
				cfg := testConfig()
				cfg.Retry = config.CountLimitedFixedWait(3, time.Millisecond)
				var calls atomic.Int32
				f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
					calls.Add(1)
					return true, nil
				}, nil, WithSerializer(failingSerializer{
					Serializer: serialization.NewJSONSerializer(),
					err:        errors.New("bad payload"),
					panics:     panics,
				}))

				f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)

				assert.Equal(t, rabbitmqtest.Outcome{Nacked: true}, f.outcome(t, 1))
				assert.Zero(t, calls.Load())
				assert.Empty(t, f.conn.Published())
			})
		}
	})

	t.Run("compressed payloads are decoded", func(t *testing.T) {
		var got atomic.Value
		f := startConsumer(t, testConfig(), func(_ context.Context, o order, _ MessageMetadata) (bool, error) {
			got.Store(o)
			return true, nil
		}, nil)

		body, err := serialization.GzipCompressor{}.Compress(orderBody(t, order{ID: "gz", Amount: 4}))
		require.NoError(t, err)
		f.deliver(t, 1, body, amqp.Table{HeaderCompressionType: "GZIP"})

		assert.True(t, f.outcome(t, 1).Acked)
		assert.Equal(t, order{ID: "gz", Amount: 4}, got.Load())
	})

	t.Run("terminal errors skip the retry", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedFixedWait(3, 0)
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			return false, retry.MarkTerminal(errHandler)
		}, nil)

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true}, f.outcome(t, 1))
		assert.Empty(t, f.conn.Published())
	})

	t.Run("custom classifier", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedFixedWait(3, 0)
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			return false, errHandler
		}, nil, WithClassifier(retry.WhenRetryable(func(err error) bool { return !errors.Is(err, errHandler) })))

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true}, f.outcome(t, 1))
	})

	t.Run("quorum delivery count counts as attempts", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedFixedWait(2, 0)
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			return false, errHandler
		}, nil)

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), amqp.Table{"x-delivery-count": int64(1)})
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true}, f.outcome(t, 1))
		assert.Empty(t, f.conn.Published())
	})
}

func TestConsumerRetry(t *testing.T) {
	const wait = 20 * time.Millisecond

	// redeliver feeds every republished copy back to the consuming channel
	redeliver := func(f *consumerFixture, ch *rabbitmqtest.Channel) {
		var tag atomic.Uint64
		tag.Store(1)
		f.conn.OnPublish(func(p rabbitmqtest.Published) {
			ch.Deliver(f.acks.Delivery(tag.Add(1), p.Msg.Body, p.Msg.Headers))
		})
	}

	t.Run("handler runs exactly max attempts times", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedFixedWait(2, wait)

		var (
			mu    sync.Mutex
			metas []MessageMetadata
		)
		f := startConsumer(t, cfg, func(_ context.Context, _ order, meta MessageMetadata) (bool, error) {
			mu.Lock()
			metas = append(metas, meta)
			mu.Unlock()
			return false, errHandler
		}, nil)
		redeliver(f, f.channel(t))

		headers := publishedNow()
		f.deliver(t, 1, orderBody(t, order{ID: "o"}), headers)

		assert.Equal(t, rabbitmqtest.Outcome{Acked: true}, f.outcome(t, 1))
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true}, f.outcome(t, 2))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, metas, 2)
		assert.Equal(t, 1, metas[0].Attempt)
		assert.Equal(t, 2, metas[1].Attempt)
		assert.GreaterOrEqual(t, metas[1].DelayInMs, wait.Milliseconds())

		published := f.conn.Published()
		require.Len(t, published, 1)
		assert.Equal(t, testExchange, published[0].Exchange)
		assert.Equal(t, testQueue, published[0].Key)
		assert.Equal(t, int64(1), published[0].Msg.Headers[HeaderRetryCount])
		assert.Equal(t, headers[HeaderPublishedAt], published[0].Msg.Headers[HeaderPublishedAt])
	})

	t.Run("retry recovers", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedExponentialBackoff(3, time.Millisecond, 2, 10*time.Millisecond)

		var calls atomic.Int32
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			if calls.Add(1) == 1 {
				return false, errHandler
			}
			return true, nil
		}, nil)
		redeliver(f, f.channel(t))

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), amqp.Table{HeaderDelay: int64(500)})

		assert.True(t, f.outcome(t, 1).Acked)
		assert.True(t, f.outcome(t, 2).Acked)
		assert.Equal(t, int32(2), calls.Load())
		assert.NotContains(t, f.conn.Published()[0].Msg.Headers, HeaderDelay)
	})

	t.Run("panics are retried", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedFixedWait(2, 0)

		var calls atomic.Int32
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return true, nil
		}, nil)
		redeliver(f, f.channel(t))

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)
		assert.True(t, f.outcome(t, 1).Acked)
		assert.True(t, f.outcome(t, 2).Acked)
	})

	t.Run("republish failure requeues the original", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedFixedWait(2, 0)
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			return false, errHandler
		}, nil)
		f.conn.FailOn("Publish", "", rabbitmqtest.ErrBroker)

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true, Requeue: true}, f.outcome(t, 1))
	})

	t.Run("stop interrupts the wait and requeues", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry = config.CountLimitedFixedWait(2, time.Hour)

		called := make(chan struct{}, 1)
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			called <- struct{}{}
			return false, errHandler
		}, nil)

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)
		<-called

		require.NoError(t, f.consumer.Stop())
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true, Requeue: true}, f.outcome(t, 1))
		assert.Empty(t, f.conn.Published())
	})
}

func TestConsumerExpiry(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	mock := clock.NewMock()
	mock.Set(now)

	t.Run("routes by expires-at", func(t *testing.T) {
		var normal, expired atomic.Value
		f := startConsumer(t, testConfig(),
			func(_ context.Context, _ order, meta MessageMetadata) (bool, error) {
				normal.Store(meta)
				return true, nil
			},
			func(_ context.Context, _ order, meta MessageMetadata) (bool, error) {
				expired.Store(meta)
				return true, nil
			},
			WithClock(mock),
		)

		f.deliver(t, 1, orderBody(t, order{ID: "late"}), amqp.Table{
			HeaderPublishedAt: now.Add(-2 * time.Second).UnixMilli(),
			HeaderExpiresAt:   now.Add(-500 * time.Millisecond).UnixMilli(),
		})
		f.deliver(t, 2, orderBody(t, order{ID: "fresh"}), amqp.Table{
			HeaderPublishedAt: now.Add(-500 * time.Millisecond).UnixMilli(),
			HeaderExpiresAt:   now.Add(time.Second).UnixMilli(),
		})

		assert.True(t, f.outcome(t, 1).Acked)
		assert.True(t, f.outcome(t, 2).Acked)

		late := expired.Load().(MessageMetadata)
		assert.Equal(t, int64(2000), late.DelayInMs)
		assert.Greater(t, late.DelayInMs, int64(1500))

		fresh := normal.Load().(MessageMetadata)
		assert.Equal(t, int64(500), fresh.DelayInMs)
		assert.Less(t, fresh.DelayInMs, int64(1500))
	})

	t.Run("expired messages are acked when no handler is set", func(t *testing.T) {
		var calls atomic.Int32
		f := startConsumer(t, testConfig(), func(context.Context, order, MessageMetadata) (bool, error) {
			calls.Add(1)
			return true, nil
		}, nil, WithClock(mock))

		f.deliver(t, 1, orderBody(t, order{ID: "late"}), amqp.Table{
			HeaderExpiresAt: now.Add(-time.Millisecond).UnixMilli(),
		})

		assert.Equal(t, rabbitmqtest.Outcome{Acked: true}, f.outcome(t, 1))
		assert.Zero(t, calls.Load())
	})
}

func TestConsumerLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("one worker per shard and concurrency slot", func(t *testing.T) {
		cfg := testConfig()
		cfg.ShardCount = 2
		cfg.Concurrency = 2
		cfg.PrefetchCount = 7
		f := startConsumer(t, cfg, accept, nil)

		chs := f.conn.ConsumingChannels()
		require.Len(t, chs, 4)
		perQueue := map[string]int{}
		tags := map[string]bool{}
		for _, ch := range chs {
			perQueue[ch.Queue()]++
			tags[ch.ConsumerTag()] = true
			assert.Equal(t, 7, ch.Prefetch())
		}
		assert.Equal(t, map[string]int{testQueue + "_0": 2, testQueue + "_1": 2}, perQueue)
		assert.Len(t, tags, 4)
		assert.True(t, f.consumer.Running())
	})

	t.Run("start is all or nothing", func(t *testing.T) {
		cfg := testConfig()
		cfg.ShardCount = 2
		conn := rabbitmqtest.NewConnection("consumer")
		conn.FailOn("Consume", testQueue+"_1", rabbitmqtest.ErrBroker)

		c, err := NewConsumer(testActor, cfg, conn, accept, nil, WithLogger(discardLogger()))
		require.NoError(t, err)

		err = c.Start(ctx)
		require.ErrorIs(t, err, rabbitmqtest.ErrBroker)
		assert.False(t, c.Running())
		for _, ch := range conn.Channels() {
			assert.True(t, ch.IsClosed())
		}

		conn.FailOn("Consume", testQueue+"_1", nil)
		require.NoError(t, c.Start(ctx))
		assert.NoError(t, c.Stop())
	})

	t.Run("stop cancels, then closes every channel", func(t *testing.T) {
		cfg := testConfig()
		cfg.Concurrency = 3
		f := startConsumer(t, cfg, accept, nil)

		require.NoError(t, f.consumer.Stop())
		assert.NoError(t, f.consumer.Stop())
		assert.False(t, f.consumer.Running())

		assert.Len(t, f.conn.CallsOf("Cancel"), 3)
		for _, ch := range f.conn.ConsumingChannels() {
			assert.True(t, ch.IsClosed())
		}
		assert.ErrorIs(t, f.consumer.Start(ctx), ErrStopped)
	})

	t.Run("stopping a consumer that never started", func(t *testing.T) {
		c, err := NewConsumer(testActor, testConfig(), rabbitmqtest.NewConnection("c"), accept, nil, WithLogger(discardLogger()))
		require.NoError(t, err)
		assert.NoError(t, c.Stop())
		assert.NoError(t, c.Stop())
	})

	t.Run("broken stream resubscribes", func(t *testing.T) {
		f := startConsumer(t, testConfig(), accept, nil)
		first := f.channel(t)
		first.Close()

		require.Eventually(t, func() bool {
			return len(f.conn.ConsumingChannels()) == 2
		}, 2*time.Second, 5*time.Millisecond)

		next := f.conn.ConsumingChannels()[1]
		assert.Equal(t, testQueue, next.Queue())
		assert.NotEqual(t, first.ConsumerTag(), next.ConsumerTag())

		require.True(t, next.Deliver(f.acks.Delivery(1, orderBody(t, order{ID: "o"}), nil)))
		assert.True(t, f.outcome(t, 1).Acked)
	})

	t.Run("stop dispatches nothing still waiting for a worker slot", func(t *testing.T) {
		cfg := testConfig()
		cfg.Concurrency = 2
		release := make(chan struct{})
		running := make(chan struct{}, 2)
		var calls atomic.Int32
		f := startConsumer(t, cfg, func(context.Context, order, MessageMetadata) (bool, error) {
			calls.Add(1)
			running <- struct{}{}
			<-release
			return true, nil
		}, nil, WithExecutor(registry.NewWorkerPool("consumer", 1)))

		chs := f.conn.ConsumingChannels()
		require.Len(t, chs, 2)
		require.True(t, chs[0].Deliver(f.acks.Delivery(1, orderBody(t, order{ID: "a"}), nil)))
		select {
		case <-running:
		case <-time.After(2 * time.Second):
			t.Fatal("first handler never ran")
		}

		// the second worker blocks on the single slot
		require.True(t, chs[1].Deliver(f.acks.Delivery(2, orderBody(t, order{ID: "b"}), nil)))
		time.Sleep(20 * time.Millisecond)

		stopped := make(chan error, 1)
		go func() { stopped <- f.consumer.Stop() }()
		require.Eventually(t, func() bool { return f.consumer.stopCtx.Err() != nil }, 2*time.Second, time.Millisecond)
		close(release)

		select {
		case err := <-stopped:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("stop did not return")
		}
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, rabbitmqtest.Outcome{Acked: true}, f.outcome(t, 1))
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true, Requeue: true}, f.outcome(t, 2))
	})

	t.Run("abort allows a restart", func(t *testing.T) {
		f := startConsumer(t, testConfig(), accept, nil)

		require.NoError(t, f.consumer.abort())
		assert.False(t, f.consumer.Running())
		require.NoError(t, f.consumer.Start(ctx))
		assert.True(t, f.consumer.Running())
		require.NoError(t, f.consumer.Stop())
	})

	t.Run("closed executor requeues deliveries", func(t *testing.T) {
		pool := registry.NewWorkerPool("consumer", 1)
		pool.Close()
		f := startConsumer(t, testConfig(), accept, nil, WithExecutor(pool))

		f.deliver(t, 1, orderBody(t, order{ID: "o"}), nil)
		assert.Equal(t, rabbitmqtest.Outcome{Nacked: true, Requeue: true}, f.outcome(t, 1))
	})

	t.Run("constructor validation", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection("c")
		_, err := NewConsumer[order](testActor, testConfig(), conn, nil, nil)
		assert.ErrorIs(t, err, ErrNoHandler)

		_, err = NewConsumer(testActor, config.ActorConfig{}, conn, accept, nil)
		assert.ErrorIs(t, err, config.ErrInvalidConfiguration)

		cfg := testConfig()
		cfg.Retry = config.RetryConfig{Type: config.RetryCountLimitedFixedWait}
		_, err = NewConsumer(testActor, cfg, conn, accept, nil)
		assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
	})
}
