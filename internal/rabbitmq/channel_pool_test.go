package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-actors/internal/rabbitmq"
	"github.com/glimte/mmate-actors/internal/rabbitmq/rabbitmqtest"
)

func TestChannelPool(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects missing opener and bad sizes", func(t *testing.T) {
		_, err := rabbitmq.NewChannelPool(nil)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

		_, err = rabbitmq.NewChannelPool(rabbitmqtest.NewConnection("c"), rabbitmq.WithMaxSize(0))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("reuses returned channels", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection("c")
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		ch1, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(ch1)

		ch2, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Same(t, ch1, ch2)
		assert.Equal(t, 1, pool.Size())
	})

	t.Run("drops closed channels", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection("c")
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		ch.Close()
		pool.Put(ch)
		assert.Equal(t, 0, pool.Size())

		fresh, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.NotSame(t, ch, fresh)
	})

	t.Run("waits for a channel when exhausted", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection("c")
		pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithMaxSize(1))
		require.NoError(t, err)

		held, err := pool.Get(ctx)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = pool.Get(waitCtx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		go func() {
			time.Sleep(10 * time.Millisecond)
			pool.Put(held)
		}()
		got, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Same(t, held, got)
	})

	t.Run("open failures are returned and release the slot", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection("c")
		conn.FailChannels(rabbitmqtest.ErrBroker)
		pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithMaxSize(1))
		require.NoError(t, err)

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, rabbitmqtest.ErrBroker)
		assert.Equal(t, 0, pool.Size())
	})

	t.Run("Execute recovers panics", func(t *testing.T) {
		pool, err := rabbitmq.NewChannelPool(rabbitmqtest.NewConnection("c"))
		require.NoError(t, err)

		err = pool.Execute(ctx, func(rabbitmq.Channel) error {
			panic("boom")
		})
		assert.EqualError(t, err, "panic in channel execution: boom")

		errFn := errors.New("fn failed")
		assert.ErrorIs(t, pool.Execute(ctx, func(rabbitmq.Channel) error { return errFn }), errFn)
	})

	t.Run("Close closes idle channels and rejects Get", func(t *testing.T) {
		conn := rabbitmqtest.NewConnection("c")
		pool, err := rabbitmq.NewChannelPool(conn)
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(ch)

		require.NoError(t, pool.Close())
		require.NoError(t, pool.Close())
		assert.True(t, ch.IsClosed())

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, rabbitmq.ErrChannelPoolClosed)
	})
}
