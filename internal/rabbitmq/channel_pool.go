package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ChannelPool keeps a few short-lived channels for topology declarations and
// queue inspection. A failed passive declare closes its channel on the broker
// side; such channels are dropped on Put instead of being reused.
type ChannelPool struct {
	opener      ChannelOpener
	channels    chan Channel
	maxSize     int
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a lazily filled channel pool
func NewChannelPool(opener ChannelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if opener == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		opener:  opener,
		maxSize: 2,
	}
	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	pool.channels = make(chan Channel, pool.maxSize)

	return pool, nil
}

// Get retrieves a channel from the pool, opening one when the pool is below max
func (cp *ChannelPool) Get(ctx context.Context) (Channel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}

		select {
		case ch := <-cp.channels:
			cp.mu.Unlock()
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		default:
		}

		if cp.activeCount < cp.maxSize {
			cp.activeCount++
			cp.mu.Unlock()

			ch, err := cp.opener.Channel()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch Channel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed || ch.IsClosed() {
		if !ch.IsClosed() {
			ch.Close()
		}
		cp.activeCount--
		return
	}

	select {
	case cp.channels <- ch:
	default:
		ch.Close()
		cp.activeCount--
	}
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// Close closes all idle channels; channels still checked out are closed on Put
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true

	for {
		select {
		case ch := <-cp.channels:
			if !ch.IsClosed() {
				ch.Close()
			}
			cp.activeCount--
		default:
			return nil
		}
	}
}

// Size returns the current number of channels owned by the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}
