package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-actors/retry"
)

// ErrNotConnected is returned when the connection is not established
var ErrNotConnected = errors.New("rabbitmq: not connected")

// DialFunc opens one AMQP connection to a broker URI
type DialFunc func(uri string) (*amqp.Connection, error)

// ConnectionManager owns one physical connection for a named registry entry.
// It walks the broker list in order on connect and reconnects in the
// background with exponential backoff after the broker drops it.
type ConnectionManager struct {
	name           string
	uris           []string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	dial           DialFunc
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	ctx            context.Context
	cancel         context.CancelFunc
	closed         bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay; later ones double
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; -1 retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a connection manager for the given broker URIs
func NewConnectionManager(name string, uris []string, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		name:           name,
		uris:           uris,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		ctx:            ctx,
		cancel:         cancel,
	}
	cm.dial = cm.defaultDial

	for _, opt := range options {
		opt(cm)
	}
	cm.logger = cm.logger.With("connection", name)

	return cm
}

func (cm *ConnectionManager) defaultDial(uri string) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.name)
	return amqp.DialConfig(uri, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
}

// Name returns the registry name of the connection
func (cm *ConnectionManager) Name() string {
	return cm.name
}

// Connect establishes the initial connection, trying brokers in order
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return &ConnectionError{Op: "connect", Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	if cm.isConnected {
		return nil
	}
	if len(cm.uris) == 0 {
		return &ConnectionError{Op: "connect", Err: ErrInvalidConfiguration, Timestamp: time.Now()}
	}

	conn, err := cm.dialAny(ctx)
	if err != nil {
		return err
	}
	cm.attach(conn)

	go cm.handleReconnect(cm.notifyClose)
	return nil
}

// dialAny tries every broker once and returns the first connection that opens
func (cm *ConnectionManager) dialAny(ctx context.Context) (*amqp.Connection, error) {
	var lastErr error
	var lastURL string
	for _, uri := range cm.uris {
		conn, err := cm.dialOne(ctx, uri)
		if err == nil {
			cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(uri))
			return conn, nil
		}
		cm.logger.Warn("broker unreachable", "url", SanitizeURL(uri), "error", err)
		lastErr = err
		lastURL = uri

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(lastURL),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  len(cm.uris),
	}
}

func (cm *ConnectionManager) dialOne(ctx context.Context, uri string) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(uri)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-dialCtx.Done():
		// close the late connection so it does not leak
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", ChannelID: cm.name, Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			ChannelID: cm.name,
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting. Closing twice is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.cancel()
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return &ConnectionError{Op: "close", Err: err, Timestamp: time.Now()}
		}
	}
	return nil
}

// handleReconnect waits for the broker to drop the connection and reconnects
func (cm *ConnectionManager) handleReconnect(notify chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if !ok || err == nil {
			// graceful close
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.reconnect()

	case <-cm.ctx.Done():
	}
}

// reconnect retries every broker with exponential backoff until one answers,
// the retry budget runs out, or the manager is closed
func (cm *ConnectionManager) reconnect() {
	attempts := cm.maxRetries
	if attempts < 0 {
		attempts = math.MaxInt
	}
	backoff := retry.NewExponentialBackoff(attempts, cm.reconnectDelay, 2.0, 5*time.Minute)
	startTime := time.Now()

	var conn *amqp.Connection
	err := retry.Do(cm.ctx, backoff, nil, func(attempt int) error {
		cm.logger.Info("attempting to reconnect", "attempt", attempt, "maxRetries", cm.maxRetries)
		var err error
		conn, err = cm.dialAny(cm.ctx)
		return err
	})
	if err != nil {
		if cm.ctx.Err() == nil {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", cm.maxRetries,
				"duration", time.Since(startTime),
				"error", err)
		}
		return
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		conn.Close()
		return
	}
	cm.attach(conn)
	notify := cm.notifyClose
	cm.mu.Unlock()

	cm.logger.Info("successfully reconnected to RabbitMQ", "duration", time.Since(startTime))
	go cm.handleReconnect(notify)
}

// SanitizeURL hides the password of a broker URI
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
