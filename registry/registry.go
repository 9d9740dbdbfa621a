package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/internal/rabbitmq"
)

// Role selects one of the internal default connections
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// ConnectionName returns the reserved connection name behind a role
func (r Role) ConnectionName() string {
	if r == RoleConsumer {
		return config.DefaultConsumerConnectionName
	}
	return config.DefaultProducerConnectionName
}

// ConnectionFactory opens and starts a named connection
type ConnectionFactory func(ctx context.Context, name string, cfg config.RMQConfig) (rabbitmq.Connection, error)

// Entry is one live connection with its handler pool
type Entry struct {
	Name string
	Conn rabbitmq.Connection
	Pool *WorkerPool
}

type slot struct {
	ready chan struct{}
	entry *Entry
	err   error
}

// Registry lazily creates one connection per name and keeps it until Close
type Registry struct {
	cfg     config.RMQConfig
	factory ConnectionFactory
	logger  *slog.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// Option configures the Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithConnectionFactory replaces how connections are opened
func WithConnectionFactory(factory ConnectionFactory) Option {
	return func(r *Registry) {
		r.factory = factory
	}
}

// New creates a registry. Configured connections may not use reserved names.
func New(cfg config.RMQConfig, opts ...Option) (*Registry, error) {
	cfg.SetDefaults()

	for _, conn := range cfg.Connections {
		if config.IsReservedConnectionName(conn.Name) {
			return nil, &ReservedNameError{Name: conn.Name}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:    cfg,
		logger: slog.Default(),
		slots:  make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = AMQPConnectionFactory(r.logger)
	}
	return r, nil
}

// AMQPConnectionFactory dials the configured brokers with a ConnectionManager
func AMQPConnectionFactory(logger *slog.Logger) ConnectionFactory {
	return func(ctx context.Context, name string, cfg config.RMQConfig) (rabbitmq.Connection, error) {
		cm := rabbitmq.NewConnectionManager(name, cfg.URIs(),
			rabbitmq.WithLogger(logger),
			rabbitmq.WithReconnectDelay(cfg.ReconnectDelay.Std()),
		)
		if err := cm.Connect(ctx); err != nil {
			return nil, err
		}
		return cm, nil
	}
}

// CreateOrGet returns the connection registered under name, creating and
// starting it on first use. Reserved names are rejected.
func (r *Registry) CreateOrGet(ctx context.Context, name string) (*Entry, error) {
	if config.IsReservedConnectionName(name) {
		return nil, &ReservedNameError{Name: name}
	}
	return r.get(ctx, name)
}

// Default returns one of the internal default connections
func (r *Registry) Default(ctx context.Context, role Role) (*Entry, error) {
	return r.get(ctx, role.ConnectionName())
}

// ForActor resolves the connection an actor should use: its configured
// connection, or the default one for the role when none is configured.
// Naming a reserved connection is an error.
func (r *Registry) ForActor(ctx context.Context, cfg config.ActorConfig, role Role) (*Entry, error) {
	if cfg.ConnectionName == "" {
		return r.Default(ctx, role)
	}
	return r.CreateOrGet(ctx, cfg.ConnectionName)
}

func (r *Registry) get(ctx context.Context, name string) (*Entry, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	s, ok := r.slots[name]
	if !ok {
		s = &slot{ready: make(chan struct{})}
		r.slots[name] = s
		r.mu.Unlock()

		r.open(ctx, name, s)
		return s.entry, s.err
	}
	r.mu.Unlock()

	select {
	case <-s.ready:
		if s.err != nil {
			// the creator failed; let this caller try again
			return r.get(ctx, name)
		}
		return s.entry, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) open(ctx context.Context, name string, s *slot) {
	defer close(s.ready)

	conn, err := r.factory(ctx, name, r.cfg)
	if err != nil {
		s.err = fmt.Errorf("failed to open connection %s: %w", name, err)
		r.mu.Lock()
		delete(r.slots, name)
		r.mu.Unlock()
		return
	}

	s.entry = &Entry{
		Name: name,
		Conn: conn,
		Pool: NewWorkerPool(name, r.poolSize(name)),
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		conn.Close()
		s.entry, s.err = nil, ErrRegistryClosed
		return
	}

	r.logger.Info("connection registered", "connection", name, "threadPoolSize", s.entry.Pool.Size())
}

func (r *Registry) poolSize(name string) int {
	if conn, ok := r.cfg.Connection(name); ok {
		return conn.ThreadPoolSize
	}
	return r.cfg.ThreadPoolSize
}

// Entries returns the live connections sorted by name
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	entries := make([]*Entry, 0, len(slots))
	for _, s := range slots {
		select {
		case <-s.ready:
			if s.entry != nil {
				entries = append(entries, s.entry)
			}
		default:
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Close drains every worker pool, then closes every connection. Later
// lookups fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	entries := r.Entries()
	for _, e := range entries {
		e.Pool.Close()
	}

	var err error
	for _, e := range entries {
		if cerr := e.Conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close connection %s: %w", e.Name, cerr))
		}
	}

	r.mu.Lock()
	r.slots = make(map[string]*slot)
	r.mu.Unlock()

	r.logger.Info("connection registry closed", "connections", len(entries))
	return err
}
