// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package actors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-actors/actor"
	"github.com/glimte/mmate-actors/config"
	"github.com/glimte/mmate-actors/health"
	"github.com/glimte/mmate-actors/observers"
	"github.com/glimte/mmate-actors/registry"
)

// Managed is anything the bundle starts and stops with the process
type Managed interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// Aborter is implemented by components that can undo Start without
// becoming unusable. Actors implement it.
type Aborter interface {
	Abort() error
}

// Bundle owns the process-wide pieces: the connection registry, the observer
// chain, health checks and every registered actor. Actors start in
// registration order and stop in reverse, before connections are closed.
type Bundle struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	chain    *observers.Chain
	health   *health.Registry

	mu      sync.Mutex
	managed []Managed
	started int
	stopped bool
}

// bundleConfig holds bundle construction options
type bundleConfig struct {
	logger     *slog.Logger
	factory    registry.ConnectionFactory
	registerer prometheus.Registerer
	observers  []observers.Observer
}

// Option configures the bundle
type Option func(*bundleConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *bundleConfig) {
		cfg.logger = logger
	}
}

// WithConnectionFactory replaces how broker connections are opened
func WithConnectionFactory(factory registry.ConnectionFactory) Option {
	return func(cfg *bundleConfig) {
		cfg.factory = factory
	}
}

// WithRegisterer sets where metrics are registered when metrics are enabled
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *bundleConfig) {
		cfg.registerer = reg
	}
}

// WithObservers appends observers after the built-in logging and metrics ones
func WithObservers(obs ...observers.Observer) Option {
	return func(cfg *bundleConfig) {
		cfg.observers = append(cfg.observers, obs...)
	}
}

// New builds the registry and the observer chain. No connection is opened
// until an actor needs one.
func New(cfg *config.Config, options ...Option) (*Bundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", config.ErrInvalidConfiguration)
	}
	bc := &bundleConfig{
		logger:     slog.Default(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range options {
		opt(bc)
	}

	regOpts := []registry.Option{registry.WithLogger(bc.logger)}
	if bc.factory != nil {
		regOpts = append(regOpts, registry.WithConnectionFactory(bc.factory))
	}
	reg, err := registry.New(cfg.RabbitMQ, regOpts...)
	if err != nil {
		return nil, err
	}

	chain := []observers.Observer{observers.NewLoggingObserver(bc.logger)}
	if cfg.Metrics.Enabled {
		metrics, err := observers.NewMetricsObserver(bc.registerer, "")
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		chain = append(chain, metrics)
	}
	chain = append(chain, bc.observers...)

	return &Bundle{
		cfg:      cfg,
		logger:   bc.logger,
		registry: reg,
		chain:    observers.NewChain(chain...),
		health:   health.NewRegistry(health.NewConnectionChecker(reg)),
	}, nil
}

// Registry returns the connection registry
func (b *Bundle) Registry() *registry.Registry {
	return b.registry
}

// Health returns the health registry; actors added to the bundle register
// a backlog check
func (b *Bundle) Health() *health.Registry {
	return b.health
}

// Config returns the configuration the bundle was built from
func (b *Bundle) Config() *config.Config {
	return b.cfg
}

// ActorOptions returns the options every bundled actor is built with
func (b *Bundle) ActorOptions() []actor.Option {
	return []actor.Option{
		actor.WithLogger(b.logger),
		actor.WithChain(b.chain),
		actor.WithNamespace(b.cfg.RabbitMQ.Namespace),
	}
}

// Add hands a component to the bundle lifecycle. Components added after
// Start are started by the next Start call.
func (b *Bundle) Add(m Managed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.managed = append(b.managed, m)
	if backlog, ok := m.(health.Backlog); ok {
		b.health.Register(health.NewBacklogChecker(backlog, 0, 0))
	}
}

// Register builds the actor named in the configuration and adds it to the bundle
func Register[M any](ctx context.Context, b *Bundle, name string, handler, expired actor.Handler[M], opts ...actor.Option) (*actor.Actor[M], error) {
	cfg, err := b.cfg.Actor(name)
	if err != nil {
		return nil, err
	}
	opts = append(b.ActorOptions(), opts...)
	a, err := actor.FromRegistry(ctx, b.registry, name, cfg, handler, expired, opts...)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", name, err)
	}
	b.Add(a)
	return a, nil
}

// Start starts every component not yet started, in registration order. On
// failure the components it started are rolled back in reverse order and a
// later Start retries all of them.
func (b *Bundle) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return actor.ErrStopped
	}

	first := b.started
	for i := first; i < len(b.managed); i++ {
		m := b.managed[i]
		if err := m.Start(ctx); err != nil {
			b.logger.Error("failed to start", "component", m.Name(), "error", err)
			for j := i - 1; j >= first; j-- {
				err = multierr.Append(err, rollback(b.managed[j]))
			}
			b.started = first
			return fmt.Errorf("start %s: %w", m.Name(), err)
		}
		b.started = i + 1
	}
	b.logger.Info("bundle started", "components", len(b.managed))
	return nil
}

func rollback(m Managed) error {
	if a, ok := m.(Aborter); ok {
		return a.Abort()
	}
	return m.Stop()
}

// Stop stops every started component in reverse order, then closes the
// registry. Calling it again is a no-op.
func (b *Bundle) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil
	}
	b.stopped = true

	var err error
	for i := b.started - 1; i >= 0; i-- {
		m := b.managed[i]
		if stopErr := m.Stop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", m.Name(), stopErr))
		}
	}
	err = multierr.Append(err, b.registry.Close())

	if err != nil {
		b.logger.Error("bundle stopped with errors", "error", err)
		return err
	}
	b.logger.Info("bundle stopped", "components", b.started)
	return nil
}
