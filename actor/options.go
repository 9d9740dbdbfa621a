package actor

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/benbjohnson/clock"

	"github.com/glimte/mmate-actors/observers"
	"github.com/glimte/mmate-actors/retry"
	"github.com/glimte/mmate-actors/serialization"
)

// Executor runs handler work. *registry.WorkerPool satisfies it.
type Executor interface {
	Run(ctx context.Context, fn func(ctx context.Context)) error
}

type inlineExecutor struct{}

func (inlineExecutor) Run(ctx context.Context, fn func(ctx context.Context)) error {
	fn(ctx)
	return nil
}

type options struct {
	logger     *slog.Logger
	clock      clock.Clock
	chain      *observers.Chain
	classifier retry.Classifier
	serializer serialization.Serializer
	executor   Executor
	namespace  string
	pickShard  func(n int) int
}

// Option configures publishers, consumers and actors
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithObservers wraps publishes and deliveries with the given observers,
// the first one outermost
func WithObservers(obs ...observers.Observer) Option {
	return func(o *options) {
		o.chain = observers.NewChain(obs...)
	}
}

// WithChain shares an already assembled observer chain
func WithChain(chain *observers.Chain) Option {
	return func(o *options) {
		o.chain = chain
	}
}

// WithClassifier decides which handler errors are worth a retry
func WithClassifier(c retry.Classifier) Option {
	return func(o *options) {
		o.classifier = c
	}
}

// WithSerializer replaces the JSON payload codec
func WithSerializer(s serialization.Serializer) Option {
	return func(o *options) {
		o.serializer = s
	}
}

// WithExecutor runs handlers on the given executor, usually the worker pool
// of the consumer's connection
func WithExecutor(e Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithNamespace prefixes queue names with a namespace
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithShardPicker replaces the uniform random shard choice
func WithShardPicker(pick func(n int) int) Option {
	return func(o *options) {
		o.pickShard = pick
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		clock:      clock.New(),
		classifier: retry.DefaultClassifier{},
		serializer: serialization.NewJSONSerializer(),
		executor:   inlineExecutor{},
		pickShard:  rand.IntN,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
