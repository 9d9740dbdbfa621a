package config

import (
	"fmt"
	"time"
)

// DelayType selects how delayed publishes are realised on the broker
type DelayType string

const (
	// DelayPlugin relies on the x-delayed-message exchange plugin
	DelayPlugin DelayType = "PLUGIN"
	// DelayTTL parks messages in a per-actor TTL queue that dead-letters back
	DelayTTL DelayType = "TTL"
)

// QueueType is the RabbitMQ queue implementation used for actor queues
type QueueType string

const (
	QueueClassic QueueType = "classic"
	QueueQuorum  QueueType = "quorum"
)

// CompressionType names the payload compression applied by publishers
type CompressionType string

const (
	CompressionNone CompressionType = "NONE"
	CompressionGzip CompressionType = "GZIP"
	CompressionZstd CompressionType = "ZSTD"
)

// ExceptionHandlerType decides where terminally failed messages go
type ExceptionHandlerType string

const (
	// ExceptionSideline dead-letters failed messages into the sideline queue
	ExceptionSideline ExceptionHandlerType = "SIDELINE"
	// ExceptionDrop acknowledges and discards failed messages
	ExceptionDrop ExceptionHandlerType = "DROP"
)

// ExceptionHandlerConfig configures terminal failure handling
type ExceptionHandlerConfig struct {
	Type ExceptionHandlerType `yaml:"type"`
}

// RetryType is the discriminant of RetryConfig
type RetryType string

const (
	RetryNone                           RetryType = "NO_RETRY"
	RetryCountLimitedFixedWait          RetryType = "COUNT_LIMITED_FIXED_WAIT"
	RetryCountLimitedExponentialBackoff RetryType = "COUNT_LIMITED_EXPONENTIAL_BACKOFF"
	RetryCountLimitedIncrementalBackoff RetryType = "COUNT_LIMITED_INCREMENTAL_BACKOFF"
)

// RetryConfig is a tagged variant: Type decides which of the other fields apply.
//
//	NO_RETRY                          -
//	COUNT_LIMITED_FIXED_WAIT          MaxAttempts, WaitTime
//	COUNT_LIMITED_EXPONENTIAL_BACKOFF MaxAttempts, WaitTime (initial), Multiplier, MaxTimeBetweenRetries
//	COUNT_LIMITED_INCREMENTAL_BACKOFF MaxAttempts, WaitTime (step)
type RetryConfig struct {
	Type                  RetryType `yaml:"type"`
	MaxAttempts           int       `yaml:"maxAttempts"`
	WaitTime              Duration  `yaml:"waitTime"`
	Multiplier            float64   `yaml:"multiplier"`
	MaxTimeBetweenRetries Duration  `yaml:"maxTimeBetweenRetries"`
}

// NoRetry returns the NO_RETRY variant
func NoRetry() RetryConfig {
	return RetryConfig{Type: RetryNone}
}

// CountLimitedFixedWait returns the COUNT_LIMITED_FIXED_WAIT variant
func CountLimitedFixedWait(maxAttempts int, wait time.Duration) RetryConfig {
	return RetryConfig{
		Type:        RetryCountLimitedFixedWait,
		MaxAttempts: maxAttempts,
		WaitTime:    Duration(wait),
	}
}

// CountLimitedExponentialBackoff returns the COUNT_LIMITED_EXPONENTIAL_BACKOFF variant
func CountLimitedExponentialBackoff(maxAttempts int, initial time.Duration, multiplier float64, maxWait time.Duration) RetryConfig {
	return RetryConfig{
		Type:                  RetryCountLimitedExponentialBackoff,
		MaxAttempts:           maxAttempts,
		WaitTime:              Duration(initial),
		Multiplier:            multiplier,
		MaxTimeBetweenRetries: Duration(maxWait),
	}
}

// Validate checks the fields required by the selected variant
func (r RetryConfig) Validate() error {
	switch r.Type {
	case RetryNone:
		return nil
	case RetryCountLimitedFixedWait, RetryCountLimitedIncrementalBackoff:
		if r.MaxAttempts < 1 {
			return fmt.Errorf("%w: %s needs maxAttempts >= 1", ErrInvalidConfiguration, r.Type)
		}
		if r.WaitTime < 0 {
			return fmt.Errorf("%w: %s needs a non-negative waitTime", ErrInvalidConfiguration, r.Type)
		}
		return nil
	case RetryCountLimitedExponentialBackoff:
		if r.MaxAttempts < 1 {
			return fmt.Errorf("%w: %s needs maxAttempts >= 1", ErrInvalidConfiguration, r.Type)
		}
		if r.Multiplier < 1 {
			return fmt.Errorf("%w: %s needs multiplier >= 1", ErrInvalidConfiguration, r.Type)
		}
		if r.WaitTime <= 0 {
			return fmt.Errorf("%w: %s needs a positive waitTime", ErrInvalidConfiguration, r.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown retry type %q", ErrInvalidConfiguration, r.Type)
	}
}

// ActorConfig describes one actor's topology and consumption settings
type ActorConfig struct {
	Exchange          string                 `yaml:"exchange"`
	Prefix            string                 `yaml:"prefix"`
	Delayed           bool                   `yaml:"delayed"`
	DelayType         DelayType              `yaml:"delayType"`
	ShardCount        int                    `yaml:"shardCount"`
	Retry             RetryConfig            `yaml:"retryConfig"`
	ExceptionHandler  ExceptionHandlerConfig `yaml:"exceptionHandlerConfig"`
	PrefetchCount     int                    `yaml:"prefetchCount"`
	Concurrency       int                    `yaml:"concurrency"`
	ConnectionName    string                 `yaml:"connectionName"`
	QueueType         QueueType              `yaml:"queueType"`
	Compression       CompressionType        `yaml:"compression"`
	PublisherConfirms bool                   `yaml:"publisherConfirms"`
}

// SetDefaults fills zero values with the package defaults
func (a *ActorConfig) SetDefaults() {
	if a.Prefix == "" {
		a.Prefix = DefaultQueuePrefix
	}
	if a.DelayType == "" {
		a.DelayType = DelayPlugin
	}
	if a.Retry.Type == "" {
		a.Retry.Type = RetryNone
	}
	if a.ExceptionHandler.Type == "" {
		a.ExceptionHandler.Type = ExceptionSideline
	}
	if a.PrefetchCount <= 0 {
		a.PrefetchCount = 1
	}
	if a.Concurrency <= 0 {
		a.Concurrency = 1
	}
	if a.QueueType == "" {
		a.QueueType = QueueClassic
	}
	if a.Compression == "" {
		a.Compression = CompressionNone
	}
}

// IsSharded reports whether the actor spreads messages across shard queues
func (a ActorConfig) IsSharded() bool {
	return a.ShardCount > 0
}

// Validate checks an actor configuration after defaults were applied
func (a ActorConfig) Validate() error {
	if a.Exchange == "" {
		return fmt.Errorf("%w: actor exchange cannot be empty", ErrInvalidConfiguration)
	}
	if a.ShardCount < 0 {
		return fmt.Errorf("%w: shardCount cannot be negative", ErrInvalidConfiguration)
	}
	if a.PrefetchCount < 1 || a.Concurrency < 1 {
		return fmt.Errorf("%w: prefetchCount and concurrency must be positive", ErrInvalidConfiguration)
	}
	switch a.DelayType {
	case DelayPlugin, DelayTTL:
	default:
		return fmt.Errorf("%w: unknown delay type %q", ErrInvalidConfiguration, a.DelayType)
	}
	switch a.QueueType {
	case QueueClassic, QueueQuorum:
	default:
		return fmt.Errorf("%w: unknown queue type %q", ErrInvalidConfiguration, a.QueueType)
	}
	switch a.Compression {
	case CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfiguration, a.Compression)
	}
	switch a.ExceptionHandler.Type {
	case ExceptionSideline, ExceptionDrop:
	default:
		return fmt.Errorf("%w: unknown exception handler %q", ErrInvalidConfiguration, a.ExceptionHandler.Type)
	}
	return a.Retry.Validate()
}
