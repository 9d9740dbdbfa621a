package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the file layout read by Load
type Config struct {
	RabbitMQ RMQConfig              `yaml:"rabbitmq"`
	Actors   map[string]ActorConfig `yaml:"actors"`
	Logging  LoggingConfig          `yaml:"logging"`
	Metrics  MetricsConfig          `yaml:"metrics"`
}

// MetricsConfig controls the prometheus endpoint exposed by actorctl serve
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads a YAML file, applies environment overrides and defaults, and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes the same way Load does
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults applies defaults to every section
func (c *Config) SetDefaults() {
	c.RabbitMQ.SetDefaults()
	for name, actor := range c.Actors {
		actor.SetDefaults()
		c.Actors[name] = actor
	}
	c.Logging.SetDefaults()
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// Validate checks the broker section and every actor
func (c *Config) Validate() error {
	if err := c.RabbitMQ.Validate(); err != nil {
		return err
	}
	for name, actor := range c.Actors {
		if err := actor.Validate(); err != nil {
			return fmt.Errorf("actor %s: %w", name, err)
		}
		if actor.ConnectionName != "" && !IsReservedConnectionName(actor.ConnectionName) {
			if _, ok := c.RabbitMQ.Connection(actor.ConnectionName); !ok {
				return fmt.Errorf("%w: actor %s references unknown connection %q",
					ErrInvalidConfiguration, name, actor.ConnectionName)
			}
		}
	}
	return nil
}

// Actor returns a named actor configuration
func (c *Config) Actor(name string) (ActorConfig, error) {
	actor, ok := c.Actors[name]
	if !ok {
		return ActorConfig{}, fmt.Errorf("%w: no actor named %q", ErrInvalidConfiguration, name)
	}
	return actor, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RMQ_USERNAME"); v != "" {
		c.RabbitMQ.UserName = v
	}
	if v := os.Getenv("RMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("RMQ_VHOST"); v != "" {
		c.RabbitMQ.VirtualHost = v
	}
	if v := os.Getenv("RMQ_NAMESPACE"); v != "" {
		c.RabbitMQ.Namespace = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}
