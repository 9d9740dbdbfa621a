package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfiguration is wrapped by every validation failure in this package
var ErrInvalidConfiguration = errors.New("config: invalid configuration")

// Names of the connections the registry keeps for internal use.
const (
	DefaultProducerConnectionName = "__defaultproducer"
	DefaultConsumerConnectionName = "__defaultconsumer"
)

// DefaultQueuePrefix is used when an actor does not configure a prefix
const DefaultQueuePrefix = "rabbitmq.actors"

// DefaultThreadPoolSize sizes a connection worker pool when nothing else is set
const DefaultThreadPoolSize = 10

// ReservedConnectionNames returns the connection names callers cannot claim
func ReservedConnectionNames() []string {
	return []string{DefaultProducerConnectionName, DefaultConsumerConnectionName}
}

// IsReservedConnectionName reports whether name belongs to the internal set
func IsReservedConnectionName(name string) bool {
	for _, reserved := range ReservedConnectionNames() {
		if reserved == name {
			return true
		}
	}
	return false
}

// Duration is a time.Duration that reads Go duration strings ("100ms") from YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: bad duration %q: %v", ErrInvalidConfiguration, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Broker is one RabbitMQ endpoint
type Broker struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ConnectionConfig describes a named broker connection and its worker pool
type ConnectionConfig struct {
	Name           string `yaml:"name"`
	ThreadPoolSize int    `yaml:"threadPoolSize"`
}

// RMQConfig holds broker endpoints, credentials and the named connections
type RMQConfig struct {
	Brokers        []Broker           `yaml:"brokers"`
	UserName       string             `yaml:"userName"`
	Password       string             `yaml:"password"`
	VirtualHost    string             `yaml:"virtualHost"`
	Secure         bool               `yaml:"secure"`
	ThreadPoolSize int                `yaml:"threadPoolSize"`
	Connections    []ConnectionConfig `yaml:"connections"`
	Namespace      string             `yaml:"namespace"`
	ReconnectDelay Duration           `yaml:"reconnectDelay"`
}

// SetDefaults fills zero values with the package defaults
func (c *RMQConfig) SetDefaults() {
	if c.VirtualHost == "" {
		c.VirtualHost = "/"
	}
	if c.ThreadPoolSize <= 0 {
		c.ThreadPoolSize = DefaultThreadPoolSize
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = Duration(5 * time.Second)
	}
	for i := range c.Connections {
		if c.Connections[i].ThreadPoolSize <= 0 {
			c.Connections[i].ThreadPoolSize = c.ThreadPoolSize
		}
	}
}

// Validate checks broker endpoints and connection names. Reserved names are
// left to the registry so it can report them with the reserved set.
func (c *RMQConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: at least one broker is required", ErrInvalidConfiguration)
	}
	for i, b := range c.Brokers {
		if b.Host == "" {
			return fmt.Errorf("%w: broker %d has no host", ErrInvalidConfiguration, i)
		}
		if b.Port < 0 || b.Port > 65535 {
			return fmt.Errorf("%w: broker %s has invalid port %d", ErrInvalidConfiguration, b.Host, b.Port)
		}
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("%w: connection name cannot be empty", ErrInvalidConfiguration)
		}
		if seen[conn.Name] {
			return fmt.Errorf("%w: duplicate connection name %q", ErrInvalidConfiguration, conn.Name)
		}
		seen[conn.Name] = true
	}
	return nil
}

// Connection returns the configuration for a named connection
func (c *RMQConfig) Connection(name string) (ConnectionConfig, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return ConnectionConfig{}, false
}

// URIs builds one AMQP URI per broker, in configuration order
func (c *RMQConfig) URIs() []string {
	scheme := "amqp"
	defaultPort := 5672
	if c.Secure {
		scheme = "amqps"
		defaultPort = 5671
	}

	uris := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		port := b.Port
		if port == 0 {
			port = defaultPort
		}
		// the vhost is a single path segment, so "/" must travel as %2F
		u := url.URL{
			Scheme:  scheme,
			Host:    net.JoinHostPort(b.Host, strconv.Itoa(port)),
			Path:    "/" + c.VirtualHost,
			RawPath: "/" + url.PathEscape(c.VirtualHost),
		}
		if c.UserName != "" {
			u.User = url.UserPassword(c.UserName, c.Password)
		}
		uris = append(uris, u.String())
	}
	return uris
}
