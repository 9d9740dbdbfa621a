package actor

import (
	"math"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message headers written by publishers and read back by consumers
const (
	HeaderPublishedAt     = "published-at"
	HeaderExpiresAt       = "expires-at"
	HeaderCompressionType = "compression-type"
	HeaderSourceID        = "source-id"
	HeaderDelay           = "x-delay"
	HeaderRetryCount      = "x-retry-count"

	// set by quorum queues on redelivery
	headerDeliveryCount = "x-delivery-count"
)

// MessageMetadata is derived from a delivery at consume time
type MessageMetadata struct {
	// Redelivered is the broker redelivery flag
	Redelivered bool
	// DelayInMs is the time between the original publish and this delivery
	DelayInMs int64
	// Attempt is 1 for the first delivery and grows with every retry
	Attempt int
	// PublishedAt is zero when the publisher did not stamp the message
	PublishedAt time.Time
	// ExpiresAt is zero for messages published without an expiry
	ExpiresAt time.Time

	QueueName  string
	RoutingKey string
	MessageID  string
	Headers    amqp.Table
}

// Expired reports whether the message carried an expiry that lies before now
func (m MessageMetadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

func newMetadata(d amqp.Delivery, queue string, now time.Time) MessageMetadata {
	meta := MessageMetadata{
		Redelivered: d.Redelivered,
		Attempt:     attemptOf(d.Headers),
		QueueName:   queue,
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Headers:     d.Headers,
	}

	if ms, ok := headerInt64(d.Headers, HeaderPublishedAt); ok {
		meta.PublishedAt = time.UnixMilli(ms)
		meta.DelayInMs = now.UnixMilli() - ms
	}
	if ms, ok := headerInt64(d.Headers, HeaderExpiresAt); ok {
		meta.ExpiresAt = time.UnixMilli(ms)
	}
	return meta
}

// attemptOf returns the 1-based attempt number of a delivery. Republished
// retries carry x-retry-count; quorum queues count redeliveries themselves.
func attemptOf(headers amqp.Table) int {
	consumed, _ := headerInt64(headers, HeaderRetryCount)
	delivered, _ := headerInt64(headers, headerDeliveryCount)
	if delivered > consumed {
		consumed = delivered
	}
	if consumed < 0 {
		consumed = 0
	}
	if consumed >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(consumed) + 1
}

// headerInt64 reads a numeric header. AMQP peers encode integers with
// different widths, and some clients send them as strings.
func headerInt64(headers amqp.Table, key string) (int64, bool) {
	v, ok := headers[key]
	if !ok || v == nil {
		return 0, false
	}

	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func headerString(headers amqp.Table, key string) string {
	if s, ok := headers[key].(string); ok {
		return s
	}
	return ""
}

// copyHeaders returns a shallow copy that can be enriched without touching
// the caller's table
func copyHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+3)
	for k, v := range headers {
		out[k] = v
	}
	return out
}
