package rabbitmqtest

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is how a delivery was settled
type Outcome struct {
	Acked    bool
	Nacked   bool
	Rejected bool
	Requeue  bool
}

// Acknowledger records how deliveries are settled, keyed by delivery tag
type Acknowledger struct {
	mu       sync.Mutex
	outcomes map[uint64]Outcome
}

var _ amqp.Acknowledger = (*Acknowledger)(nil)

// NewAcknowledger creates an empty recorder
func NewAcknowledger() *Acknowledger {
	return &Acknowledger{outcomes: make(map[uint64]Outcome)}
}

// Ack implements amqp.Acknowledger
func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.set(tag, Outcome{Acked: true})
	return nil
}

// Nack implements amqp.Acknowledger
func (a *Acknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.set(tag, Outcome{Nacked: true, Requeue: requeue})
	return nil
}

// Reject implements amqp.Acknowledger
func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	a.set(tag, Outcome{Rejected: true, Requeue: requeue})
	return nil
}

func (a *Acknowledger) set(tag uint64, o Outcome) {
	a.mu.Lock()
	a.outcomes[tag] = o
	a.mu.Unlock()
}

// Outcome returns how a delivery was settled, if it was
func (a *Acknowledger) Outcome(tag uint64) (Outcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.outcomes[tag]
	return o, ok
}

// Settled reports whether the delivery was acked, nacked or rejected
func (a *Acknowledger) Settled(tag uint64) bool {
	_, ok := a.Outcome(tag)
	return ok
}

// Delivery builds a delivery settled through this acknowledger
func (a *Acknowledger) Delivery(tag uint64, body []byte, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  tag,
		Body:         body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
	}
}
