package actor

import (
	"errors"
	"fmt"
	"math"
)

// UnknownCount is returned by pending-count queries that could not reach the broker
const UnknownCount int64 = math.MaxInt64

var (
	// ErrNotStarted is returned when publishing before Start
	ErrNotStarted = errors.New("actor: not started")
	// ErrStopped is returned when using a publisher or consumer after Stop
	ErrStopped = errors.New("actor: stopped")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("actor: already started")
	// ErrNoHandler is returned when a consumer is built without a handler
	ErrNoHandler = errors.New("actor: message handler is required")
)

// PanicError carries a value recovered from a panicking handler. It is
// retried like any other handler error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("actor: handler panicked: %v", e.Value)
}

type state int

const (
	stateCreated state = iota
	stateStarted
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	}
	return "unknown"
}
