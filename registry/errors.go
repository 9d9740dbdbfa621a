package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/mmate-actors/config"
)

var (
	// ErrRegistryClosed is returned by lookups after Close
	ErrRegistryClosed = errors.New("registry: closed")
	// ErrPoolClosed is returned by WorkerPool.Run after Close
	ErrPoolClosed = errors.New("registry: worker pool closed")
)

// ReservedNameError reports an attempt to claim an internal connection name
type ReservedNameError struct {
	Name string
}

func (e *ReservedNameError) Error() string {
	return fmt.Sprintf("These connection names are reserved for internal usage: %s (requested %q)",
		strings.Join(config.ReservedConnectionNames(), ", "), e.Name)
}

// Unwrap lets callers match config.ErrInvalidConfiguration
func (e *ReservedNameError) Unwrap() error {
	return config.ErrInvalidConfiguration
}
