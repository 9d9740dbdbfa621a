package serialization

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned when a delivery carries no body
	ErrEmptyPayload = errors.New("serialization: empty payload")
	// ErrUnknownCompression is returned for a compression-type header nobody registered
	ErrUnknownCompression = errors.New("serialization: unknown compression type")
)

// DecodeError reports a payload that could not be turned back into a message.
// A redelivery cannot fix it, so it is never retryable.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed (%s): %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable always reports false
func (e *DecodeError) IsRetryable() bool {
	return false
}

// EncodeError reports a message that could not be serialized or compressed
type EncodeError struct {
	Op  string
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode failed (%s): %v", e.Op, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
