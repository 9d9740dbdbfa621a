package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serializer turns actor messages into payload bytes and back
type Serializer interface {
	// Marshal encodes v into a message body
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes a message body into v, which must be a pointer
	Unmarshal(data []byte, v any) error
	// ContentType is stamped on published messages
	ContentType() string
}

// JSONSerializer implements Serializer using encoding/json
type JSONSerializer struct {
	disallowUnknownFields bool
	prettyPrint           bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithDisallowUnknownFields rejects payloads carrying fields the target type lacks
func WithDisallowUnknownFields(disallow bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.disallowUnknownFields = disallow
	}
}

// WithPrettyPrint enables pretty printing
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Marshal implements Serializer
func (s *JSONSerializer) Marshal(v any) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if s.prettyPrint {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, &EncodeError{Op: "marshal", Err: err}
	}
	return data, nil
}

// Unmarshal implements Serializer
func (s *JSONSerializer) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return &DecodeError{Op: "unmarshal", Err: ErrEmptyPayload}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if s.disallowUnknownFields {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Op: "unmarshal", Err: fmt.Errorf("into %T: %w", v, err)}
	}
	return nil
}

// ContentType implements Serializer
func (s *JSONSerializer) ContentType() string {
	return "application/json"
}
