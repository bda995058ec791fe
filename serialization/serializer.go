// Package serialization turns message payloads and envelopes into bytes and
// back, and maps envelope type names to Go message types.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/relaybus/contracts"
)

// Serializer converts payload values to bytes and back.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// JSONSerializer implements Serializer using encoding/json
type JSONSerializer struct {
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithPrettyPrint enables indented output
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

func (s *JSONSerializer) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, &contracts.SerializationError{Err: fmt.Errorf("value cannot be nil")}
	}
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
		return nil, &contracts.SerializationError{Type: fmt.Sprintf("%T", v), Err: err}
	}
	return data, nil
}

func (s *JSONSerializer) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return &contracts.SerializationError{Type: fmt.Sprintf("%T", v), Err: fmt.Errorf("data cannot be empty")}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &contracts.SerializationError{Type: fmt.Sprintf("%T", v), Err: err}
	}
	return nil
}

func (s *JSONSerializer) ContentType() string {
	return "application/json"
}
