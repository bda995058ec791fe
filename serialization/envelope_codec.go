package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/relaybus/contracts"
)

// EnvelopeCodec is the wire format of a whole envelope, as stored in the
// outbox and sent to the broker.
type EnvelopeCodec interface {
	Encode(env *contracts.Envelope) ([]byte, error)
	Decode(data []byte) (*contracts.Envelope, error)
}

// JSONEnvelopeCodec encodes envelopes as JSON documents.
type JSONEnvelopeCodec struct{}

func NewJSONEnvelopeCodec() *JSONEnvelopeCodec {
	return &JSONEnvelopeCodec{}
}

func (JSONEnvelopeCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &contracts.SerializationError{Type: "envelope", Err: err}
	}
	return data, nil
}

// Decode parses and validates an envelope.
func (JSONEnvelopeCodec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, &contracts.SerializationError{Type: "envelope", Err: fmt.Errorf("data cannot be empty")}
	}
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &contracts.SerializationError{Type: "envelope", Err: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &contracts.SerializationError{Type: "envelope", Err: err}
	}
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	return &env, nil
}
