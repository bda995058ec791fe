package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrHandlerNotFound     = errors.New("handler not found")
	ErrHandlerAmbiguous    = errors.New("handler ambiguous")
	ErrDuplicateProcessing = errors.New("message already processed")
	ErrTransport           = errors.New("transport failure")
	ErrSerialization       = errors.New("serialization failure")
	ErrDuplicateKey        = errors.New("duplicate key")
)

// ValidationError rejects a message at the publish or dispatch boundary,
// before storage or transport is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransportError wraps a failure reported by the broker transport.
type TransportError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *TransportError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("transport: %s failed for message %s: %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("transport: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// SerializationError reports malformed input to a serializer.
type SerializationError struct {
	Type string
	Err  error
}

func (e *SerializationError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("serialization of %s failed: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrSerialization) ||
		errors.Is(err, ErrHandlerNotFound) ||
		errors.Is(err, ErrHandlerAmbiguous)
}
