package schema

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/messaging"
)

// FieldError describes one failed constraint
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (fe FieldError) String() string {
	return fmt.Sprintf("%s: %s", fe.Field, fe.Message)
}

// ValidationResult lists every failed constraint of one message.
type ValidationResult struct {
	MessageType string       `json:"messageType"`
	Errors      []FieldError `json:"errors"`
}

func (r *ValidationResult) Error() string {
	parts := make([]string, len(r.Errors))
	for i, fe := range r.Errors {
		parts[i] = fe.String()
	}
	return fmt.Sprintf("message %s is invalid: %s", r.MessageType, strings.Join(parts, "; "))
}

// Is reports the result as a validation failure.
func (r *ValidationResult) Is(target error) bool {
	return target == contracts.ErrValidation
}

// Rule checks a message beyond its struct tags. It returns nil when the
// message passes.
type Rule func(ctx context.Context, msg contracts.Message) *FieldError

// MessageValidator provides message validation capabilities
type MessageValidator struct {
	validate *validator.Validate
	rules    map[string][]Rule
	mu       sync.RWMutex
}

// ValidatorOption configures the message validator
type ValidatorOption func(*MessageValidator)

// WithRule adds rule for messages of messageType.
func WithRule(messageType string, rule Rule) ValidatorOption {
	return func(v *MessageValidator) {
		v.rules[messageType] = append(v.rules[messageType], rule)
	}
}

// NewMessageValidator creates a new message validator. Field names in
// errors follow the json tags.
func NewMessageValidator(opts ...ValidatorOption) *MessageValidator {
	v := &MessageValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		rules:    make(map[string][]Rule),
	}
	v.validate.RegisterTagNameFunc(jsonName)

	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RegisterRule adds rule for messages of messageType.
func (v *MessageValidator) RegisterRule(messageType string, rule Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[messageType] = append(v.rules[messageType], rule)
}

// Validate checks msg. It returns nil or a *ValidationResult.
func (v *MessageValidator) Validate(ctx context.Context, msg contracts.Message) error {
	if rv := reflect.ValueOf(msg); !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		return &contracts.ValidationError{Field: "message", Reason: "cannot be nil"}
	}

	result := &ValidationResult{MessageType: msg.GetType()}

	if err := v.validate.StructCtx(ctx, msg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate %s: %w", msg.GetType(), err)
		}
		for _, fe := range verrs {
			result.Errors = append(result.Errors, FieldError{
				Field:   fieldPath(fe.Namespace()),
				Code:    fe.Tag(),
				Message: describe(fe),
			})
		}
	}

	v.mu.RLock()
	rules := v.rules[msg.GetType()]
	v.mu.RUnlock()
	for _, rule := range rules {
		if fe := rule(ctx, msg); fe != nil {
			result.Errors = append(result.Errors, *fe)
		}
	}

	if len(result.Errors) == 0 {
		return nil
	}
	return result
}

// Middleware rejects invalid messages before their handler runs.
func (v *MessageValidator) Middleware() messaging.MiddlewareFunc {
	return func(ctx context.Context, msg contracts.Message, next messaging.Invoker) (any, error) {
		if err := v.Validate(ctx, msg); err != nil {
			return nil, err
		}
		return next(ctx, msg)
	}
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	default:
		return name
	}
}

// fieldPath drops the struct name validator puts in front of the namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}
