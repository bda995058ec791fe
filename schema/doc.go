// Package schema validates message payloads at the dispatch boundary.
//
// Constraints are declared with `validate` struct tags and checked with
// go-playground/validator. Rules that need more than one field, or data
// outside the message, are registered per message type.
//
// Basic usage:
//
//	v := schema.NewMessageValidator(
//	    schema.WithRule("PlaceOrder", func(ctx context.Context, msg contracts.Message) *schema.FieldError {
//	        if msg.(*PlaceOrder).Total <= 0 {
//	            return &schema.FieldError{Field: "total", Code: "positive", Message: "must be positive"}
//	        }
//	        return nil
//	    }),
//	)
//
//	d := messaging.NewDispatcher(messaging.WithMiddleware(v.Middleware()))
//
// A failed validation is a *ValidationResult, which matches
// contracts.ErrValidation, so the subscriber dead-letters the message instead
// of redelivering it.
package schema
