// ABOUTME: Request context plumbing for the authenticated operator
// ABOUTME: Provides WithOperator/FromContext for propagating identity to handlers

package auth

import (
	"context"
)

// operatorContextKey is the key type for storing the Operator in context.Context.
type operatorContextKey struct{}

// WithOperator returns a new context with the operator attached.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, op)
}

// FromContext retrieves the operator from the context, returning nil if not present.
func FromContext(ctx context.Context) *Operator {
	val := ctx.Value(operatorContextKey{})
	if val == nil {
		return nil
	}
	op, ok := val.(*Operator)
	if !ok {
		return nil
	}
	return op
}
