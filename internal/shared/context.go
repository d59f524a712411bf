package shared

import (
	"context"
	"strings"
)

type operatorContextKey struct{}

const (
	// OperatorHeader carries the operator name on API requests.
	OperatorHeader = "X-Operator"
	// IdempotencyHeader carries the client retry key on replay-safe commands.
	IdempotencyHeader = "Idempotency-Key"
)

// ContextWithOperator stores the acting operator in context.
func ContextWithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, strings.TrimSpace(operator))
}

// OperatorFromContext extracts the operator, defaulting to "system".
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operatorContextKey{}).(string)
	if op == "" {
		return "system"
	}
	return op
}
