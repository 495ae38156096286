package auth

import "context"

// Operator is the authenticated caller behind an operator route.
type Operator struct {
	Name string
	Role string
}

type operatorKey struct{}

func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFromContext returns the operator JWTMiddleware attached. ok is
// false on unguarded routes.
func OperatorFromContext(ctx context.Context) (op Operator, ok bool) {
	op, ok = ctx.Value(operatorKey{}).(Operator)
	return op, ok
}
