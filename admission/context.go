package admission

import (
	"context"

	"github.com/Shexroz002/rate-limit/limiter"
)

type decisionKey struct{}

// NewContext returns a copy of ctx carrying the decision that admitted the request.
func NewContext(ctx context.Context, d limiter.Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the decision stored by the middleware, if any.
func DecisionFromContext(ctx context.Context) (limiter.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(limiter.Decision)
	return d, ok
}
