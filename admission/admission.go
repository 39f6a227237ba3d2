// Package admission puts the rate limiter in front of HTTP handlers and gRPC services.
package admission

import (
	"context"

	"github.com/Shexroz002/rate-limit/limiter"
)

// RejectMessage is the body of every rejected HTTP request and the gRPC status message.
const RejectMessage = "Rate limit exceeded. Try again later."

// Resolver returns the effective policy for an endpoint.
type Resolver interface {
	Resolve(ctx context.Context, path, method string) limiter.Policy
}

// Decider turns a request and its policy into a decision.
type Decider interface {
	Decide(ctx context.Context, req limiter.RequestDescriptor, policy limiter.Policy) limiter.Decision
}

// Admitter resolves the policy for a request and asks the limiter for a decision.
type Admitter struct {
	resolver   Resolver
	decider    Decider
	trustProxy bool
	skip       map[string]bool
}

// Option configures an Admitter.
type Option func(*Admitter)

// WithTrustProxyHeaders takes the client address from X-Forwarded-For or X-Real-IP.
// Enable only behind a proxy that overwrites these headers.
func WithTrustProxyHeaders(trust bool) Option {
	return func(a *Admitter) {
		a.trustProxy = trust
	}
}

// WithSkipPaths lets requests to the given paths (or gRPC full method names) through unchecked.
func WithSkipPaths(paths ...string) Option {
	return func(a *Admitter) {
		for _, p := range paths {
			a.skip[p] = true
		}
	}
}

// NewAdmitter creates an Admitter.
func NewAdmitter(resolver Resolver, decider Decider, opts ...Option) *Admitter {
	a := &Admitter{
		resolver: resolver,
		decider:  decider,
		skip:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Admit evaluates one request.
func (a *Admitter) Admit(ctx context.Context, req limiter.RequestDescriptor) limiter.Decision {
	policy := a.resolver.Resolve(ctx, req.Path, req.Method)
	return a.decider.Decide(ctx, req, policy)
}

func (a *Admitter) skipped(path string) bool {
	return a.skip[path]
}
