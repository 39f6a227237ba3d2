package policy

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no rule has the requested id.
var ErrNotFound = errors.New("policy: rule not found")

// Repository is the durable store of rules.
type Repository interface {
	Create(ctx context.Context, r Rule) (Rule, error)
	Get(ctx context.Context, id int64) (Rule, error)
	// List returns every rule ordered by id.
	List(ctx context.Context) ([]Rule, error)
	// ListActive returns active rules ordered by priority descending, then id ascending.
	ListActive(ctx context.Context) ([]Rule, error)
	Update(ctx context.Context, r Rule) (Rule, error)
	Delete(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
}
