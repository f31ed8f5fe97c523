package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// Lookup resolves the single entry valid at asOf, latest ValidFrom wins.
	Lookup(ctx context.Context, provider, model string, costType CostType, asOf time.Time) (*CostEntry, error)
	// Snapshot returns every entry for (provider, model) valid at asOf,
	// keyed by cost type. It is the pricing input to burn evaluation.
	Snapshot(ctx context.Context, provider, model string, asOf time.Time) (map[CostType]CostEntry, error)
	// Publish inserts a new immutable entry.
	Publish(ctx context.Context, entry *CostEntry) error
}

var (
	ErrPricingNotFound = errors.New("pricing_not_found")
	ErrInvalidEntry    = errors.New("invalid_cost_entry")
)
