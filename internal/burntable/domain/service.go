package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// ResolveActive returns the authoritative table for the scope at asOf:
	// the customer-specific table when one is active and valid, otherwise
	// the global table of the same name. The returned table carries a
	// decoded RuleSet.
	ResolveActive(ctx context.Context, customerID *snowflake.ID, name string, asOf time.Time) (*BurnTable, error)
	// Publish inserts a new table version with validated rules.
	Publish(ctx context.Context, table *BurnTable) error
}

var (
	ErrBurnTableNotFound  = errors.New("burn_table_not_found")
	ErrBurnRuleEvaluation = errors.New("burn_rule_evaluation")
	ErrInvalidTable       = errors.New("invalid_burn_table")
)
