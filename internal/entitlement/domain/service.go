package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Outcome is the admission decision for a feature at an instant.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeSoftWarn    Outcome = "soft_warn"
	OutcomeHardBlocked Outcome = "hard_blocked"
)

// Decision reports the admission outcome with the figures behind it.
type Decision struct {
	Outcome    Outcome
	LimitType  LimitType
	Period     Period
	LimitValue int64
	Used       int64
}

type Service interface {
	// Check aggregates credits burned for the feature over the active
	// window and decides whether further burn is admitted. A missing
	// entitlement row means no limit is configured.
	Check(ctx context.Context, customerID snowflake.ID, userID *snowflake.ID, featureID string, asOf time.Time) (Decision, error)
	// Upsert creates or replaces the limit for a scope.
	Upsert(ctx context.Context, entitlement *Entitlement) error
}

var (
	ErrInvalidCustomer    = errors.New("invalid_customer")
	ErrInvalidFeature     = errors.New("invalid_feature")
	ErrInvalidEntitlement = errors.New("invalid_entitlement")
)
