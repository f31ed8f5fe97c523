// Package domain contains per-feature usage limit models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LimitType controls how a reached limit is enforced.
type LimitType string

const (
	LimitTypeHard LimitType = "HARD"
	LimitTypeSoft LimitType = "SOFT"
	LimitTypeNone LimitType = "NONE"
)

// Period is the aggregation window a limit applies over.
type Period string

const (
	PeriodDaily   Period = "DAILY"
	PeriodMonthly Period = "MONTHLY"
	PeriodTotal   Period = "TOTAL"
)

// Entitlement caps a feature's credit burn for a customer, optionally
// narrowed to a single user.
type Entitlement struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	CustomerID snowflake.ID  `gorm:"not null;index:ix_entitlements_scope,priority:1"`
	UserID     *snowflake.ID `gorm:"index:ix_entitlements_scope,priority:2"`
	FeatureID  string        `gorm:"type:text;not null;index:ix_entitlements_scope,priority:3"`
	LimitType  LimitType     `gorm:"type:text;not null;default:'NONE'"`
	LimitValue *int64
	Period     Period    `gorm:"type:text;not null;default:'MONTHLY'"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entitlement) TableName() string { return "entitlements" }

// WindowStart computes the inclusive lower bound of the aggregation window
// relative to asOf, in UTC.
func (e Entitlement) WindowStart(asOf time.Time) time.Time {
	asOf = asOf.UTC()
	switch e.Period {
	case PeriodDaily:
		return time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}
