// Package domain contains versioned provider pricing models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// CostType enumerates the billable unit a cost entry prices.
type CostType string

const (
	CostTypeInputToken  CostType = "INPUT_TOKEN"
	CostTypeOutputToken CostType = "OUTPUT_TOKEN"
	CostTypeRequest     CostType = "REQUEST"
	CostTypeImage       CostType = "IMAGE"
	CostTypeAudio       CostType = "AUDIO"
	CostTypeVideo       CostType = "VIDEO"
)

// CostEntry prices one unit class of a provider model for a validity window.
// Entries are immutable once published; superseding pricing is a new row with
// a later ValidFrom.
type CostEntry struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	Provider    string          `gorm:"type:text;not null;index:ix_cost_entries_lookup,priority:1"`
	Model       string          `gorm:"type:text;not null;index:ix_cost_entries_lookup,priority:2"`
	CostType    CostType        `gorm:"type:text;not null;index:ix_cost_entries_lookup,priority:3"`
	CostPerUnit decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	UnitSize    int64           `gorm:"not null;default:1"` // units priced per CostPerUnit, e.g. 1000 tokens
	Currency    string          `gorm:"type:text;not null;default:'USD'"`
	ValidFrom   time.Time       `gorm:"not null;index"`
	ValidUntil  *time.Time      `gorm:"index"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CostEntry) TableName() string { return "cost_entries" }

// ValidAt reports whether the entry covers the given instant.
func (e CostEntry) ValidAt(at time.Time) bool {
	if at.Before(e.ValidFrom) {
		return false
	}
	return e.ValidUntil == nil || at.Before(*e.ValidUntil)
}

// UnitCost returns the cost of a single unit, accounting for UnitSize.
func (e CostEntry) UnitCost() decimal.Decimal {
	size := e.UnitSize
	if size <= 0 {
		size = 1
	}
	return e.CostPerUnit.Div(decimal.NewFromInt(size))
}
