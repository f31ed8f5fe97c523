// Package domain contains versioned burn table models and the rule set that
// converts usage into credits.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BurnTable is one published version of a credit-conversion rule set. The
// highest active version whose validity window covers an instant is the
// authoritative table for that instant; customer-scoped tables shadow the
// global one.
type BurnTable struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	CustomerID *snowflake.ID  `gorm:"index:ix_burn_tables_scope,priority:1"` // nil = global
	Name       string         `gorm:"type:text;not null;index:ix_burn_tables_scope,priority:2"`
	Version    int            `gorm:"not null"`
	Rules      datatypes.JSON `gorm:"type:jsonb;not null"`
	IsActive   bool           `gorm:"not null;default:true"`
	ValidFrom  time.Time      `gorm:"not null"`
	ValidUntil *time.Time
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	// RuleSet is the decoded form of Rules, populated at load time so a
	// malformed table is rejected before any event is priced against it.
	RuleSet RuleSet `gorm:"-" json:"-"`
}

// TableName sets the database table name.
func (BurnTable) TableName() string { return "burn_tables" }

// ValidAt reports whether the table's validity window covers the instant.
func (t BurnTable) ValidAt(at time.Time) bool {
	if !t.IsActive || at.Before(t.ValidFrom) {
		return false
	}
	return t.ValidUntil == nil || at.Before(*t.ValidUntil)
}
