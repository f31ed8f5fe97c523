// Package domain holds the immutable usage event record and ingest contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
	"gorm.io/datatypes"
)

// UsageEvent is the accepted ingestion record. CreditsBurned and CostUSD are
// snapshots fixed at ingestion time; later pricing changes never rewrite them.
type UsageEvent struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	CustomerID snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_usage_events_idem,priority:1"`
	UserID     *snowflake.ID `gorm:"index"`
	TeamID     *snowflake.ID `gorm:"index"`

	EventType string `gorm:"type:text;not null;index"`
	FeatureID string `gorm:"type:text;not null;index"`
	Provider  string `gorm:"type:text"`
	Model     string `gorm:"type:text"`

	InputTokens  *int64
	OutputTokens *int64
	Requests     *int64

	CreditsBurned       int64           `gorm:"not null"`
	CostUSD             decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	WalletTransactionID *snowflake.ID   `gorm:"index"`

	IdempotencyKey *string `gorm:"type:text;uniqueIndex:ux_usage_events_idem,priority:2"`
	Metadata       datatypes.JSON

	Timestamp time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// CreateIngestRequest carries a raw usage submission.
type CreateIngestRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	UserID     string `json:"user_id"`
	TeamID     string `json:"team_id"`

	EventType string `json:"event_type" binding:"required"`
	FeatureID string `json:"feature_id" binding:"required"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`

	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
	Requests     *int64 `json:"requests"`

	// BurnTable selects a named table; empty means the default table.
	BurnTable      string         `json:"burn_table"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
	Timestamp      time.Time      `json:"timestamp"`
}

type ListUsageRequest struct {
	CustomerID string `form:"customer_id"`
	FeatureID  string `form:"feature_id"`
	EventType  string `form:"event_type"`
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
}

type ListUsageResponse struct {
	UsageEvents []UsageEvent        `json:"usage_events"`
	PageInfo    pagination.PageInfo `json:"page_info"`
}
