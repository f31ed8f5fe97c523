package domain

import (
	"context"
	"errors"
)

// DefaultBurnTable is the table name used when a request does not name one.
const DefaultBurnTable = "default"

// Service is the usage ingestion pipeline: it prices raw usage, enforces
// entitlements, debits the wallet, and records the immutable event. All
// pricing and admission work happens before any mutation, so a failure
// before the debit leaves the system unchanged.
type Service interface {
	Ingest(ctx context.Context, req CreateIngestRequest) (*UsageEvent, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

var (
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidEventType    = errors.New("invalid_event_type")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidUsage        = errors.New("invalid_usage")
	ErrEntitlementExceeded = errors.New("entitlement_exceeded")
	ErrInsufficientCredits = errors.New("insufficient_credits")
)
