// Package domain holds the credit wallet, its append-only transaction log,
// and two-phase reservation holds.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// OwnerType scopes a wallet to the entity that spends from it.
type OwnerType string

const (
	OwnerTypeCustomer OwnerType = "customer"
	OwnerTypeUser     OwnerType = "user"
	OwnerTypeTeam     OwnerType = "team"
)

// TransactionType denotes the direction and business meaning of a posting.
// PURCHASE, GRANT and REFUND credit the wallet; BURN and EXPIRATION debit it.
type TransactionType string

const (
	TransactionTypePurchase   TransactionType = "PURCHASE"
	TransactionTypeGrant      TransactionType = "GRANT"
	TransactionTypeRefund     TransactionType = "REFUND"
	TransactionTypeBurn       TransactionType = "BURN"
	TransactionTypeExpiration TransactionType = "EXPIRATION"
)

// IsCredit reports whether the type increases the balance.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeGrant, TransactionTypeRefund:
		return true
	default:
		return false
	}
}

// IsDebit reports whether the type decreases the balance.
func (t TransactionType) IsDebit() bool {
	switch t {
	case TransactionTypeBurn, TransactionTypeExpiration:
		return true
	default:
		return false
	}
}

// ReservationStatus is the lifecycle state of a hold.
type ReservationStatus string

const (
	ReservationStatusHeld      ReservationStatus = "held"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// Wallet holds the authoritative credit balance for an owner scope.
// Balance and ReservedBalance are in the smallest credit unit. Reservations
// hold against available funds, so reserved_balance never exceeds balance.
type Wallet struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	CustomerID      snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_owner,priority:1"`
	OwnerType       OwnerType    `gorm:"type:text;not null;uniqueIndex:ux_wallets_owner,priority:2"`
	OwnerID         snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_owner,priority:3"`
	Currency        string       `gorm:"type:text;not null;default:'credits'"`
	Balance         int64        `gorm:"not null;default:0"`
	ReservedBalance int64        `gorm:"not null;default:0"`
	AllowNegative   bool         `gorm:"not null;default:false"`
	ExpiresAt       *time.Time   `gorm:"index"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// Available is the balance not held by reservations.
func (w Wallet) Available() int64 { return w.Balance - w.ReservedBalance }

// ExpiredAt reports whether the wallet is past its expiry at the instant.
func (w Wallet) ExpiredAt(now time.Time) bool {
	return w.ExpiresAt != nil && !now.Before(*w.ExpiresAt)
}

// Transaction is an immutable posting against a wallet. Amount is always
// positive; Type carries the direction. The ordered sequence of transactions
// for a wallet replays to its current balance exactly.
type Transaction struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	WalletID       snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_wallet_transactions_idem,priority:1"`
	CustomerID     snowflake.ID    `gorm:"not null;index"`
	Type           TransactionType `gorm:"type:text;not null"`
	Amount         int64           `gorm:"not null"`
	BalanceBefore  int64           `gorm:"not null"`
	BalanceAfter   int64           `gorm:"not null"`
	Description    string          `gorm:"type:text"`
	Metadata       datatypes.JSON
	IdempotencyKey *string   `gorm:"type:text;uniqueIndex:ux_wallet_transactions_idem,priority:2"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "wallet_transactions" }

// Reservation is a crash-safe hold against available balance. Holds past
// ExpiresAt are swept back to released by the scheduler.
type Reservation struct {
	ID        string            `gorm:"type:text;primaryKey"`
	WalletID  snowflake.ID      `gorm:"not null;index"`
	Amount    int64             `gorm:"not null"`
	Status    ReservationStatus `gorm:"type:text;not null;default:'held';index"`
	ExpiresAt time.Time         `gorm:"not null;index"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "wallet_reservations" }
