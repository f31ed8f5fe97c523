package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Balance is a point-in-time snapshot of a wallet's funds.
type Balance struct {
	WalletID        snowflake.ID `json:"wallet_id"`
	Balance         int64        `json:"balance"`
	ReservedBalance int64        `json:"reserved_balance"`
	Available       int64        `json:"available"`
	Currency        string       `json:"currency"`
}

// MutationRequest carries the caller-supplied fields of a debit or credit.
type MutationRequest struct {
	WalletID       snowflake.ID
	Amount         int64
	Type           TransactionType
	IdempotencyKey *string
	Description    string
	Metadata       datatypes.JSON
}

// Service is the single writer of wallet balances. Mutations against one
// wallet serialize on its row; every mutation appends exactly one
// Transaction in the same database transaction as the balance update.
type Service interface {
	// Debit subtracts Amount from the wallet. Fails with
	// ErrInsufficientFunds when available funds are short, unless the
	// wallet allows negative balances. An idempotency key already seen on
	// the wallet returns the prior Transaction without a second mutation.
	Debit(ctx context.Context, req MutationRequest) (*Transaction, error)
	// Credit adds Amount to the wallet. Never fails for funds reasons.
	Credit(ctx context.Context, req MutationRequest) (*Transaction, error)

	// Reserve places a hold of amount against available balance and
	// returns the reservation id. The hold auto-releases after the
	// configured TTL if neither Commit nor Release arrives.
	Reserve(ctx context.Context, walletID snowflake.ID, amount int64) (*Reservation, error)
	// Commit converts a held reservation into a BURN debit of
	// actualAmount, which may differ from the held amount, and drops the
	// hold.
	Commit(ctx context.Context, reservationID string, actualAmount int64) (*Transaction, error)
	// Release drops a held reservation, returning the full hold to
	// available balance.
	Release(ctx context.Context, reservationID string) error

	GetBalance(ctx context.Context, walletID snowflake.ID) (*Balance, error)
	// GetOrCreate returns the wallet for the owner scope, creating it on
	// first use.
	GetOrCreate(ctx context.Context, customerID snowflake.ID, ownerType OwnerType, ownerID snowflake.ID, currency string) (*Wallet, error)

	// Expire zeroes the remaining balance of a wallet past its expiry
	// with an EXPIRATION transaction.
	Expire(ctx context.Context, walletID snowflake.ID) (*Transaction, error)
	// SweepExpiredReservations releases all held reservations past their
	// deadline and returns how many were released.
	SweepExpiredReservations(ctx context.Context) (int64, error)
	// SweepExpiredWallets expires all wallets past their deadline that
	// still carry a balance and returns how many were expired.
	SweepExpiredWallets(ctx context.Context) (int64, error)

	// ReplayBalance recomputes the balance from the transaction log and
	// reports it alongside the stored balance. Audit helper.
	ReplayBalance(ctx context.Context, walletID snowflake.ID) (replayed, stored int64, err error)
}

var (
	ErrWalletNotFound      = errors.New("wallet_not_found")
	ErrWalletExpired       = errors.New("wallet_expired")
	ErrInsufficientFunds   = errors.New("insufficient_funds")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidOwner        = errors.New("invalid_owner")
	ErrInvalidTransaction  = errors.New("invalid_transaction_type")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrReservationNotHeld  = errors.New("reservation_not_held")
	// ErrConcurrencyConflict is retried internally and only surfaces once
	// the retry budget is exhausted.
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
)
