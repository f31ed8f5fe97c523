package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	pkgdb "github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.LedgerPolicyHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.LedgerPolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) walletdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("wallet.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Debit(ctx context.Context, req walletdomain.MutationRequest) (*walletdomain.Transaction, error) {
	if !req.Type.IsDebit() {
		return nil, walletdomain.ErrInvalidTransaction
	}
	return s.mutate(ctx, req)
}

func (s *Service) Credit(ctx context.Context, req walletdomain.MutationRequest) (*walletdomain.Transaction, error) {
	if !req.Type.IsCredit() {
		return nil, walletdomain.ErrInvalidTransaction
	}
	return s.mutate(ctx, req)
}

// mutate applies one balance change with bounded retries on write
// conflicts. Each attempt locks the wallet row, re-reads the balance,
// verifies funds, and persists the new balance together with the
// transaction record in a single database transaction.
func (s *Service) mutate(ctx context.Context, req walletdomain.MutationRequest) (*walletdomain.Transaction, error) {
	if req.WalletID == 0 {
		return nil, walletdomain.ErrWalletNotFound
	}
	if req.Amount <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}
	req.IdempotencyKey = normalizeKey(req.IdempotencyKey)

	if req.IdempotencyKey != nil {
		existing, err := s.findTransactionByKey(ctx, req.WalletID, *req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	policy := s.policy.Get()
	var lastErr error
	for attempt := 0; attempt < policy.DebitMaxRetries; attempt++ {
		if attempt > 0 {
			s.obsMetrics.RecordDebitConflict()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(policy.DebitRetryBackoff):
			}
		}

		transaction, err := s.mutateOnce(ctx, req)
		if err == nil {
			s.obsMetrics.RecordWalletTransaction(string(req.Type))
			return transaction, nil
		}
		if !errors.Is(err, walletdomain.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
		s.log.Debug("wallet write conflict, retrying",
			zap.String("wallet_id", req.WalletID.String()),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, lastErr
}

func (s *Service) mutateOnce(ctx context.Context, req walletdomain.MutationRequest) (*walletdomain.Transaction, error) {
	var transaction *walletdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := lockWallet(tx, req.WalletID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if req.Type.IsDebit() && req.Type != walletdomain.TransactionTypeExpiration && wallet.ExpiredAt(now) {
			return walletdomain.ErrWalletExpired
		}

		before := wallet.Balance
		var after int64
		if req.Type.IsCredit() {
			after = before + req.Amount
		} else {
			if wallet.Available() < req.Amount && !wallet.AllowNegative {
				return walletdomain.ErrInsufficientFunds
			}
			after = before - req.Amount
		}

		if err := s.storeBalance(tx, wallet, after, wallet.ReservedBalance, now); err != nil {
			return err
		}

		record := &walletdomain.Transaction{
			ID:             s.genID.Generate(),
			WalletID:       wallet.ID,
			CustomerID:     wallet.CustomerID,
			Type:           req.Type,
			Amount:         req.Amount,
			BalanceBefore:  before,
			BalanceAfter:   after,
			Description:    req.Description,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := tx.Create(record).Error; err != nil {
			if pkgdb.IsDuplicateKeyErr(err) && req.IdempotencyKey != nil {
				// A concurrent request carrying the same key won the
				// race. Roll this mutation back and replay theirs.
				return errDuplicateReplay
			}
			return err
		}
		transaction = record
		return nil
	})
	if err != nil {
		if errors.Is(err, errDuplicateReplay) && req.IdempotencyKey != nil {
			return s.findTransactionByKey(ctx, req.WalletID, *req.IdempotencyKey)
		}
		return nil, err
	}
	return transaction, nil
}

var errDuplicateReplay = errors.New("duplicate_idempotency_key")

// storeBalance writes the new balance guarded by the values read under the
// lock, so a lost update can never slip through even on dialects where the
// row lock is a no-op.
func (s *Service) storeBalance(tx *gorm.DB, wallet *walletdomain.Wallet, balance, reserved int64, now time.Time) error {
	result := tx.Model(&walletdomain.Wallet{}).
		Where("id = ? AND balance = ? AND reserved_balance = ?", wallet.ID, wallet.Balance, wallet.ReservedBalance).
		Updates(map[string]any{
			"balance":          balance,
			"reserved_balance": reserved,
			"updated_at":       now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return walletdomain.ErrConcurrencyConflict
	}
	wallet.Balance = balance
	wallet.ReservedBalance = reserved
	return nil
}

func lockWallet(tx *gorm.DB, walletID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, walletdomain.ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (s *Service) findTransactionByKey(ctx context.Context, walletID snowflake.ID, key string) (*walletdomain.Transaction, error) {
	var transaction walletdomain.Transaction
	err := s.db.WithContext(ctx).
		Where("wallet_id = ? AND idempotency_key = ?", walletID, key).
		First(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

func (s *Service) Reserve(ctx context.Context, walletID snowflake.ID, amount int64) (*walletdomain.Reservation, error) {
	if walletID == 0 {
		return nil, walletdomain.ErrWalletNotFound
	}
	if amount <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}

	policy := s.policy.Get()
	var reservation *walletdomain.Reservation
	err := s.retryConflicts(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			wallet, err := lockWallet(tx, walletID)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			if wallet.ExpiredAt(now) {
				return walletdomain.ErrWalletExpired
			}
			if wallet.Available() < amount {
				return walletdomain.ErrInsufficientFunds
			}
			if err := s.storeBalance(tx, wallet, wallet.Balance, wallet.ReservedBalance+amount, now); err != nil {
				return err
			}
			record := &walletdomain.Reservation{
				ID:        uuid.NewString(),
				WalletID:  wallet.ID,
				Amount:    amount,
				Status:    walletdomain.ReservationStatusHeld,
				ExpiresAt: now.Add(policy.ReservationTTL),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(record).Error; err != nil {
				return err
			}
			reservation = record
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (s *Service) Commit(ctx context.Context, reservationID string, actualAmount int64) (*walletdomain.Transaction, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return nil, walletdomain.ErrReservationNotFound
	}
	if actualAmount < 0 {
		return nil, walletdomain.ErrInvalidAmount
	}

	var transaction *walletdomain.Transaction
	err := s.retryConflicts(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			reservation, err := lockReservation(tx, reservationID)
			if err != nil {
				return err
			}
			if reservation.Status != walletdomain.ReservationStatusHeld {
				return walletdomain.ErrReservationNotHeld
			}
			wallet, err := lockWallet(tx, reservation.WalletID)
			if err != nil {
				return err
			}

			now := s.clock.Now()
			before := wallet.Balance
			after := before - actualAmount
			// The hold already covers the spend up to the reserved
			// amount; only the excess needs available funds.
			if actualAmount > reservation.Amount {
				excess := actualAmount - reservation.Amount
				if wallet.Available() < excess && !wallet.AllowNegative {
					return walletdomain.ErrInsufficientFunds
				}
			}

			reserved := wallet.ReservedBalance - reservation.Amount
			if reserved < 0 {
				reserved = 0
			}
			if err := s.storeBalance(tx, wallet, after, reserved, now); err != nil {
				return err
			}

			if err := tx.Model(&walletdomain.Reservation{}).
				Where("id = ?", reservation.ID).
				Updates(map[string]any{
					"status":     walletdomain.ReservationStatusCommitted,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}

			if actualAmount == 0 {
				return nil
			}
			key := "reservation:" + reservation.ID
			record := &walletdomain.Transaction{
				ID:             s.genID.Generate(),
				WalletID:       wallet.ID,
				CustomerID:     wallet.CustomerID,
				Type:           walletdomain.TransactionTypeBurn,
				Amount:         actualAmount,
				BalanceBefore:  before,
				BalanceAfter:   after,
				Description:    "reservation commit",
				IdempotencyKey: &key,
				CreatedAt:      now,
			}
			if err := tx.Create(record).Error; err != nil {
				return err
			}
			transaction = record
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if transaction != nil {
		s.obsMetrics.RecordWalletTransaction(string(walletdomain.TransactionTypeBurn))
	}
	return transaction, nil
}

func (s *Service) Release(ctx context.Context, reservationID string) error {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return walletdomain.ErrReservationNotFound
	}

	return s.retryConflicts(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			reservation, err := lockReservation(tx, reservationID)
			if err != nil {
				return err
			}
			if reservation.Status != walletdomain.ReservationStatusHeld {
				return walletdomain.ErrReservationNotHeld
			}
			return s.releaseHold(tx, reservation, walletdomain.ReservationStatusReleased)
		})
	})
}

// releaseHold returns a hold to available balance and finalizes its status.
// Caller holds the reservation lock.
func (s *Service) releaseHold(tx *gorm.DB, reservation *walletdomain.Reservation, status walletdomain.ReservationStatus) error {
	wallet, err := lockWallet(tx, reservation.WalletID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	reserved := wallet.ReservedBalance - reservation.Amount
	if reserved < 0 {
		reserved = 0
	}
	if err := s.storeBalance(tx, wallet, wallet.Balance, reserved, now); err != nil {
		return err
	}
	return tx.Model(&walletdomain.Reservation{}).
		Where("id = ?", reservation.ID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": now,
		}).Error
}

func lockReservation(tx *gorm.DB, reservationID string) (*walletdomain.Reservation, error) {
	var reservation walletdomain.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", reservationID).
		First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, walletdomain.ErrReservationNotFound
		}
		return nil, err
	}
	return &reservation, nil
}

func (s *Service) GetBalance(ctx context.Context, walletID snowflake.ID) (*walletdomain.Balance, error) {
	var wallet walletdomain.Wallet
	err := s.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, walletdomain.ErrWalletNotFound
		}
		return nil, err
	}
	return &walletdomain.Balance{
		WalletID:        wallet.ID,
		Balance:         wallet.Balance,
		ReservedBalance: wallet.ReservedBalance,
		Available:       wallet.Available(),
		Currency:        wallet.Currency,
	}, nil
}

func (s *Service) GetOrCreate(ctx context.Context, customerID snowflake.ID, ownerType walletdomain.OwnerType, ownerID snowflake.ID, currency string) (*walletdomain.Wallet, error) {
	if customerID == 0 || ownerID == 0 {
		return nil, walletdomain.ErrInvalidOwner
	}
	switch ownerType {
	case walletdomain.OwnerTypeCustomer, walletdomain.OwnerTypeUser, walletdomain.OwnerTypeTeam:
	default:
		return nil, walletdomain.ErrInvalidOwner
	}
	currency = strings.TrimSpace(currency)
	if currency == "" {
		currency = "credits"
	}

	var wallet walletdomain.Wallet
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND owner_type = ? AND owner_id = ?", customerID, ownerType, ownerID).
		First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	wallet = walletdomain.Wallet{
		ID:         s.genID.Generate(),
		CustomerID: customerID,
		OwnerType:  ownerType,
		OwnerID:    ownerID,
		Currency:   currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&wallet).Error; err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			var existing walletdomain.Wallet
			if ferr := s.db.WithContext(ctx).
				Where("customer_id = ? AND owner_type = ? AND owner_id = ?", customerID, ownerType, ownerID).
				First(&existing).Error; ferr == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return &wallet, nil
}

func (s *Service) Expire(ctx context.Context, walletID snowflake.ID) (*walletdomain.Transaction, error) {
	var transaction *walletdomain.Transaction
	err := s.retryConflicts(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			wallet, err := lockWallet(tx, walletID)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			if !wallet.ExpiredAt(now) || wallet.Balance <= 0 {
				return nil
			}

			before := wallet.Balance
			if err := s.storeBalance(tx, wallet, 0, wallet.ReservedBalance, now); err != nil {
				return err
			}
			key := "expiration:" + wallet.ID.String()
			record := &walletdomain.Transaction{
				ID:             s.genID.Generate(),
				WalletID:       wallet.ID,
				CustomerID:     wallet.CustomerID,
				Type:           walletdomain.TransactionTypeExpiration,
				Amount:         before,
				BalanceBefore:  before,
				BalanceAfter:   0,
				Description:    "wallet expired",
				IdempotencyKey: &key,
				CreatedAt:      now,
			}
			if err := tx.Create(record).Error; err != nil {
				if pkgdb.IsDuplicateKeyErr(err) {
					return errDuplicateReplay
				}
				return err
			}
			transaction = record
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, errDuplicateReplay) {
			key := "expiration:" + walletID.String()
			return s.findTransactionByKey(ctx, walletID, key)
		}
		return nil, err
	}
	if transaction != nil {
		s.obsMetrics.RecordWalletExpired()
		s.obsMetrics.RecordWalletTransaction(string(walletdomain.TransactionTypeExpiration))
	}
	return transaction, nil
}

func (s *Service) SweepExpiredReservations(ctx context.Context) (int64, error) {
	now := s.clock.Now()

	var expired []walletdomain.Reservation
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", walletdomain.ReservationStatusHeld, now).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	var released int64
	for i := range expired {
		reservationID := expired[i].ID
		err := s.retryConflicts(ctx, func() error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				reservation, err := lockReservation(tx, reservationID)
				if err != nil {
					return err
				}
				if reservation.Status != walletdomain.ReservationStatusHeld {
					return nil
				}
				return s.releaseHold(tx, reservation, walletdomain.ReservationStatusExpired)
			})
		})
		if err != nil {
			s.log.Warn("failed to sweep reservation",
				zap.String("reservation_id", reservationID),
				zap.Error(err),
			)
			continue
		}
		released++
	}
	s.obsMetrics.RecordReservationSwept(int(released))
	return released, nil
}

func (s *Service) SweepExpiredWallets(ctx context.Context) (int64, error) {
	now := s.clock.Now()

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Model(&walletdomain.Wallet{}).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND balance > 0", now).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	var expired int64
	for _, id := range ids {
		transaction, err := s.Expire(ctx, id)
		if err != nil {
			s.log.Warn("failed to expire wallet",
				zap.String("wallet_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		if transaction != nil {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) ReplayBalance(ctx context.Context, walletID snowflake.ID) (int64, int64, error) {
	var wallet walletdomain.Wallet
	err := s.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, walletdomain.ErrWalletNotFound
		}
		return 0, 0, err
	}

	var transactions []walletdomain.Transaction
	if err := s.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at ASC, id ASC").
		Find(&transactions).Error; err != nil {
		return 0, 0, err
	}

	var replayed int64
	for _, transaction := range transactions {
		if transaction.Type.IsCredit() {
			replayed += transaction.Amount
		} else {
			replayed -= transaction.Amount
		}
	}
	return replayed, wallet.Balance, nil
}

// retryConflicts runs fn with the policy's bounded conflict retry loop.
func (s *Service) retryConflicts(ctx context.Context, fn func() error) error {
	policy := s.policy.Get()
	var lastErr error
	for attempt := 0; attempt < policy.DebitMaxRetries; attempt++ {
		if attempt > 0 {
			s.obsMetrics.RecordDebitConflict()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.DebitRetryBackoff):
			}
		}
		err := fn()
		if err == nil || !errors.Is(err, walletdomain.ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func normalizeKey(key *string) *string {
	if key == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*key)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
