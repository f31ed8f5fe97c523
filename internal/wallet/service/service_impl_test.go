package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type walletFixture struct {
	svc   walletdomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
}

func newWalletFixture(t *testing.T) *walletFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(
		&walletdomain.Wallet{},
		&walletdomain.Transaction{},
		&walletdomain.Reservation{},
	)
	assert.NoError(t, err)

	node, _ := snowflake.NewNode(1)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Policy: config.NewStaticLedgerPolicyHolder(config.LedgerPolicy{
			ReservationTTL:    15 * time.Minute,
			DebitMaxRetries:   3,
			DebitRetryBackoff: time.Millisecond,
		}),
	})

	return &walletFixture{svc: svc, db: db, node: node, clock: fake}
}

func (f *walletFixture) seedWallet(t *testing.T, balance int64) *walletdomain.Wallet {
	t.Helper()
	customerID := f.node.Generate()
	wallet := &walletdomain.Wallet{
		ID:         f.node.Generate(),
		CustomerID: customerID,
		OwnerType:  walletdomain.OwnerTypeCustomer,
		OwnerID:    customerID,
		Currency:   "credits",
		Balance:    balance,
		CreatedAt:  f.clock.Now(),
		UpdatedAt:  f.clock.Now(),
	}
	assert.NoError(t, f.db.Create(wallet).Error)
	return wallet
}

func strPtr(s string) *string { return &s }

func TestWallet_GrantThenBurn(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 0)

	grant, err := f.svc.Credit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID,
		Amount:   1000,
		Type:     walletdomain.TransactionTypeGrant,
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), grant.BalanceBefore)
	assert.Equal(t, int64(1000), grant.BalanceAfter)

	burn, err := f.svc.Debit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID,
		Amount:   150,
		Type:     walletdomain.TransactionTypeBurn,
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(850), burn.BalanceAfter)

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(850), balance.Balance)
	assert.Equal(t, int64(850), balance.Available)
}

func TestWallet_ReplayMatchesStoredBalance(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 0)

	_, err := f.svc.Credit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 1000, Type: walletdomain.TransactionTypePurchase,
	})
	assert.NoError(t, err)
	_, err = f.svc.Debit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 275, Type: walletdomain.TransactionTypeBurn,
	})
	assert.NoError(t, err)
	_, err = f.svc.Credit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 40, Type: walletdomain.TransactionTypeRefund,
	})
	assert.NoError(t, err)

	replayed, stored, err := f.svc.ReplayBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(765), stored)
	assert.Equal(t, stored, replayed)
}

func TestWallet_DebitIdempotency(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 1000)

	req := walletdomain.MutationRequest{
		WalletID:       wallet.ID,
		Amount:         150,
		Type:           walletdomain.TransactionTypeBurn,
		IdempotencyKey: strPtr("usage:evt_1"),
	}

	first, err := f.svc.Debit(ctx, req)
	assert.NoError(t, err)
	second, err := f.svc.Debit(ctx, req)
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(850), balance.Balance)

	var count int64
	f.db.Model(&walletdomain.Transaction{}).Where("wallet_id = ?", wallet.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestWallet_ConcurrentDebitsWithSharedKeySettleOnce(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 1000)

	// One pooled connection keeps sqlite write-safe; the callers still race
	// through the idempotency pre-check and settle on the unique key.
	sqlDB, err := f.db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	const callers = 8
	results := make(chan *walletdomain.Transaction, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transaction, derr := f.svc.Debit(ctx, walletdomain.MutationRequest{
				WalletID:       wallet.ID,
				Amount:         150,
				Type:           walletdomain.TransactionTypeBurn,
				IdempotencyKey: strPtr("usage:evt_race"),
			})
			results <- transaction
			errs <- derr
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for derr := range errs {
		assert.NoError(t, derr)
	}
	var winner snowflake.ID
	for transaction := range results {
		if assert.NotNil(t, transaction) {
			if winner == 0 {
				winner = transaction.ID
			}
			assert.Equal(t, winner, transaction.ID)
		}
	}

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(850), balance.Balance)

	var count int64
	f.db.Model(&walletdomain.Transaction{}).Where("wallet_id = ?", wallet.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestWallet_InsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 100)

	_, err := f.svc.Debit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 101, Type: walletdomain.TransactionTypeBurn,
	})
	assert.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)

	var count int64
	f.db.Model(&walletdomain.Transaction{}).Where("wallet_id = ?", wallet.ID).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestWallet_AllowNegativeOverdraws(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 50)
	assert.NoError(t, f.db.Model(wallet).Update("allow_negative", true).Error)

	burn, err := f.svc.Debit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 80, Type: walletdomain.TransactionTypeBurn,
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(-30), burn.BalanceAfter)
}

func TestWallet_DirectionMismatchRejected(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 100)

	_, err := f.svc.Debit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 10, Type: walletdomain.TransactionTypeGrant,
	})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidTransaction)

	_, err = f.svc.Credit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 10, Type: walletdomain.TransactionTypeBurn,
	})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidTransaction)

	_, err = f.svc.Debit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 0, Type: walletdomain.TransactionTypeBurn,
	})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidAmount)
}

func TestWallet_ReserveHoldsAvailableBalance(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 100)

	reservation, err := f.svc.Reserve(ctx, wallet.ID, 80)
	assert.NoError(t, err)
	assert.Equal(t, walletdomain.ReservationStatusHeld, reservation.Status)

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
	assert.Equal(t, int64(80), balance.ReservedBalance)
	assert.Equal(t, int64(20), balance.Available)

	// The hold counts against available funds for later reservations.
	_, err = f.svc.Reserve(ctx, wallet.ID, 30)
	assert.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)
}

func TestWallet_CommitForLessReleasesRemainder(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 1000)

	reservation, err := f.svc.Reserve(ctx, wallet.ID, 500)
	assert.NoError(t, err)

	burn, err := f.svc.Commit(ctx, reservation.ID, 300)
	assert.NoError(t, err)
	assert.Equal(t, walletdomain.TransactionTypeBurn, burn.Type)
	assert.Equal(t, int64(300), burn.Amount)
	assert.Equal(t, int64(700), burn.BalanceAfter)

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(700), balance.Balance)
	assert.Equal(t, int64(0), balance.ReservedBalance)

	// A committed reservation cannot be committed or released again.
	_, err = f.svc.Commit(ctx, reservation.ID, 300)
	assert.ErrorIs(t, err, walletdomain.ErrReservationNotHeld)
	err = f.svc.Release(ctx, reservation.ID)
	assert.ErrorIs(t, err, walletdomain.ErrReservationNotHeld)
}

func TestWallet_CommitZeroDropsHoldWithoutTransaction(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 200)

	reservation, err := f.svc.Reserve(ctx, wallet.ID, 120)
	assert.NoError(t, err)

	burn, err := f.svc.Commit(ctx, reservation.ID, 0)
	assert.NoError(t, err)
	assert.Nil(t, burn)

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(200), balance.Balance)
	assert.Equal(t, int64(0), balance.ReservedBalance)

	var count int64
	f.db.Model(&walletdomain.Transaction{}).Where("wallet_id = ?", wallet.ID).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestWallet_ReleaseReturnsHold(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 300)

	reservation, err := f.svc.Reserve(ctx, wallet.ID, 250)
	assert.NoError(t, err)

	assert.NoError(t, f.svc.Release(ctx, reservation.ID))

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(300), balance.Available)

	var stored walletdomain.Reservation
	assert.NoError(t, f.db.First(&stored, "id = ?", reservation.ID).Error)
	assert.Equal(t, walletdomain.ReservationStatusReleased, stored.Status)
}

func TestWallet_SweepReleasesStaleHolds(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 500)

	stale, err := f.svc.Reserve(ctx, wallet.ID, 100)
	assert.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	fresh, err := f.svc.Reserve(ctx, wallet.ID, 50)
	assert.NoError(t, err)

	released, err := f.svc.SweepExpiredReservations(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), released)

	var swept walletdomain.Reservation
	assert.NoError(t, f.db.First(&swept, "id = ?", stale.ID).Error)
	assert.Equal(t, walletdomain.ReservationStatusExpired, swept.Status)

	balance, err := f.svc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(50), balance.ReservedBalance)

	// The fresh hold survives and still commits.
	_, err = f.svc.Commit(ctx, fresh.ID, 50)
	assert.NoError(t, err)
}

func TestWallet_ExpireZeroesBalanceOnce(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	wallet := f.seedWallet(t, 0)

	_, err := f.svc.Credit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 400, Type: walletdomain.TransactionTypeGrant,
	})
	assert.NoError(t, err)

	deadline := f.clock.Now().Add(time.Hour)
	assert.NoError(t, f.db.Model(wallet).Update("expires_at", deadline).Error)

	// Not yet expired, the call is a no-op.
	tx, err := f.svc.Expire(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Nil(t, tx)

	f.clock.Advance(2 * time.Hour)

	tx, err = f.svc.Expire(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, walletdomain.TransactionTypeExpiration, tx.Type)
	assert.Equal(t, int64(400), tx.Amount)
	assert.Equal(t, int64(0), tx.BalanceAfter)

	// Second expiry finds nothing to zero.
	tx, err = f.svc.Expire(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Nil(t, tx)

	replayed, stored, err := f.svc.ReplayBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), stored)
	assert.Equal(t, stored, replayed)

	// Debits against an expired wallet are refused outright.
	_, err = f.svc.Debit(ctx, walletdomain.MutationRequest{
		WalletID: wallet.ID, Amount: 1, Type: walletdomain.TransactionTypeBurn,
	})
	assert.ErrorIs(t, err, walletdomain.ErrWalletExpired)
}

func TestWallet_SweepExpiredWallets(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()

	expiring := f.seedWallet(t, 120)
	untouched := f.seedWallet(t, 300)

	deadline := f.clock.Now().Add(time.Minute)
	assert.NoError(t, f.db.Model(expiring).Update("expires_at", deadline).Error)

	f.clock.Advance(time.Hour)

	expired, err := f.svc.SweepExpiredWallets(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	balance, err := f.svc.GetBalance(ctx, expiring.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), balance.Balance)

	balance, err = f.svc.GetBalance(ctx, untouched.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(300), balance.Balance)
}

func TestWallet_GetOrCreateIsStable(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()

	customerID := f.node.Generate()
	userID := f.node.Generate()

	first, err := f.svc.GetOrCreate(ctx, customerID, walletdomain.OwnerTypeUser, userID, "")
	assert.NoError(t, err)
	assert.Equal(t, "credits", first.Currency)

	second, err := f.svc.GetOrCreate(ctx, customerID, walletdomain.OwnerTypeUser, userID, "credits")
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = f.svc.GetOrCreate(ctx, customerID, walletdomain.OwnerType("org"), userID, "")
	assert.ErrorIs(t, err, walletdomain.ErrInvalidOwner)
	_, err = f.svc.GetOrCreate(ctx, 0, walletdomain.OwnerTypeCustomer, userID, "")
	assert.ErrorIs(t, err, walletdomain.ErrInvalidOwner)
}
