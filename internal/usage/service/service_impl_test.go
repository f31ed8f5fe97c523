package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	burndomain "github.com/smallbiznis/creditmeter/internal/burntable/domain"
	burnservice "github.com/smallbiznis/creditmeter/internal/burntable/service"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	costservice "github.com/smallbiznis/creditmeter/internal/costcatalog/service"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	entitlementservice "github.com/smallbiznis/creditmeter/internal/entitlement/service"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	walletservice "github.com/smallbiznis/creditmeter/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ingestFixture struct {
	svc       usagedomain.Service
	walletSvc walletdomain.Service
	burnSvc   burndomain.Service
	costSvc   costdomain.Service
	entSvc    entitlementdomain.Service

	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(
		&walletdomain.Wallet{},
		&walletdomain.Transaction{},
		&walletdomain.Reservation{},
		&usagedomain.UsageEvent{},
		&costdomain.CostEntry{},
		&burndomain.BurnTable{},
		&entitlementdomain.Entitlement{},
	)
	assert.NoError(t, err)

	node, _ := snowflake.NewNode(1)
	fake := clock.NewFakeClock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	walletSvc := walletservice.NewService(walletservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fake,
		Policy: config.NewStaticLedgerPolicyHolder(config.LedgerPolicy{
			ReservationTTL:    15 * time.Minute,
			DebitMaxRetries:   3,
			DebitRetryBackoff: time.Millisecond,
		}),
	})
	burnSvc := burnservice.NewService(burnservice.Params{DB: db, Log: log, GenID: node})
	costSvc := costservice.NewService(costservice.Params{DB: db, Log: log, GenID: node})
	entSvc := entitlementservice.NewService(entitlementservice.Params{DB: db, Log: log, GenID: node})

	svc := NewService(ServiceParam{
		DB:             db,
		Log:            log,
		GenID:          node,
		Clock:          fake,
		CostSvc:        costSvc,
		BurnSvc:        burnSvc,
		EntitlementSvc: entSvc,
		WalletSvc:      walletSvc,
		ResolverCache:  cache.NewIngestResolverCache(),
	})

	return &ingestFixture{
		svc:       svc,
		walletSvc: walletSvc,
		burnSvc:   burnSvc,
		costSvc:   costSvc,
		entSvc:    entSvc,
		db:        db,
		node:      node,
		clock:     fake,
	}
}

func (f *ingestFixture) publishDefaultTable(t *testing.T, rules string) {
	t.Helper()
	assert.NoError(t, f.burnSvc.Publish(context.Background(), &burndomain.BurnTable{
		Name:      usagedomain.DefaultBurnTable,
		Rules:     datatypes.JSON(rules),
		IsActive:  true,
		ValidFrom: f.clock.Now().Add(-time.Hour),
	}))
}

func (f *ingestFixture) fundCustomerWallet(t *testing.T, customerID snowflake.ID, credits int64) *walletdomain.Wallet {
	t.Helper()
	wallet, err := f.walletSvc.GetOrCreate(context.Background(), customerID, walletdomain.OwnerTypeCustomer, customerID, "")
	assert.NoError(t, err)
	if credits > 0 {
		_, err = f.walletSvc.Credit(context.Background(), walletdomain.MutationRequest{
			WalletID: wallet.ID,
			Amount:   credits,
			Type:     walletdomain.TransactionTypeGrant,
		})
		assert.NoError(t, err)
	}
	return wallet
}

const perTokenRules = `{"rules":[{"kind":"per_token","params":{
	"credits_per_input_token":"0.001",
	"credits_per_output_token":"0.002"
}}]}`

func TestIngest_BurnsCreditsAndRecordsEvent(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, perTokenRules)
	customerID := f.node.Generate()
	wallet := f.fundCustomerWallet(t, customerID, 1000)

	// 100000*0.001 + 25000*0.002 = 150 credits.
	event, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID:     customerID.String(),
		EventType:      "chat.completion",
		FeatureID:      "chat",
		Provider:       "openai",
		Model:          "gpt-4o",
		InputTokens:    int64Ptr(100000),
		OutputTokens:   int64Ptr(25000),
		IdempotencyKey: "evt_1",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(150), event.CreditsBurned)
	assert.NotNil(t, event.WalletTransactionID)

	balance, err := f.walletSvc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(850), balance.Balance)

	var transaction walletdomain.Transaction
	assert.NoError(t, f.db.First(&transaction, "id = ?", *event.WalletTransactionID).Error)
	assert.Equal(t, walletdomain.TransactionTypeBurn, transaction.Type)
	assert.Equal(t, "usage:evt_1", *transaction.IdempotencyKey)
}

func TestIngest_IdempotentReplayDoesNotDoubleBurn(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, perTokenRules)
	customerID := f.node.Generate()
	wallet := f.fundCustomerWallet(t, customerID, 1000)

	req := usagedomain.CreateIngestRequest{
		CustomerID:     customerID.String(),
		EventType:      "chat.completion",
		FeatureID:      "chat",
		InputTokens:    int64Ptr(100000),
		OutputTokens:   int64Ptr(25000),
		IdempotencyKey: "evt_replay",
	}

	first, err := f.svc.Ingest(ctx, req)
	assert.NoError(t, err)
	second, err := f.svc.Ingest(ctx, req)
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreditsBurned, second.CreditsBurned)

	balance, err := f.walletSvc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(850), balance.Balance)

	var events int64
	f.db.Model(&usagedomain.UsageEvent{}).Where("customer_id = ?", customerID).Count(&events)
	assert.Equal(t, int64(1), events)

	var transactions int64
	f.db.Model(&walletdomain.Transaction{}).
		Where("wallet_id = ? AND type = ?", wallet.ID, walletdomain.TransactionTypeBurn).
		Count(&transactions)
	assert.Equal(t, int64(1), transactions)
}

func TestIngest_HardBlockLeavesNoSideEffects(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, perTokenRules)
	customerID := f.node.Generate()
	wallet := f.fundCustomerWallet(t, customerID, 1000)

	assert.NoError(t, f.entSvc.Upsert(ctx, &entitlementdomain.Entitlement{
		CustomerID: customerID,
		FeatureID:  "chat",
		LimitType:  entitlementdomain.LimitTypeHard,
		LimitValue: int64Ptr(100),
		Period:     entitlementdomain.PeriodMonthly,
	}))

	// Prior burn fills the whole window budget.
	assert.NoError(t, f.db.Create(&usagedomain.UsageEvent{
		ID:            f.node.Generate(),
		CustomerID:    customerID,
		EventType:     "chat.completion",
		FeatureID:     "chat",
		CreditsBurned: 100,
		Timestamp:     f.clock.Now().Add(-time.Hour),
		CreatedAt:     f.clock.Now().Add(-time.Hour),
	}).Error)

	_, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID:  customerID.String(),
		EventType:   "chat.completion",
		FeatureID:   "chat",
		InputTokens: int64Ptr(1000),
	})
	assert.ErrorIs(t, err, usagedomain.ErrEntitlementExceeded)

	balance, err := f.walletSvc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Balance)

	var events int64
	f.db.Model(&usagedomain.UsageEvent{}).Where("customer_id = ?", customerID).Count(&events)
	assert.Equal(t, int64(1), events)
}

func TestIngest_InsufficientCreditsRejectsEvent(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, perTokenRules)
	customerID := f.node.Generate()
	wallet := f.fundCustomerWallet(t, customerID, 100)

	_, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID:   customerID.String(),
		EventType:    "chat.completion",
		FeatureID:    "chat",
		InputTokens:  int64Ptr(100000),
		OutputTokens: int64Ptr(25000),
	})
	assert.ErrorIs(t, err, usagedomain.ErrInsufficientCredits)

	balance, err := f.walletSvc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)

	var events int64
	f.db.Model(&usagedomain.UsageEvent{}).Where("customer_id = ?", customerID).Count(&events)
	assert.Equal(t, int64(0), events)
}

func TestIngest_ZeroCreditEventSkipsWallet(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, perTokenRules)
	customerID := f.node.Generate()

	event, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(),
		EventType:  "session.ping",
		FeatureID:  "chat",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), event.CreditsBurned)
	assert.Nil(t, event.WalletTransactionID)

	// No wallet is created for a free event.
	var wallets int64
	f.db.Model(&walletdomain.Wallet{}).Where("customer_id = ?", customerID).Count(&wallets)
	assert.Equal(t, int64(0), wallets)
}

func TestIngest_CustomerTableShadowsGlobal(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, `{"rules":[{"kind":"per_request","params":{"credits":1}}]}`)
	customerID := f.node.Generate()
	assert.NoError(t, f.burnSvc.Publish(ctx, &burndomain.BurnTable{
		CustomerID: &customerID,
		Name:       usagedomain.DefaultBurnTable,
		Rules:      datatypes.JSON(`{"rules":[{"kind":"per_request","params":{"credits":50}}]}`),
		IsActive:   true,
		ValidFrom:  f.clock.Now().Add(-time.Hour),
	}))

	f.fundCustomerWallet(t, customerID, 1000)
	otherID := f.node.Generate()
	f.fundCustomerWallet(t, otherID, 1000)

	scoped, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(),
		EventType:  "api.call",
		FeatureID:  "api",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(50), scoped.CreditsBurned)

	global, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: otherID.String(),
		EventType:  "api.call",
		FeatureID:  "api",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), global.CreditsBurned)
}

func TestIngest_BackdatedEventPricedAtItsTimestamp(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	// v1 covers the whole window; v2 supersedes it half an hour ago.
	assert.NoError(t, f.burnSvc.Publish(ctx, &burndomain.BurnTable{
		Name:      usagedomain.DefaultBurnTable,
		Rules:     datatypes.JSON(`{"rules":[{"kind":"per_request","params":{"credits":1}}]}`),
		IsActive:  true,
		ValidFrom: f.clock.Now().Add(-24 * time.Hour),
	}))
	assert.NoError(t, f.burnSvc.Publish(ctx, &burndomain.BurnTable{
		Name:      usagedomain.DefaultBurnTable,
		Rules:     datatypes.JSON(`{"rules":[{"kind":"per_request","params":{"credits":10}}]}`),
		IsActive:  true,
		ValidFrom: f.clock.Now().Add(-30 * time.Minute),
	}))

	customerID := f.node.Generate()
	wallet := f.fundCustomerWallet(t, customerID, 1000)

	current, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(),
		EventType:  "api.call",
		FeatureID:  "api",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(10), current.CreditsBurned)

	// An event timestamped before v2 took effect prices under v1, even with
	// the current table freshly cached.
	backdated, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(),
		EventType:  "api.call",
		FeatureID:  "api",
		Timestamp:  f.clock.Now().Add(-time.Hour),
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), backdated.CreditsBurned)

	// The backdated resolution does not leak into current events.
	again, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(),
		EventType:  "api.call",
		FeatureID:  "api",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(10), again.CreditsBurned)

	balance, err := f.walletSvc.GetBalance(ctx, wallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(979), balance.Balance)
}

func TestIngest_CostBasedPricing(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, `{"rules":[{"kind":"cost_based","params":{"credits_per_usd":"100"}}]}`)

	validFrom := f.clock.Now().Add(-time.Hour)
	assert.NoError(t, f.costSvc.Publish(ctx, &costdomain.CostEntry{
		Provider: "openai", Model: "gpt-4o", CostType: costdomain.CostTypeInputToken,
		CostPerUnit: decimal.RequireFromString("0.003"), UnitSize: 1000, ValidFrom: validFrom,
	}))
	assert.NoError(t, f.costSvc.Publish(ctx, &costdomain.CostEntry{
		Provider: "openai", Model: "gpt-4o", CostType: costdomain.CostTypeOutputToken,
		CostPerUnit: decimal.RequireFromString("0.015"), UnitSize: 1000, ValidFrom: validFrom,
	}))

	customerID := f.node.Generate()
	f.fundCustomerWallet(t, customerID, 1000)

	// (2000/1000)*0.003 + (1000/1000)*0.015 = 0.021 USD -> 3 credits.
	event, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID:   customerID.String(),
		EventType:    "chat.completion",
		FeatureID:    "chat",
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  int64Ptr(2000),
		OutputTokens: int64Ptr(1000),
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), event.CreditsBurned)
	assert.True(t, event.CostUSD.Equal(decimal.RequireFromString("0.021")))
}

func TestIngest_UserOwnedWallet(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, `{"rules":[{"kind":"per_request","params":{"credits":10}}]}`)
	customerID := f.node.Generate()
	userID := f.node.Generate()

	userWallet, err := f.walletSvc.GetOrCreate(ctx, customerID, walletdomain.OwnerTypeUser, userID, "")
	assert.NoError(t, err)
	_, err = f.walletSvc.Credit(ctx, walletdomain.MutationRequest{
		WalletID: userWallet.ID, Amount: 100, Type: walletdomain.TransactionTypeGrant,
	})
	assert.NoError(t, err)

	event, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(),
		UserID:     userID.String(),
		EventType:  "api.call",
		FeatureID:  "api",
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(10), event.CreditsBurned)

	balance, err := f.walletSvc.GetBalance(ctx, userWallet.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(90), balance.Balance)
}

func TestIngest_ValidationFailuresAreSideEffectFree(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, perTokenRules)
	customerID := f.node.Generate()

	_, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: "not-a-snowflake", EventType: "x", FeatureID: "y",
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidCustomer)

	_, err = f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(), EventType: " ", FeatureID: "y",
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidEventType)

	_, err = f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(), EventType: "x", FeatureID: " ",
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidFeature)

	_, err = f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(), EventType: "x", FeatureID: "y",
		InputTokens: int64Ptr(-1),
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidUsage)

	var events int64
	f.db.Model(&usagedomain.UsageEvent{}).Count(&events)
	assert.Equal(t, int64(0), events)
}

func TestIngest_MissingBurnTable(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	customerID := f.node.Generate()

	_, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(),
		EventType:  "chat.completion",
		FeatureID:  "chat",
	})
	assert.ErrorIs(t, err, burndomain.ErrBurnTableNotFound)
}

func TestList_FiltersAndPages(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()

	f.publishDefaultTable(t, `{"rules":[{"kind":"per_request","params":{"credits":1}}]}`)
	customerID := f.node.Generate()
	f.fundCustomerWallet(t, customerID, 1000)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
			CustomerID:     customerID.String(),
			EventType:      "api.call",
			FeatureID:      "api",
			IdempotencyKey: fmt.Sprintf("evt_%d", i),
		})
		assert.NoError(t, err)
	}
	_, err := f.svc.Ingest(ctx, usagedomain.CreateIngestRequest{
		CustomerID: customerID.String(),
		EventType:  "image.generation",
		FeatureID:  "images",
	})
	assert.NoError(t, err)

	resp, err := f.svc.List(ctx, usagedomain.ListUsageRequest{
		CustomerID: customerID.String(),
		EventType:  "api.call",
	})
	assert.NoError(t, err)
	assert.Len(t, resp.UsageEvents, 3)

	resp, err = f.svc.List(ctx, usagedomain.ListUsageRequest{
		CustomerID: customerID.String(),
	})
	assert.NoError(t, err)
	assert.Len(t, resp.UsageEvents, 4)

	resp, err = f.svc.List(ctx, usagedomain.ListUsageRequest{
		CustomerID: customerID.String(),
		PageSize:   2,
	})
	assert.NoError(t, err)
	assert.Len(t, resp.UsageEvents, 2)
	assert.True(t, resp.PageInfo.HasMore)
}

func int64Ptr(v int64) *int64 { return &v }
