package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newCostCatalog(t *testing.T) costdomain.Service {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&costdomain.CostEntry{}))

	node, _ := snowflake.NewNode(1)
	return NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
}

func publishEntry(t *testing.T, svc costdomain.Service, costType costdomain.CostType, cost string, unitSize int64, from time.Time, until *time.Time) {
	t.Helper()
	err := svc.Publish(context.Background(), &costdomain.CostEntry{
		Provider:    "openai",
		Model:       "gpt-4o",
		CostType:    costType,
		CostPerUnit: decimal.RequireFromString(cost),
		UnitSize:    unitSize,
		ValidFrom:   from,
		ValidUntil:  until,
	})
	assert.NoError(t, err)
}

func TestCostCatalog_LookupLatestValidFromWins(t *testing.T) {
	svc := newCostCatalog(t)
	ctx := context.Background()

	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	publishEntry(t, svc, costdomain.CostTypeInputToken, "0.010", 1000, jan, nil)
	publishEntry(t, svc, costdomain.CostTypeInputToken, "0.003", 1000, mar, nil)

	entry, err := svc.Lookup(ctx, "openai", "gpt-4o", costdomain.CostTypeInputToken, jan.AddDate(0, 1, 0))
	assert.NoError(t, err)
	assert.True(t, entry.CostPerUnit.Equal(decimal.RequireFromString("0.010")))

	entry, err = svc.Lookup(ctx, "openai", "gpt-4o", costdomain.CostTypeInputToken, mar.AddDate(0, 1, 0))
	assert.NoError(t, err)
	assert.True(t, entry.CostPerUnit.Equal(decimal.RequireFromString("0.003")))

	_, err = svc.Lookup(ctx, "openai", "gpt-4o", costdomain.CostTypeInputToken, jan.Add(-time.Second))
	assert.ErrorIs(t, err, costdomain.ErrPricingNotFound)

	_, err = svc.Lookup(ctx, "anthropic", "claude", costdomain.CostTypeInputToken, mar)
	assert.ErrorIs(t, err, costdomain.ErrPricingNotFound)
}

func TestCostCatalog_LookupHonorsValidUntil(t *testing.T) {
	svc := newCostCatalog(t)
	ctx := context.Background()

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := from.AddDate(0, 1, 0)
	publishEntry(t, svc, costdomain.CostTypeRequest, "0.5", 1, from, &until)

	entry, err := svc.Lookup(ctx, "openai", "gpt-4o", costdomain.CostTypeRequest, until.Add(-time.Second))
	assert.NoError(t, err)
	assert.Equal(t, costdomain.CostTypeRequest, entry.CostType)

	_, err = svc.Lookup(ctx, "openai", "gpt-4o", costdomain.CostTypeRequest, until)
	assert.ErrorIs(t, err, costdomain.ErrPricingNotFound)
}

func TestCostCatalog_SnapshotKeyedByCostType(t *testing.T) {
	svc := newCostCatalog(t)
	ctx := context.Background()

	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	publishEntry(t, svc, costdomain.CostTypeInputToken, "0.010", 1000, jan, nil)
	publishEntry(t, svc, costdomain.CostTypeInputToken, "0.003", 1000, mar, nil)
	publishEntry(t, svc, costdomain.CostTypeOutputToken, "0.015", 1000, jan, nil)

	snapshot, err := svc.Snapshot(ctx, "openai", "gpt-4o", mar.AddDate(0, 1, 0))
	assert.NoError(t, err)
	assert.Len(t, snapshot, 2)
	assert.True(t, snapshot[costdomain.CostTypeInputToken].CostPerUnit.Equal(decimal.RequireFromString("0.003")))
	assert.True(t, snapshot[costdomain.CostTypeOutputToken].CostPerUnit.Equal(decimal.RequireFromString("0.015")))

	// Unknown model yields an empty snapshot, not an error.
	snapshot, err = svc.Snapshot(ctx, "openai", "o99", mar)
	assert.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestCostCatalog_PublishValidation(t *testing.T) {
	svc := newCostCatalog(t)
	ctx := context.Background()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	err := svc.Publish(ctx, &costdomain.CostEntry{
		Model: "gpt-4o", CostType: costdomain.CostTypeRequest, ValidFrom: from,
	})
	assert.ErrorIs(t, err, costdomain.ErrInvalidEntry)

	err = svc.Publish(ctx, &costdomain.CostEntry{
		Provider: "openai", Model: "gpt-4o", CostType: costdomain.CostTypeRequest,
		CostPerUnit: decimal.RequireFromString("-1"), ValidFrom: from,
	})
	assert.ErrorIs(t, err, costdomain.ErrInvalidEntry)

	badUntil := from.Add(-time.Hour)
	err = svc.Publish(ctx, &costdomain.CostEntry{
		Provider: "openai", Model: "gpt-4o", CostType: costdomain.CostTypeRequest,
		CostPerUnit: decimal.RequireFromString("1"), ValidFrom: from, ValidUntil: &badUntil,
	})
	assert.ErrorIs(t, err, costdomain.ErrInvalidEntry)

	entry := &costdomain.CostEntry{
		Provider: " openai ", Model: "gpt-4o", CostType: costdomain.CostTypeRequest,
		CostPerUnit: decimal.RequireFromString("1"), ValidFrom: from,
	}
	assert.NoError(t, svc.Publish(ctx, entry))
	assert.Equal(t, "openai", entry.Provider)
	assert.Equal(t, "USD", entry.Currency)
	assert.Equal(t, int64(1), entry.UnitSize)
	assert.NotZero(t, entry.ID)
}

func TestCostEntry_UnitCost(t *testing.T) {
	entry := costdomain.CostEntry{
		CostPerUnit: decimal.RequireFromString("0.003"),
		UnitSize:    1000,
	}
	assert.True(t, entry.UnitCost().Equal(decimal.RequireFromString("0.000003")))
}
