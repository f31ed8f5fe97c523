package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) costdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("costcatalog.service"),
		genID: p.GenID,
	}
}

func (s *Service) Lookup(ctx context.Context, provider, model string, costType costdomain.CostType, asOf time.Time) (*costdomain.CostEntry, error) {
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if provider == "" || model == "" || costType == "" {
		return nil, costdomain.ErrInvalidEntry
	}

	var entry costdomain.CostEntry
	err := s.db.WithContext(ctx).
		Where("provider = ? AND model = ? AND cost_type = ?", provider, model, costType).
		Where("valid_from <= ?", asOf.UTC()).
		Where("(valid_until IS NULL OR valid_until > ?)", asOf.UTC()).
		Order("valid_from DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, costdomain.ErrPricingNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) Snapshot(ctx context.Context, provider, model string, asOf time.Time) (map[costdomain.CostType]costdomain.CostEntry, error) {
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if provider == "" || model == "" {
		return map[costdomain.CostType]costdomain.CostEntry{}, nil
	}

	var entries []costdomain.CostEntry
	err := s.db.WithContext(ctx).
		Where("provider = ? AND model = ?", provider, model).
		Where("valid_from <= ?", asOf.UTC()).
		Where("(valid_until IS NULL OR valid_until > ?)", asOf.UTC()).
		Order("valid_from ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	// Ascending order means the latest ValidFrom per cost type wins.
	snapshot := make(map[costdomain.CostType]costdomain.CostEntry, len(entries))
	for _, entry := range entries {
		snapshot[entry.CostType] = entry
	}
	return snapshot, nil
}

func (s *Service) Publish(ctx context.Context, entry *costdomain.CostEntry) error {
	if entry == nil {
		return costdomain.ErrInvalidEntry
	}
	entry.Provider = strings.TrimSpace(entry.Provider)
	entry.Model = strings.TrimSpace(entry.Model)
	if entry.Provider == "" || entry.Model == "" || entry.CostType == "" {
		return costdomain.ErrInvalidEntry
	}
	if entry.CostPerUnit.IsNegative() {
		return costdomain.ErrInvalidEntry
	}
	if entry.ValidFrom.IsZero() {
		return costdomain.ErrInvalidEntry
	}
	if entry.ValidUntil != nil && !entry.ValidUntil.After(entry.ValidFrom) {
		return costdomain.ErrInvalidEntry
	}
	if entry.UnitSize <= 0 {
		entry.UnitSize = 1
	}
	if strings.TrimSpace(entry.Currency) == "" {
		entry.Currency = "USD"
	}
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}
