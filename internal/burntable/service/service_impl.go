package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	burndomain "github.com/smallbiznis/creditmeter/internal/burntable/domain"
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

func NewService(p Params) burndomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("burntable.service"),
		genID: p.GenID,
	}
}

func (s *Service) ResolveActive(ctx context.Context, customerID *snowflake.ID, name string, asOf time.Time) (*burndomain.BurnTable, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, burndomain.ErrInvalidTable
	}

	if customerID != nil && *customerID != 0 {
		table, err := s.findActive(ctx, customerID, name, asOf)
		if err != nil {
			return nil, err
		}
		if table != nil {
			return table, nil
		}
	}

	table, err := s.findActive(ctx, nil, name, asOf)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, burndomain.ErrBurnTableNotFound
	}
	return table, nil
}

func (s *Service) findActive(ctx context.Context, customerID *snowflake.ID, name string, asOf time.Time) (*burndomain.BurnTable, error) {
	query := s.db.WithContext(ctx).
		Where("name = ? AND is_active = ?", name, true).
		Where("valid_from <= ?", asOf.UTC()).
		Where("(valid_until IS NULL OR valid_until > ?)", asOf.UTC()).
		Order("version DESC")
	if customerID == nil {
		query = query.Where("customer_id IS NULL")
	} else {
		query = query.Where("customer_id = ?", *customerID)
	}

	var table burndomain.BurnTable
	if err := query.First(&table).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// Decode at load so a malformed table fails before any event is priced.
	ruleSet, err := burndomain.DecodeRuleSet(table.Rules)
	if err != nil {
		s.log.Error("burn table failed rule decode",
			zap.String("name", table.Name),
			zap.Int("version", table.Version),
			zap.Error(err),
		)
		return nil, err
	}
	table.RuleSet = ruleSet
	return &table, nil
}

func (s *Service) Publish(ctx context.Context, table *burndomain.BurnTable) error {
	if table == nil {
		return burndomain.ErrInvalidTable
	}
	table.Name = strings.TrimSpace(table.Name)
	if table.Name == "" {
		return burndomain.ErrInvalidTable
	}
	if table.ValidFrom.IsZero() {
		return burndomain.ErrInvalidTable
	}
	if table.ValidUntil != nil && !table.ValidUntil.After(table.ValidFrom) {
		return burndomain.ErrInvalidTable
	}

	ruleSet, err := burndomain.DecodeRuleSet(table.Rules)
	if err != nil {
		return err
	}
	table.RuleSet = ruleSet

	if table.Version <= 0 {
		version, err := s.nextVersion(ctx, table.CustomerID, table.Name)
		if err != nil {
			return err
		}
		table.Version = version
	}
	if table.ID == 0 {
		table.ID = s.genID.Generate()
	}
	return s.db.WithContext(ctx).Create(table).Error
}

func (s *Service) nextVersion(ctx context.Context, customerID *snowflake.ID, name string) (int, error) {
	query := s.db.WithContext(ctx).Model(&burndomain.BurnTable{}).Where("name = ?", name)
	if customerID == nil {
		query = query.Where("customer_id IS NULL")
	} else {
		query = query.Where("customer_id = ?", *customerID)
	}

	var current int
	if err := query.Select("COALESCE(MAX(version), 0)").Scan(&current).Error; err != nil {
		return 0, err
	}
	return current + 1, nil
}
