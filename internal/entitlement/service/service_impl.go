package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
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

func NewService(p Params) entitlementdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entitlement.service"),
		genID: p.GenID,
	}
}

func (s *Service) Check(ctx context.Context, customerID snowflake.ID, userID *snowflake.ID, featureID string, asOf time.Time) (entitlementdomain.Decision, error) {
	allowed := entitlementdomain.Decision{Outcome: entitlementdomain.OutcomeAllowed, LimitType: entitlementdomain.LimitTypeNone}

	if customerID == 0 {
		return entitlementdomain.Decision{}, entitlementdomain.ErrInvalidCustomer
	}
	featureID = strings.TrimSpace(featureID)
	if featureID == "" {
		return entitlementdomain.Decision{}, entitlementdomain.ErrInvalidFeature
	}

	entitlement, err := s.resolve(ctx, customerID, userID, featureID)
	if err != nil {
		return entitlementdomain.Decision{}, err
	}
	if entitlement == nil || entitlement.LimitType == entitlementdomain.LimitTypeNone || entitlement.LimitValue == nil {
		return allowed, nil
	}

	used, err := s.aggregateUsage(ctx, customerID, entitlement.UserID, featureID, entitlement.WindowStart(asOf), asOf)
	if err != nil {
		return entitlementdomain.Decision{}, err
	}

	decision := entitlementdomain.Decision{
		Outcome:    entitlementdomain.OutcomeAllowed,
		LimitType:  entitlement.LimitType,
		Period:     entitlement.Period,
		LimitValue: *entitlement.LimitValue,
		Used:       used,
	}
	if used < *entitlement.LimitValue {
		return decision, nil
	}

	switch entitlement.LimitType {
	case entitlementdomain.LimitTypeHard:
		decision.Outcome = entitlementdomain.OutcomeHardBlocked
	case entitlementdomain.LimitTypeSoft:
		decision.Outcome = entitlementdomain.OutcomeSoftWarn
	}
	return decision, nil
}

// resolve prefers a user-scoped entitlement over the customer-wide one.
func (s *Service) resolve(ctx context.Context, customerID snowflake.ID, userID *snowflake.ID, featureID string) (*entitlementdomain.Entitlement, error) {
	if userID != nil && *userID != 0 {
		entitlement, err := s.findOne(ctx, func(db *gorm.DB) *gorm.DB {
			return db.Where("customer_id = ? AND user_id = ? AND feature_id = ?", customerID, *userID, featureID)
		})
		if err != nil {
			return nil, err
		}
		if entitlement != nil {
			return entitlement, nil
		}
	}
	return s.findOne(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("customer_id = ? AND user_id IS NULL AND feature_id = ?", customerID, featureID)
	})
}

func (s *Service) findOne(ctx context.Context, scope func(*gorm.DB) *gorm.DB) (*entitlementdomain.Entitlement, error) {
	var entitlement entitlementdomain.Entitlement
	err := scope(s.db.WithContext(ctx)).First(&entitlement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entitlement, nil
}

func (s *Service) aggregateUsage(ctx context.Context, customerID snowflake.ID, userID *snowflake.ID, featureID string, windowStart, asOf time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(credits_burned), 0) FROM usage_events
		WHERE customer_id = ? AND feature_id = ? AND timestamp <= ?`
	args := []any{customerID, featureID, asOf.UTC()}

	if !windowStart.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, windowStart)
	}
	if userID != nil && *userID != 0 {
		query += " AND user_id = ?"
		args = append(args, *userID)
	}

	var used int64
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&used).Error; err != nil {
		return 0, err
	}
	return used, nil
}

func (s *Service) Upsert(ctx context.Context, entitlement *entitlementdomain.Entitlement) error {
	if entitlement == nil || entitlement.CustomerID == 0 {
		return entitlementdomain.ErrInvalidCustomer
	}
	entitlement.FeatureID = strings.TrimSpace(entitlement.FeatureID)
	if entitlement.FeatureID == "" {
		return entitlementdomain.ErrInvalidFeature
	}
	switch entitlement.LimitType {
	case entitlementdomain.LimitTypeHard, entitlementdomain.LimitTypeSoft:
		if entitlement.LimitValue == nil || *entitlement.LimitValue < 0 {
			return entitlementdomain.ErrInvalidEntitlement
		}
	case entitlementdomain.LimitTypeNone:
	default:
		return entitlementdomain.ErrInvalidEntitlement
	}
	switch entitlement.Period {
	case entitlementdomain.PeriodDaily, entitlementdomain.PeriodMonthly, entitlementdomain.PeriodTotal:
	default:
		return entitlementdomain.ErrInvalidEntitlement
	}

	existing, err := s.findOne(ctx, func(db *gorm.DB) *gorm.DB {
		if entitlement.UserID != nil && *entitlement.UserID != 0 {
			return db.Where("customer_id = ? AND user_id = ? AND feature_id = ?", entitlement.CustomerID, *entitlement.UserID, entitlement.FeatureID)
		}
		return db.Where("customer_id = ? AND user_id IS NULL AND feature_id = ?", entitlement.CustomerID, entitlement.FeatureID)
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if existing != nil {
		return s.db.WithContext(ctx).Model(&entitlementdomain.Entitlement{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"limit_type":  entitlement.LimitType,
				"limit_value": entitlement.LimitValue,
				"period":      entitlement.Period,
				"updated_at":  now,
			}).Error
	}

	entitlement.ID = s.genID.Generate()
	entitlement.CreatedAt = now
	entitlement.UpdatedAt = now
	return s.db.WithContext(ctx).Create(entitlement).Error
}
