package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	burndomain "github.com/smallbiznis/creditmeter/internal/burntable/domain"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/internal/usage/liveevents"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"github.com/smallbiznis/creditmeter/pkg/db/option"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
	"github.com/smallbiznis/creditmeter/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	CostSvc        costdomain.Service
	BurnSvc        burndomain.Service
	EntitlementSvc entitlementdomain.Service
	WalletSvc      walletdomain.Service
	ResolverCache  cache.IngestResolverCache
	LiveEvents     *liveevents.Hub     `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID          *snowflake.Node
	clock          clock.Clock
	costSvc        costdomain.Service
	burnSvc        burndomain.Service
	entitlementSvc entitlementdomain.Service
	walletSvc      walletdomain.Service
	usagerepo      repository.Repository[usagedomain.UsageEvent]
	resolverCache  cache.IngestResolverCache
	liveEvents     *liveevents.Hub
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:          p.GenID,
		clock:          p.Clock,
		costSvc:        p.CostSvc,
		burnSvc:        p.BurnSvc,
		entitlementSvc: p.EntitlementSvc,
		walletSvc:      p.WalletSvc,
		usagerepo:      repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		resolverCache:  p.ResolverCache,
		liveEvents:     p.LiveEvents,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) Ingest(
	ctx context.Context,
	req usagedomain.CreateIngestRequest,
) (*usagedomain.UsageEvent, error) {

	customerID, err := s.parseID(req.CustomerID, usagedomain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}
	userID := parseOptionalID(req.UserID)
	teamID := parseOptionalID(req.TeamID)

	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return nil, usagedomain.ErrInvalidEventType
	}
	featureID := strings.TrimSpace(req.FeatureID)
	if featureID == "" {
		return nil, usagedomain.ErrInvalidFeature
	}
	if err := validateQuantities(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}
	timestamp = timestamp.UTC()

	idempotencyKey := normalizeIdempotencyKey(req.IdempotencyKey)

	// Idempotency before any pricing or admission work. An event already
	// accepted is returned strictly as-is, so retries never re-price or
	// re-gate under drifted tables and limits.
	existing, err := s.findByIdempotencyKey(ctx, customerID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.obsMetrics.RecordUsageIngest(eventType, "deduplicated")
		s.emitLiveEvent(existing, liveevents.StatusDeduplicated)
		return existing, nil
	}

	table, err := s.resolveBurnTable(ctx, customerID, req.BurnTable, timestamp)
	if err != nil {
		return nil, err
	}
	costs, err := s.resolveCostSnapshot(ctx, req.Provider, req.Model, timestamp)
	if err != nil {
		return nil, err
	}

	decision, err := s.entitlementSvc.Check(ctx, customerID, userID, featureID, timestamp)
	if err != nil {
		return nil, err
	}
	switch decision.Outcome {
	case entitlementdomain.OutcomeHardBlocked:
		s.obsMetrics.RecordUsageIngest(eventType, "entitlement_blocked")
		return nil, fmt.Errorf("%w: feature %s used %d of %d", usagedomain.ErrEntitlementExceeded, featureID, decision.Used, decision.LimitValue)
	case entitlementdomain.OutcomeSoftWarn:
		s.log.Warn("soft entitlement limit reached",
			zap.String("customer_id", customerID.String()),
			zap.String("feature_id", featureID),
			zap.Int64("used", decision.Used),
			zap.Int64("limit", decision.LimitValue),
		)
	}

	input := burndomain.Input{
		EventType:    eventType,
		FeatureID:    featureID,
		Provider:     strings.TrimSpace(req.Provider),
		Model:        strings.TrimSpace(req.Model),
		InputTokens:  derefInt64(req.InputTokens),
		OutputTokens: derefInt64(req.OutputTokens),
		Requests:     derefInt64(req.Requests),
	}
	credits, err := burndomain.Evaluate(table, input, costs)
	if err != nil {
		return nil, err
	}
	costUSD := costdomain.ComputeCost(costs, costdomain.UsageDimensions{
		InputTokens:  input.InputTokens,
		OutputTokens: input.OutputTokens,
		Requests:     input.Requests,
	})

	record := &usagedomain.UsageEvent{
		ID:            s.genID.Generate(),
		CustomerID:    customerID,
		UserID:        userID,
		TeamID:        teamID,
		EventType:     eventType,
		FeatureID:     featureID,
		Provider:      input.Provider,
		Model:         input.Model,
		InputTokens:   req.InputTokens,
		OutputTokens:  req.OutputTokens,
		Requests:      req.Requests,
		CreditsBurned: credits,
		CostUSD:       costUSD,
		Timestamp:     timestamp,
		CreatedAt:     now,
	}
	if idempotencyKey != "" {
		record.IdempotencyKey = &idempotencyKey
	}
	if req.Metadata != nil {
		if raw, merr := json.Marshal(req.Metadata); merr == nil {
			record.Metadata = datatypes.JSON(raw)
		}
	}

	// Everything up to here is side-effect free. The debit is the first
	// mutation and carries its own idempotency key, so a crash between
	// the debit and the event insert replays cleanly.
	if credits > 0 {
		transaction, derr := s.debitWallet(ctx, record, credits)
		if derr != nil {
			if errors.Is(derr, walletdomain.ErrInsufficientFunds) {
				s.obsMetrics.RecordUsageIngest(eventType, "insufficient_credits")
				return nil, fmt.Errorf("%w: %d credits required", usagedomain.ErrInsufficientCredits, credits)
			}
			return nil, derr
		}
		if transaction != nil {
			record.WalletTransactionID = &transaction.ID
		}
	}

	inserted, err := s.insertUsageEvent(ctx, record, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !inserted && idempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, customerID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.obsMetrics.RecordUsageIngest(eventType, "deduplicated")
			s.emitLiveEvent(existing, liveevents.StatusDeduplicated)
			return existing, nil
		}
	}

	s.obsMetrics.RecordUsageIngest(eventType, "accepted")
	s.obsMetrics.RecordCreditsBurned(eventType, credits)
	s.emitLiveEvent(record, liveevents.StatusAccepted)

	return record, nil
}

func (s *Service) emitLiveEvent(record *usagedomain.UsageEvent, status string) {
	if s.liveEvents == nil || record == nil {
		return
	}
	event := liveevents.LiveEvent{
		EventID:       record.ID.String(),
		CustomerID:    record.CustomerID.String(),
		EventType:     record.EventType,
		FeatureID:     record.FeatureID,
		CreditsBurned: record.CreditsBurned,
		Status:        status,
		Timestamp:     record.Timestamp.UTC().Format(time.RFC3339),
	}
	if record.IdempotencyKey != nil {
		event.IdempotencyKey = *record.IdempotencyKey
	}
	s.liveEvents.Publish(event.CustomerID, event)
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	filter := &usagedomain.UsageEvent{}
	if req.CustomerID != "" {
		customerID, err := s.parseID(req.CustomerID, usagedomain.ErrInvalidCustomer)
		if err != nil {
			return usagedomain.ListUsageResponse{}, err
		}
		filter.CustomerID = customerID
	}
	filter.FeatureID = strings.TrimSpace(req.FeatureID)
	filter.EventType = strings.TrimSpace(req.EventType)

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.usagerepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  pageSize,
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}
	return buildListResponse(items, pageSize), nil
}

func (s *Service) debitWallet(ctx context.Context, record *usagedomain.UsageEvent, credits int64) (*walletdomain.Transaction, error) {
	ownerType := walletdomain.OwnerTypeCustomer
	ownerID := record.CustomerID
	switch {
	case record.UserID != nil:
		ownerType = walletdomain.OwnerTypeUser
		ownerID = *record.UserID
	case record.TeamID != nil:
		ownerType = walletdomain.OwnerTypeTeam
		ownerID = *record.TeamID
	}

	wallet, err := s.walletSvc.GetOrCreate(ctx, record.CustomerID, ownerType, ownerID, "")
	if err != nil {
		return nil, err
	}

	key := "usage:" + record.ID.String()
	if record.IdempotencyKey != nil {
		key = "usage:" + *record.IdempotencyKey
	}
	return s.walletSvc.Debit(ctx, walletdomain.MutationRequest{
		WalletID:       wallet.ID,
		Amount:         credits,
		Type:           walletdomain.TransactionTypeBurn,
		IdempotencyKey: &key,
		Description:    record.EventType + " " + record.FeatureID,
	})
}

// resolverCacheWindow bounds how far an event timestamp may drift from the
// ingest clock before resolver lookups bypass the cache. Cached entries
// answer current-time resolution only; a backdated or future-dated event is
// priced against the catalog as of its own timestamp and never populates
// the cache.
const resolverCacheWindow = 30 * time.Second

func (s *Service) resolverCacheable(asOf time.Time) bool {
	drift := s.clock.Now().Sub(asOf)
	if drift < 0 {
		drift = -drift
	}
	return drift <= resolverCacheWindow
}

func (s *Service) resolveBurnTable(ctx context.Context, customerID snowflake.ID, name string, asOf time.Time) (*burndomain.BurnTable, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = usagedomain.DefaultBurnTable
	}

	scope := customerID.String()
	cacheable := s.resolverCache != nil && s.resolverCacheable(asOf)
	if cacheable {
		if cached, ok := s.resolverCache.GetBurnTable(scope, name); ok && cached.ValidAt(asOf) {
			return cached, nil
		}
	}
	table, err := s.burnSvc.ResolveActive(ctx, &customerID, name, asOf)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.resolverCache.SetBurnTable(scope, name, table)
	}
	return table, nil
}

func (s *Service) resolveCostSnapshot(ctx context.Context, provider, model string, asOf time.Time) (map[costdomain.CostType]costdomain.CostEntry, error) {
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if provider == "" && model == "" {
		return nil, nil
	}

	cacheable := s.resolverCache != nil && s.resolverCacheable(asOf)
	if cacheable {
		if cached, ok := s.resolverCache.GetCostSnapshot(provider, model); ok {
			return cached, nil
		}
	}
	snapshot, err := s.costSvc.Snapshot(ctx, provider, model, asOf)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.resolverCache.SetCostSnapshot(provider, model, snapshot)
	}
	return snapshot, nil
}

func (s *Service) insertUsageEvent(ctx context.Context, record *usagedomain.UsageEvent, idempotencyKey string) (bool, error) {
	db := s.db.WithContext(ctx)
	if idempotencyKey != "" {
		db = db.Clauses(buildIdempotencyConflictClause(s.db))
	}
	result := db.Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, customerID snowflake.ID, key string) (*usagedomain.UsageEvent, error) {
	if key == "" {
		return nil, nil
	}
	var record usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND idempotency_key = ?", customerID, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func buildIdempotencyConflictClause(db *gorm.DB) clause.OnConflict {
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}
	if db != nil && strings.EqualFold(db.Dialector.Name(), "postgres") {
		conflict.TargetWhere = clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "idempotency_key IS NOT NULL"},
		}}
	}
	return conflict
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

func parseOptionalID(value string) *snowflake.ID {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return nil
	}
	return &id
}

func validateQuantities(req usagedomain.CreateIngestRequest) error {
	for _, quantity := range []*int64{req.InputTokens, req.OutputTokens, req.Requests} {
		if quantity != nil && *quantity < 0 {
			return usagedomain.ErrInvalidUsage
		}
	}
	return nil
}

func normalizeIdempotencyKey(key string) string {
	return strings.TrimSpace(key)
}

func derefInt64(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

func buildListResponse(items []*usagedomain.UsageEvent, pageSize int) usagedomain.ListUsageResponse {
	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	records := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := usagedomain.ListUsageResponse{UsageEvents: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp
}
