package cache

import (
	"strings"
	"time"

	burndomain "github.com/smallbiznis/creditmeter/internal/burntable/domain"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	"go.uber.org/fx"
)

const (
	defaultBurnTableTTL = 45 * time.Second
	defaultSnapshotTTL  = 10 * time.Minute
)

// IngestResolverCache stores hot-path resolver lookups for usage ingest.
// TTLs bound the staleness of pricing seen by new events; a published table
// or cost entry takes effect within one TTL window. Entries hold the
// current-time resolution, so callers pricing an event at a timestamp away
// from the ingest clock must resolve against the catalog directly.
type IngestResolverCache interface {
	GetBurnTable(scope, name string) (*burndomain.BurnTable, bool)
	SetBurnTable(scope, name string, table *burndomain.BurnTable)
	GetCostSnapshot(provider, model string) (map[costdomain.CostType]costdomain.CostEntry, bool)
	SetCostSnapshot(provider, model string, snapshot map[costdomain.CostType]costdomain.CostEntry)
}

type ingestResolverCache struct {
	tables      Cache[string, *burndomain.BurnTable]
	snapshots   Cache[string, map[costdomain.CostType]costdomain.CostEntry]
	tableTTL    time.Duration
	snapshotTTL time.Duration
}

// NewIngestResolverCache returns an in-memory cache tuned for usage ingest.
func NewIngestResolverCache() IngestResolverCache {
	return &ingestResolverCache{
		tables:      NewTTLCache[string, *burndomain.BurnTable](),
		snapshots:   NewTTLCache[string, map[costdomain.CostType]costdomain.CostEntry](),
		tableTTL:    defaultBurnTableTTL,
		snapshotTTL: defaultSnapshotTTL,
	}
}

func (c *ingestResolverCache) GetBurnTable(scope, name string) (*burndomain.BurnTable, bool) {
	return c.tables.Get(cacheKey(scope, name))
}

func (c *ingestResolverCache) SetBurnTable(scope, name string, table *burndomain.BurnTable) {
	if table == nil {
		return
	}
	c.tables.Set(cacheKey(scope, name), table, c.tableTTL)
}

func (c *ingestResolverCache) GetCostSnapshot(provider, model string) (map[costdomain.CostType]costdomain.CostEntry, bool) {
	return c.snapshots.Get(cacheKey(provider, model))
}

func (c *ingestResolverCache) SetCostSnapshot(provider, model string, snapshot map[costdomain.CostType]costdomain.CostEntry) {
	if snapshot == nil {
		return
	}
	c.snapshots.Set(cacheKey(provider, model), snapshot, c.snapshotTTL)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}

var Module = fx.Module("cache",
	fx.Provide(NewIngestResolverCache),
)
