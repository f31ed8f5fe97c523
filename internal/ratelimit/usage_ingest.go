package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
)

const (
	keyIngestCustomer = "usage:ingest:customer:%s"
	keyIngestLock     = "usage:ingest:lock:%s:%s"
)

// UsageIngestLimiter throttles ingest per customer and serializes duplicate
// submissions carrying the same idempotency key across API instances. A nil
// limiter (rate limiting disabled) allows everything.
type UsageIngestLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	rate    float64
	burst   int
	lockTTL time.Duration
}

func NewUsageIngestLimiter(cfg config.Config) (*UsageIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.IngestRate <= 0 || limitCfg.IngestBurst <= 0 {
		return nil, errors.New("usage ingest rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &UsageIngestLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    limitCfg.IngestRate,
		burst:   limitCfg.IngestBurst,
		lockTTL: time.Duration(limitCfg.IngestLockTTLSeconds) * time.Second,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *UsageIngestLimiter) AllowCustomer(ctx context.Context, customerID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIngestCustomer, strings.TrimSpace(customerID)), l.rate, l.burst)
}

func (l *UsageIngestLimiter) TryLockIdempotencyKey(ctx context.Context, customerID, idempotencyKey string) (string, bool, error) {
	if !l.Enabled() || strings.TrimSpace(idempotencyKey) == "" {
		return "", true, nil
	}
	key := fmt.Sprintf(keyIngestLock, strings.TrimSpace(customerID), strings.TrimSpace(idempotencyKey))
	return l.locker.TryLock(ctx, key, l.lockTTL)
}

func (l *UsageIngestLimiter) ReleaseIdempotencyKey(ctx context.Context, customerID, idempotencyKey, token string) error {
	if !l.Enabled() || token == "" {
		return nil
	}
	key := fmt.Sprintf(keyIngestLock, strings.TrimSpace(customerID), strings.TrimSpace(idempotencyKey))
	return l.locker.Release(ctx, key, token)
}
