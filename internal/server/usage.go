package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/creditmeter/internal/observability/logger"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"go.uber.org/zap"
)

func (s *Server) IngestUsage(c *gin.Context) {
	var req usagedomain.CreateIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if eventType := strings.TrimSpace(req.EventType); eventType != "" {
		c.Set("event_type", eventType)
	}

	event, err := s.usageSvc.Ingest(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

func (s *Server) ListUsage(c *gin.Context) {
	var req usagedomain.ListUsageRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.usageSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type usageIngestRateLimitKey struct {
	CustomerID     string `json:"customer_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// UsageIngestRateLimit throttles per customer and serializes concurrent
// submissions carrying the same idempotency key, so duplicates resolve
// through the store's idempotency check rather than racing each other.
func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		customerID, idempotencyKey, err := readUsageIngestKey(c)
		if err != nil || customerID == "" {
			AbortWithError(c, ErrInvalidRequest)
			return
		}

		result, err := s.usageLimiter.AllowCustomer(ctx, customerID)
		if err != nil {
			obslogger.FromContext(ctx).Warn("usage ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			s.obsMetrics.RecordRateLimitDenied()
			c.Header("Retry-After", "1")
			AbortWithError(c, ErrRateLimited)
			return
		}

		if idempotencyKey != "" {
			token, acquired, err := s.usageLimiter.TryLockIdempotencyKey(ctx, customerID, idempotencyKey)
			if err != nil {
				obslogger.FromContext(ctx).Warn("usage ingest concurrency lock failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !acquired {
				s.obsMetrics.RecordRateLimitDenied()
				c.Header("Retry-After", "1")
				AbortWithError(c, ErrRateLimited)
				return
			}
			defer func() {
				if err := s.usageLimiter.ReleaseIdempotencyKey(ctx, customerID, idempotencyKey, token); err != nil {
					obslogger.FromContext(ctx).Warn("usage ingest concurrency unlock failed", zap.Error(err))
				}
			}()
		}

		c.Next()
	}
}

func readUsageIngestKey(c *gin.Context) (string, string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", "", nil
	}

	var payload usageIngestRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", nil
	}
	return strings.TrimSpace(payload.CustomerID), strings.TrimSpace(payload.IdempotencyKey), nil
}
