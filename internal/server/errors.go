package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	burndomain "github.com/smallbiznis/creditmeter/internal/burntable/domain"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/creditmeter/internal/observability/logger"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// ReferenceID correlates an opaque 5xx response with server logs.
	ReferenceID string `json:"reference_id,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status >= http.StatusInternalServerError {
			payload.ReferenceID = uuid.NewString()
			obslogger.FromContext(c.Request.Context()).Error("request failed",
				zap.String("reference_id", payload.ReferenceID),
				zap.Error(lastErr.Err),
			)
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError keeps business outcomes distinct from configuration and internal
// faults. Pricing and rule problems are operator errors and stay opaque to
// API callers.
func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}

	case errors.Is(err, usagedomain.ErrInsufficientCredits),
		errors.Is(err, walletdomain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}

	case errors.Is(err, usagedomain.ErrEntitlementExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "entitlement_exceeded",
			Message: "feature limit reached",
		}

	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}

	case errors.Is(err, walletdomain.ErrWalletNotFound),
		errors.Is(err, walletdomain.ErrReservationNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}

	case errors.Is(err, walletdomain.ErrWalletExpired):
		return http.StatusConflict, errorPayload{
			Type:    "wallet_expired",
			Message: "wallet expired",
		}

	case errors.Is(err, walletdomain.ErrReservationNotHeld):
		return http.StatusConflict, errorPayload{
			Type:    "reservation_not_held",
			Message: "reservation is no longer held",
		}

	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}

	case errors.Is(err, walletdomain.ErrConcurrencyConflict),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "temporarily unavailable, retry",
		}

	default:
		// Includes pricing_not_found and burn_rule_evaluation, which are
		// configuration faults, not caller mistakes.
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, usagedomain.ErrInvalidCustomer),
		errors.Is(err, usagedomain.ErrInvalidEventType),
		errors.Is(err, usagedomain.ErrInvalidFeature),
		errors.Is(err, usagedomain.ErrInvalidUsage),
		errors.Is(err, walletdomain.ErrInvalidAmount),
		errors.Is(err, walletdomain.ErrInvalidOwner),
		errors.Is(err, walletdomain.ErrInvalidTransaction),
		errors.Is(err, entitlementdomain.ErrInvalidCustomer),
		errors.Is(err, entitlementdomain.ErrInvalidFeature),
		errors.Is(err, entitlementdomain.ErrInvalidEntitlement),
		errors.Is(err, costdomain.ErrInvalidEntry),
		errors.Is(err, burndomain.ErrInvalidTable),
		errors.Is(err, burndomain.ErrInvalidRuleSet),
		errors.Is(err, burndomain.ErrUnknownRuleKind):
		return true
	default:
		return false
	}
}

// classifyErrorForLog labels request errors for the access log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "internal", payload.Type
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		return "business", payload.Type
	default:
		return "client", payload.Type
	}
}
