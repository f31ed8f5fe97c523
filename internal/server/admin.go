package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	burndomain "github.com/smallbiznis/creditmeter/internal/burntable/domain"
	costdomain "github.com/smallbiznis/creditmeter/internal/costcatalog/domain"
	entitlementdomain "github.com/smallbiznis/creditmeter/internal/entitlement/domain"
	"gorm.io/datatypes"
)

type publishCostEntryRequest struct {
	Provider    string     `json:"provider" binding:"required"`
	Model       string     `json:"model" binding:"required"`
	CostType    string     `json:"cost_type" binding:"required"`
	CostPerUnit string     `json:"cost_per_unit" binding:"required"`
	UnitSize    int64      `json:"unit_size"`
	Currency    string     `json:"currency"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidUntil  *time.Time `json:"valid_until"`
}

func (s *Server) PublishCostEntry(c *gin.Context) {
	var req publishCostEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	costPerUnit, err := decimal.NewFromString(strings.TrimSpace(req.CostPerUnit))
	if err != nil {
		AbortWithError(c, costdomain.ErrInvalidEntry)
		return
	}

	entry := &costdomain.CostEntry{
		Provider:    req.Provider,
		Model:       req.Model,
		CostType:    costdomain.CostType(strings.ToUpper(strings.TrimSpace(req.CostType))),
		CostPerUnit: costPerUnit,
		UnitSize:    req.UnitSize,
		Currency:    req.Currency,
		ValidFrom:   req.ValidFrom,
		ValidUntil:  req.ValidUntil,
	}
	if err := s.costSvc.Publish(c.Request.Context(), entry); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

type publishBurnTableRequest struct {
	CustomerID string         `json:"customer_id"`
	Name       string         `json:"name" binding:"required"`
	Rules      datatypes.JSON `json:"rules" binding:"required"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidUntil *time.Time     `json:"valid_until"`
}

func (s *Server) PublishBurnTable(c *gin.Context) {
	var req publishBurnTableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	table := &burndomain.BurnTable{
		Name:       req.Name,
		Rules:      req.Rules,
		IsActive:   true,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
	}
	if customerID := strings.TrimSpace(req.CustomerID); customerID != "" {
		id, err := snowflake.ParseString(customerID)
		if err != nil || id == 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		table.CustomerID = &id
	}

	if err := s.burnSvc.Publish(c.Request.Context(), table); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, table)
}

type upsertEntitlementRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	UserID     string `json:"user_id"`
	FeatureID  string `json:"feature_id" binding:"required"`
	LimitType  string `json:"limit_type" binding:"required"`
	LimitValue *int64 `json:"limit_value"`
	Period     string `json:"period" binding:"required"`
}

func (s *Server) UpsertEntitlement(c *gin.Context) {
	var req upsertEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil || customerID == 0 {
		AbortWithError(c, entitlementdomain.ErrInvalidCustomer)
		return
	}

	record := &entitlementdomain.Entitlement{
		CustomerID: customerID,
		FeatureID:  req.FeatureID,
		LimitType:  entitlementdomain.LimitType(strings.ToUpper(strings.TrimSpace(req.LimitType))),
		LimitValue: req.LimitValue,
		Period:     entitlementdomain.Period(strings.ToUpper(strings.TrimSpace(req.Period))),
	}
	if userID := strings.TrimSpace(req.UserID); userID != "" {
		id, perr := snowflake.ParseString(userID)
		if perr != nil || id == 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		record.UserID = &id
	}

	if err := s.entitlementSvc.Upsert(c.Request.Context(), record); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}
