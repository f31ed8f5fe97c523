package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	"gorm.io/datatypes"
)

type getOrCreateWalletRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	OwnerType  string `json:"owner_type" binding:"required"`
	OwnerID    string `json:"owner_id" binding:"required"`
	Currency   string `json:"currency"`
}

func (s *Server) GetOrCreateWallet(c *gin.Context) {
	var req getOrCreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	customerID, err := parsePathID(req.CustomerID)
	if err != nil {
		AbortWithError(c, walletdomain.ErrInvalidOwner)
		return
	}
	ownerID, err := parsePathID(req.OwnerID)
	if err != nil {
		AbortWithError(c, walletdomain.ErrInvalidOwner)
		return
	}

	record, err := s.walletSvc.GetOrCreate(
		c.Request.Context(),
		customerID,
		walletdomain.OwnerType(strings.ToLower(strings.TrimSpace(req.OwnerType))),
		ownerID,
		req.Currency,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) GetWalletBalance(c *gin.Context) {
	walletID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, walletdomain.ErrWalletNotFound)
		return
	}

	balance, err := s.walletSvc.GetBalance(c.Request.Context(), walletID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

type creditRequest struct {
	Amount         int64          `json:"amount" binding:"required"`
	IdempotencyKey string         `json:"idempotency_key"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) GrantCredits(c *gin.Context) {
	s.credit(c, walletdomain.TransactionTypeGrant)
}

func (s *Server) RefundCredits(c *gin.Context) {
	s.credit(c, walletdomain.TransactionTypeRefund)
}

func (s *Server) credit(c *gin.Context, txType walletdomain.TransactionType) {
	walletID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, walletdomain.ErrWalletNotFound)
		return
	}
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	mutation := walletdomain.MutationRequest{
		WalletID:    walletID,
		Amount:      req.Amount,
		Type:        txType,
		Description: req.Description,
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		mutation.IdempotencyKey = &key
	}
	if req.Metadata != nil {
		if raw, merr := json.Marshal(req.Metadata); merr == nil {
			mutation.Metadata = datatypes.JSON(raw)
		}
	}

	transaction, err := s.walletSvc.Credit(c.Request.Context(), mutation)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, transaction)
}

type reserveRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (s *Server) ReserveCredits(c *gin.Context) {
	walletID, err := parsePathID(c.Param("id"))
	if err != nil {
		AbortWithError(c, walletdomain.ErrWalletNotFound)
		return
	}
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	reservation, err := s.walletSvc.Reserve(c.Request.Context(), walletID, req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, reservation)
}

type commitRequest struct {
	ActualAmount int64 `json:"actual_amount"`
}

func (s *Server) CommitReservation(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	transaction, err := s.walletSvc.Commit(c.Request.Context(), c.Param("id"), req.ActualAmount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if transaction == nil {
		c.JSON(http.StatusOK, gin.H{"status": "committed"})
		return
	}

	c.JSON(http.StatusOK, transaction)
}

func (s *Server) ReleaseReservation(c *gin.Context) {
	if err := s.walletSvc.Release(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

func parsePathID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		if err == nil {
			err = walletdomain.ErrWalletNotFound
		}
		return 0, err
	}
	return id, nil
}
