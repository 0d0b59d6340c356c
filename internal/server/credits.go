package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/zap"
)

type usageView struct {
	ID            string    `json:"id"`
	CreditType    string    `json:"credit_type"`
	OperationType string    `json:"operation_type"`
	CreditsUsed   int64     `json:"credits_used"`
	Feature       string    `json:"feature,omitempty"`
	OrderID       *string   `json:"order_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) GetCredits(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.billingSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) ListCreditUsage(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSvc.ListUsage(c.Request.Context(), userID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]usageView, 0, len(resp.Usages))
	for _, u := range resp.Usages {
		items = append(items, usageView{
			ID:            u.ID.String(),
			CreditType:    string(u.CreditType),
			OperationType: string(u.OperationType),
			CreditsUsed:   u.CreditsUsed,
			Feature:       u.Feature,
			OrderID:       u.OrderID,
			CreatedAt:     u.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": resp.PageInfo})
}

type consumeCreditsRequest struct {
	Amount  float64 `json:"amount" binding:"required,gt=0"`
	Feature string  `json:"feature"`
}

func (s *Server) ConsumeCredits(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req consumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}

	balance, err := s.billingSvc.ConsumeCredits(c.Request.Context(), userID, req.Amount, strings.TrimSpace(req.Feature))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

type adjustCreditsRequest struct {
	Free        *float64 `json:"free"`
	Paid        *float64 `json:"paid"`
	OneTimePaid *float64 `json:"onetime_paid"`
	Reason      string   `json:"reason" binding:"required"`
}

func (s *Server) AdjustCredits(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	balance, err := s.billingSvc.AdjustCredits(c.Request.Context(), userID, creditdomain.Targets{
		Free:        req.Free,
		Paid:        req.Paid,
		OneTimePaid: req.OneTimePaid,
	}, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("credits adjusted by admin",
		zap.String("user_id", userID.String()),
		zap.String("reason", req.Reason),
	)
	c.JSON(http.StatusOK, gin.H{"data": balance})
}

type freezeCreditsRequest struct {
	creditdomain.Amounts
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) FreezeCredits(c *gin.Context) {
	s.moveFrozen(c, s.billingSvc.FreezeCredits)
}

func (s *Server) UnfreezeCredits(c *gin.Context) {
	s.moveFrozen(c, s.billingSvc.UnfreezeCredits)
}

type frozenMove func(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, reason string) (creditdomain.Balance, error)

func (s *Server) moveFrozen(c *gin.Context, move frozenMove) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req freezeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	balance, err := move(c.Request.Context(), userID, req.Amounts, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}
