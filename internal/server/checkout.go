package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
)

type createCheckoutRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	PriceID      string `json:"price_id"`
	Plan         string `json:"plan"`
	BillingCycle string `json:"billing_cycle"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID <= 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_id", "invalid user id"))
		return
	}

	priceID := strings.TrimSpace(req.PriceID)
	plan := strings.TrimSpace(req.Plan)
	if priceID == "" && plan == "" {
		AbortWithError(c, newValidationError("price_id", "required", "price_id or plan is required"))
		return
	}

	result, err := s.billingSvc.CreateCheckout(c.Request.Context(), billingdomain.CheckoutRequest{
		UserID:       userID,
		PriceID:      priceID,
		Plan:         plan,
		BillingCycle: strings.TrimSpace(req.BillingCycle),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
