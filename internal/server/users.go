package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	userdomain "github.com/smallbiznis/creditledger/internal/user/domain"
)

type userView struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Email        *string    `json:"email,omitempty"`
	Name         *string    `json:"name,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type subscriptionView struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	PriceID           string     `json:"price_id,omitempty"`
	PriceName         string     `json:"price_name,omitempty"`
	CreditsAllocated  int64      `json:"credits_allocated"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
}

type accountView struct {
	User         userView             `json:"user"`
	Balance      creditdomain.Balance `json:"balance"`
	Subscription *subscriptionView    `json:"subscription,omitempty"`
}

func newUserView(u *userdomain.User) userView {
	return userView{
		ID:           u.ID.String(),
		Status:       string(u.Status),
		Email:        u.Email,
		Name:         u.Name,
		RegisteredAt: u.RegisteredAt,
		DeletedAt:    u.DeletedAt,
		CreatedAt:    u.CreatedAt,
	}
}

func newSubscriptionView(sub *subscriptiondomain.Subscription) *subscriptionView {
	if sub == nil {
		return nil
	}
	return &subscriptionView{
		ID:                sub.ID.String(),
		Status:            string(sub.Status),
		PriceID:           sub.PriceID,
		PriceName:         sub.PriceName,
		CreditsAllocated:  sub.CreditsAllocated,
		PeriodStart:       sub.SubPeriodStart,
		PeriodEnd:         sub.SubPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        sub.CanceledAt,
	}
}

func newAccountView(a *billingdomain.Account) accountView {
	return accountView{
		User:         newUserView(a.User),
		Balance:      a.Balance,
		Subscription: newSubscriptionView(a.Subscription),
	}
}

type initAnonymousRequest struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
}

func (s *Server) InitAnonymousUser(c *gin.Context) {
	var req initAnonymousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.billingSvc.InitAnonymousUser(c.Request.Context(), strings.TrimSpace(req.Fingerprint))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newAccountView(account)})
}

func (s *Server) GetAccount(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.billingSvc.GetAccount(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newAccountView(account)})
}

type upgradeUserRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name"`
}

func (s *Server) UpgradeUser(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req upgradeUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("email", "invalid_email", "a valid email is required"))
		return
	}

	account, err := s.billingSvc.UpgradeAnonymousUser(c.Request.Context(), userID, userdomain.RegisterRequest{
		Email: strings.TrimSpace(req.Email),
		Name:  strings.TrimSpace(req.Name),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newAccountView(account)})
}

func (s *Server) DeleteUser(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	user, err := s.billingSvc.SoftDeleteUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newUserView(user)})
}
