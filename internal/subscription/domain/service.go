package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	PaySubscriptionID *string
	PayCustomerID     *string
	PriceID           *string
	PriceName         *string
	CreditsAllocated  *int64
	SubPeriodStart    *time.Time
	SubPeriodEnd      *time.Time
	CancelAtPeriodEnd *bool
	CanceledAt        *time.Time
	OrderID           *string
}

type Service interface {
	WithTx(tx *gorm.DB) Service

	// InitializePlaceholder creates the user's placeholder row, or resets a
	// canceled row into a fresh placeholder.
	InitializePlaceholder(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, id snowflake.ID, patch Patch) (*Subscription, error)
	UpdateStatus(ctx context.Context, id snowflake.ID, status SubscriptionStatus, patch *Patch) (*Subscription, error)
	Cancel(ctx context.Context, id snowflake.ID, atPeriodEnd bool) (*Subscription, error)

	GetByUserID(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	GetActive(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	FindAnonymousPlaceholder(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, paySubscriptionID string) (*Subscription, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrPlaceholderNotFound  = errors.New("placeholder_not_found")
	ErrSubscriptionActive   = errors.New("subscription_active")
)
