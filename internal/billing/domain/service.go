// Package domain describes the billing aggregate: the only component that
// changes credits, orders and subscriptions together.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/creditledger/internal/transaction/domain"
	userdomain "github.com/smallbiznis/creditledger/internal/user/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
)

// Account is a user together with its current credit and subscription state.
type Account struct {
	User         *userdomain.User                 `json:"user"`
	Balance      creditdomain.Balance             `json:"balance"`
	Subscription *subscriptiondomain.Subscription `json:"subscription,omitempty"`
}

// CheckoutRequest names the price directly or through plan and billing cycle.
type CheckoutRequest struct {
	UserID       snowflake.ID
	PriceID      string
	Plan         string
	BillingCycle string
}

type CheckoutResult struct {
	OrderID   string    `json:"order_id"`
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SubscriptionCheckout struct {
	OrderID           string
	SessionID         string
	PaySubscriptionID string
	PayCustomerID     string
	PayInvoiceID      string
	PayTransactionID  string
	// Status defaults to active when empty.
	Status      subscriptiondomain.SubscriptionStatus
	PeriodStart time.Time
	PeriodEnd   time.Time
	PaidAt      time.Time
}

type OneTimeCheckout struct {
	OrderID          string
	SessionID        string
	PayTransactionID string
	PaidAt           time.Time
}

type RenewalPayment struct {
	PaySubscriptionID string
	PayInvoiceID      string
	PayTransactionID  string
	PriceID           string
	BillingReason     string
	Amount            int64
	Currency          string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	PaidAt            time.Time
}

type RenewalFailure struct {
	PaySubscriptionID string
	PayInvoiceID      string
	PayTransactionID  string
	BillingReason     string
	AttemptCount      int64
	FailureMessage    string
	Amount            int64
	Currency          string
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

type SubscriptionSync struct {
	PaySubscriptionID string
	Status            string
	PriceID           string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CanceledAt        *time.Time
	Reason            string
}

type SubscriptionCancel struct {
	PaySubscriptionID string
	CanceledAt        time.Time
	Reason            string
}

type Refund struct {
	OrderID    string
	RefundedAt time.Time
	Reason     string
}

// TransactionRef holds every identifier an event may carry for an order. The
// first non-empty one that matches wins, OrderID first.
type TransactionRef struct {
	OrderID         string
	SessionID       string
	PaymentIntentID string
	InvoiceID       string
}

type Service interface {
	InitAnonymousUser(ctx context.Context, fingerprint string) (*Account, error)
	UpgradeAnonymousUser(ctx context.Context, userID snowflake.ID, req userdomain.RegisterRequest) (*Account, error)
	SoftDeleteUser(ctx context.Context, userID snowflake.ID) (*userdomain.User, error)
	GetAccount(ctx context.Context, userID snowflake.ID) (*Account, error)

	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
	CompleteSubscriptionCheckout(ctx context.Context, req SubscriptionCheckout) (*transactiondomain.Transaction, error)
	CompleteOneTimeCheckout(ctx context.Context, req OneTimeCheckout) (*transactiondomain.Transaction, error)
	FailCheckout(ctx context.Context, orderID, reason string) (*transactiondomain.Transaction, error)
	CancelCheckout(ctx context.Context, orderID, reason string) (*transactiondomain.Transaction, error)

	RecordSubscriptionRenewalPayment(ctx context.Context, req RenewalPayment) (*transactiondomain.Transaction, error)
	RecordRenewalPaymentFailure(ctx context.Context, req RenewalFailure) (*transactiondomain.Transaction, error)
	SyncSubscription(ctx context.Context, req SubscriptionSync) (*subscriptiondomain.Subscription, error)
	ProcessSubscriptionCancel(ctx context.Context, req SubscriptionCancel) (*subscriptiondomain.Subscription, error)
	ProcessSubscriptionRefund(ctx context.Context, req Refund) (*transactiondomain.Transaction, error)
	ProcessOneTimeRefund(ctx context.Context, req Refund) (*transactiondomain.Transaction, error)
	ResolveTransaction(ctx context.Context, ref TransactionRef) (*transactiondomain.Transaction, error)

	ConsumeCredits(ctx context.Context, userID snowflake.ID, amount float64, feature string) (creditdomain.Balance, error)
	FreezeCredits(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, reason string) (creditdomain.Balance, error)
	UnfreezeCredits(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, reason string) (creditdomain.Balance, error)
	AdjustCredits(ctx context.Context, userID snowflake.ID, targets creditdomain.Targets, reason string) (creditdomain.Balance, error)
	GetBalance(ctx context.Context, userID snowflake.ID) (creditdomain.Balance, error)
	GetTotalBalance(ctx context.Context, userID snowflake.ID) (int64, error)
	HasEnoughCredits(ctx context.Context, userID snowflake.ID, amount float64) (bool, error)
	ListUsage(ctx context.Context, userID snowflake.ID, page pagination.Pagination) (creditdomain.ListUsageResponse, error)
}

var (
	// ErrAlreadyApplied reports a redelivered event whose effect is already stored.
	ErrAlreadyApplied          = errors.New("already_applied")
	ErrPriceNotFound           = errors.New("price_not_found")
	ErrProviderUnavailable     = errors.New("provider_unavailable")
	ErrTransactionTypeMismatch = errors.New("transaction_type_mismatch")
	ErrInvalidCheckout         = errors.New("invalid_checkout")
)
