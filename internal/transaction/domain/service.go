package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreateRequest struct {
	OrderID        string
	UserID         snowflake.ID
	Type           TransactionType
	OrderStatus    OrderStatus
	PaymentStatus  PaymentStatus
	PriceID        string
	PriceName      string
	Amount         int64
	Currency       string
	CreditsGranted int64
	BillingReason  string

	PaySessionID      string
	PaySubscriptionID string
	PayTransactionID  string
	PayInvoiceID      string

	SubPeriodStart *time.Time
	SubPeriodEnd   *time.Time
	PaidAt         *time.Time
	FailureReason  string
	Metadata       map[string]any
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	PaymentStatus *PaymentStatus

	PaySessionID      *string
	PaySubscriptionID *string
	PayTransactionID  *string
	PayInvoiceID      *string

	SubPeriodStart *time.Time
	SubPeriodEnd   *time.Time
	PaidAt         *time.Time
	RefundedAt     *time.Time
	FailureReason  *string

	// Annotations stay writable after the order is terminal.
	CanceledAt   *time.Time
	CancelReason *string
	Metadata     map[string]any
}

type ListResponse struct {
	Transactions []Transaction      `json:"transactions"`
	PageInfo     pagination.PageInfo `json:"page_info"`
}

type Service interface {
	WithTx(tx *gorm.DB) Service

	Create(ctx context.Context, req CreateRequest) (*Transaction, error)
	Update(ctx context.Context, orderID string, patch Patch) (*Transaction, error)
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus, patch *Patch) (*Transaction, error)

	FindByOrderID(ctx context.Context, orderID string) (*Transaction, error)
	FindByOrderIDForUpdate(ctx context.Context, orderID string) (*Transaction, error)
	FindByProviderSessionID(ctx context.Context, sessionID string) (*Transaction, error)
	FindByProviderTransactionID(ctx context.Context, transactionID string) (*Transaction, error)
	FindByProviderInvoiceID(ctx context.Context, invoiceID string) (*Transaction, error)
	ListByUser(ctx context.Context, userID snowflake.ID, page pagination.Pagination) (ListResponse, error)
}

var (
	ErrInvalidOrderID       = errors.New("invalid_order_id")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidType          = errors.New("invalid_transaction_type")
	ErrInvalidProviderID    = errors.New("invalid_provider_id")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrTransactionImmutable = errors.New("transaction_immutable")
	ErrTransactionNotFound  = errors.New("transaction_not_found")
	ErrDuplicateTransaction = errors.New("duplicate_transaction")
)
