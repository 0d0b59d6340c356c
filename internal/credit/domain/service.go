package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

// RechargeOptions carries the order context of a recharge. LimitAdjustments
// defaults to the recharged amounts; Window, when set, is stamped on every
// recharged bucket.
type RechargeOptions struct {
	OrderID          string
	Feature          string
	LimitAdjustments *Amounts
	Window           *Window
}

type ConsumeOptions struct {
	Feature string
	OrderID string
}

type RefundOptions struct {
	LimitAdjustments *Amounts
}

// FreeGrant describes a free bucket set from scratch.
type FreeGrant struct {
	Credits int64
	Window  Window
}

type ListUsageResponse struct {
	Usages   []CreditUsage       `json:"usages"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Service interface {
	// WithTx binds the service to an open transaction.
	WithTx(tx *gorm.DB) Service

	InitAnonymousFree(ctx context.Context, userID snowflake.ID, grant FreeGrant) (*Credit, error)
	ReissueFreeOnUpgrade(ctx context.Context, userID snowflake.ID, grant FreeGrant) (*Credit, error)

	Recharge(ctx context.Context, userID snowflake.ID, amounts Amounts, opts RechargeOptions) (*Credit, error)
	Consume(ctx context.Context, userID snowflake.ID, amounts Amounts, opts ConsumeOptions) (*Credit, error)
	Spend(ctx context.Context, userID snowflake.ID, amount float64, feature string) (*Credit, error)
	Freeze(ctx context.Context, userID snowflake.ID, amounts Amounts, reason string) (*Credit, error)
	Unfreeze(ctx context.Context, userID snowflake.ID, amounts Amounts, reason string) (*Credit, error)
	Refund(ctx context.Context, userID snowflake.ID, amounts Amounts, orderID string, opts RefundOptions) (*Credit, error)
	AdjustAbsolute(ctx context.Context, userID snowflake.ID, targets Targets, reason string) (*Credit, error)

	PurgeFree(ctx context.Context, userID snowflake.ID, reason string) (*Credit, error)
	PurgePaid(ctx context.Context, userID snowflake.ID, reason string) (*Credit, error)
	PurgeAll(ctx context.Context, userID snowflake.ID, reason string) (*Credit, error)

	StampWindow(ctx context.Context, userID snowflake.ID, creditType CreditType, window Window) (*Credit, error)
	RecordWatcher(ctx context.Context, userID snowflake.ID, creditType CreditType, orderID, feature string) error

	GetBalance(ctx context.Context, userID snowflake.ID) (Balance, error)
	GetTotalBalance(ctx context.Context, userID snowflake.ID) (int64, error)
	HasEnoughCredits(ctx context.Context, userID snowflake.ID, amount float64) (bool, error)
	ListUsage(ctx context.Context, userID snowflake.ID, page pagination.Pagination) (ListUsageResponse, error)
}

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrNoOpRequest         = errors.New("noop_request")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInsufficientLimit   = errors.New("insufficient_limit")
	ErrInvalidCreditType   = errors.New("invalid_credit_type")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidWindow       = errors.New("invalid_window")
	ErrCreditNotFound      = errors.New("credit_not_found")
)
