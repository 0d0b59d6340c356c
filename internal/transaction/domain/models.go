// Package domain contains the order ledger: one row per purchase attempt or invoice.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TypeSubscription TransactionType = "subscription"
	TypeOneTime      TransactionType = "one_time"
)

type OrderStatus string

const (
	OrderStatusCreated  OrderStatus = "created"
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusSuccess  OrderStatus = "success"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
	OrderStatusCanceled OrderStatus = "canceled"
)

type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "unpaid"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated: {OrderStatusPending, OrderStatusSuccess, OrderStatusFailed, OrderStatusCanceled},
	OrderStatusPending: {OrderStatusSuccess, OrderStatusFailed, OrderStatusCanceled},
	OrderStatusSuccess: {OrderStatusRefunded},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status accepts no further business changes.
// Success is terminal except for the move to refunded.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusSuccess, OrderStatusFailed, OrderStatusRefunded, OrderStatusCanceled:
		return true
	}
	return false
}

// Transaction is keyed by OrderID; provider ids are lookup aids only.
type Transaction struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	OrderID        string          `gorm:"type:text;not null;uniqueIndex"`
	UserID         snowflake.ID    `gorm:"not null;index"`
	Type           TransactionType `gorm:"type:text;not null"`
	OrderStatus    OrderStatus     `gorm:"type:text;not null"`
	PaymentStatus  PaymentStatus   `gorm:"type:text;not null"`
	PriceID        string          `gorm:"type:text"`
	PriceName      string          `gorm:"type:text"`
	Amount         int64           `gorm:"not null;default:0"`
	Currency       string          `gorm:"type:text"`
	CreditsGranted int64           `gorm:"not null;default:0"`
	BillingReason  string          `gorm:"type:text"`

	PaySessionID      *string `gorm:"type:text;index"`
	PaySubscriptionID *string `gorm:"type:text;index"`
	PayTransactionID  *string `gorm:"type:text;index"`
	PayInvoiceID      *string `gorm:"type:text;index"`

	SubPeriodStart *time.Time `gorm:""`
	SubPeriodEnd   *time.Time `gorm:""`
	PaidAt         *time.Time `gorm:""`
	RefundedAt     *time.Time `gorm:""`
	CanceledAt     *time.Time `gorm:""`
	CancelReason   *string    `gorm:"type:text"`
	FailureReason  *string    `gorm:"type:text"`

	Metadata  datatypes.JSONMap `gorm:""`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }
