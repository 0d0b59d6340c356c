// Package domain contains the credit balance model and its audit trail.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditType names a balance bucket.
type CreditType string

const (
	CreditTypeFree        CreditType = "free"
	CreditTypePaid        CreditType = "paid"
	CreditTypeOneTimePaid CreditType = "onetime_paid"
)

// CreditTypes lists the buckets in spend priority order.
var CreditTypes = []CreditType{CreditTypeFree, CreditTypePaid, CreditTypeOneTimePaid}

// OperationType classifies a credit usage row.
type OperationType string

const (
	OperationRecharge       OperationType = "recharge"
	OperationConsume        OperationType = "consume"
	OperationFreeze         OperationType = "freeze"
	OperationUnfreeze       OperationType = "unfreeze"
	OperationRefund         OperationType = "refund"
	OperationAdjustIncrease OperationType = "adjust_increase"
	OperationAdjustDecrease OperationType = "adjust_decrease"
	OperationPurge          OperationType = "purge"
	OperationWatcher        OperationType = "watcher"
)

// Sign reports how an operation moves the stored balance: +1, -1 or 0.
func (o OperationType) Sign() int64 {
	switch o {
	case OperationRecharge, OperationUnfreeze, OperationAdjustIncrease:
		return 1
	case OperationConsume, OperationFreeze, OperationRefund, OperationAdjustDecrease, OperationPurge:
		return -1
	default:
		return 0
	}
}

// Credit holds the per-user balances. One row per user.
type Credit struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"not null;uniqueIndex"`

	BalanceFree    int64      `gorm:"not null;default:0"`
	TotalFreeLimit int64      `gorm:"not null;default:0"`
	FreeStart      *time.Time `gorm:""`
	FreeEnd        *time.Time `gorm:""`

	BalancePaid    int64      `gorm:"not null;default:0"`
	TotalPaidLimit int64      `gorm:"not null;default:0"`
	PaidStart      *time.Time `gorm:""`
	PaidEnd        *time.Time `gorm:""`

	BalanceOneTimePaid    int64      `gorm:"column:balance_onetime_paid;not null;default:0"`
	TotalOneTimePaidLimit int64      `gorm:"column:total_onetime_paid_limit;not null;default:0"`
	OneTimePaidStart      *time.Time `gorm:"column:onetime_paid_start"`
	OneTimePaidEnd        *time.Time `gorm:"column:onetime_paid_end"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credit) TableName() string { return "credits" }

// Window is a half-open validity interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Bucket is a view over one credit type's columns.
type Bucket struct {
	Balance int64
	Limit   int64
	Start   *time.Time
	End     *time.Time
}

// Active reports whether now falls inside the bucket window. A missing bound is open.
func (b Bucket) Active(now time.Time) bool {
	if b.Start != nil && now.Before(*b.Start) {
		return false
	}
	if b.End != nil && !now.Before(*b.End) {
		return false
	}
	return true
}

// Effective is the spendable balance at now; outside the window it is zero.
func (b Bucket) Effective(now time.Time) int64 {
	if !b.Active(now) {
		return 0
	}
	return b.Balance
}

func (c *Credit) Bucket(t CreditType) Bucket {
	switch t {
	case CreditTypeFree:
		return Bucket{Balance: c.BalanceFree, Limit: c.TotalFreeLimit, Start: c.FreeStart, End: c.FreeEnd}
	case CreditTypePaid:
		return Bucket{Balance: c.BalancePaid, Limit: c.TotalPaidLimit, Start: c.PaidStart, End: c.PaidEnd}
	case CreditTypeOneTimePaid:
		return Bucket{Balance: c.BalanceOneTimePaid, Limit: c.TotalOneTimePaidLimit, Start: c.OneTimePaidStart, End: c.OneTimePaidEnd}
	}
	return Bucket{}
}

func (c *Credit) SetBucket(t CreditType, b Bucket) {
	switch t {
	case CreditTypeFree:
		c.BalanceFree, c.TotalFreeLimit, c.FreeStart, c.FreeEnd = b.Balance, b.Limit, b.Start, b.End
	case CreditTypePaid:
		c.BalancePaid, c.TotalPaidLimit, c.PaidStart, c.PaidEnd = b.Balance, b.Limit, b.Start, b.End
	case CreditTypeOneTimePaid:
		c.BalanceOneTimePaid, c.TotalOneTimePaidLimit, c.OneTimePaidStart, c.OneTimePaidEnd = b.Balance, b.Limit, b.Start, b.End
	}
}

// CreditUsage is an append-only audit row. CreditsUsed is always a magnitude;
// the direction comes from OperationType.
type CreditUsage struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	UserID        snowflake.ID  `gorm:"not null;index"`
	CreditType    CreditType    `gorm:"type:text;not null"`
	OperationType OperationType `gorm:"type:text;not null"`
	CreditsUsed   int64         `gorm:"not null"`
	Feature       string        `gorm:"type:text"`
	OrderID       *string       `gorm:"type:text;index"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditUsage) TableName() string { return "credit_usages" }

// BucketBalance is the read model of one bucket.
type BucketBalance struct {
	Balance int64      `json:"balance"`
	Stored  int64      `json:"stored"`
	Limit   int64      `json:"total_limit"`
	Start   *time.Time `json:"start,omitempty"`
	End     *time.Time `json:"end,omitempty"`
	Expired bool       `json:"expired"`
}

// Balance is the lazily expired view of a credit row.
type Balance struct {
	UserID      string        `json:"user_id"`
	Free        BucketBalance `json:"free"`
	Paid        BucketBalance `json:"paid"`
	OneTimePaid BucketBalance `json:"onetime_paid"`
	Total       int64         `json:"total"`
	AsOf        time.Time     `json:"as_of"`
}

// BalanceOf builds the read model of c at now without touching stored values.
func BalanceOf(c *Credit, now time.Time) Balance {
	view := func(t CreditType) BucketBalance {
		b := c.Bucket(t)
		return BucketBalance{
			Balance: b.Effective(now),
			Stored:  b.Balance,
			Limit:   b.Limit,
			Start:   b.Start,
			End:     b.End,
			Expired: !b.Active(now),
		}
	}

	out := Balance{
		UserID:      c.UserID.String(),
		Free:        view(CreditTypeFree),
		Paid:        view(CreditTypePaid),
		OneTimePaid: view(CreditTypeOneTimePaid),
		AsOf:        now,
	}
	out.Total = out.Free.Balance + out.Paid.Balance + out.OneTimePaid.Balance
	return out
}

// Bucket returns the view of one credit type.
func (b Balance) Bucket(t CreditType) BucketBalance {
	switch t {
	case CreditTypeFree:
		return b.Free
	case CreditTypePaid:
		return b.Paid
	case CreditTypeOneTimePaid:
		return b.OneTimePaid
	}
	return BucketBalance{}
}
