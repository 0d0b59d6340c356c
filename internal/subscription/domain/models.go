// Package domain contains the per-user subscription state.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
)

var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusIncomplete: {SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusCanceled},
	SubscriptionStatusTrialing:   {SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled},
	SubscriptionStatusActive:     {SubscriptionStatusPastDue, SubscriptionStatusCanceled},
	SubscriptionStatusPastDue:    {SubscriptionStatusActive, SubscriptionStatusCanceled},
}

// CanTransition reports whether from may move to to. Canceled is terminal.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsLive reports whether the subscription still entitles the user to paid credits.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// ParseStatus maps a provider status string onto a known state.
func ParseStatus(v string) (SubscriptionStatus, bool) {
	switch SubscriptionStatus(v) {
	case SubscriptionStatusIncomplete, SubscriptionStatusTrialing, SubscriptionStatusActive,
		SubscriptionStatusPastDue, SubscriptionStatusCanceled:
		return SubscriptionStatus(v), true
	case "incomplete_expired":
		return SubscriptionStatusCanceled, true
	case "unpaid":
		return SubscriptionStatusPastDue, true
	}
	return "", false
}

// Subscription is the current subscription of a user. A placeholder is an
// incomplete row with no provider subscription bound yet.
type Subscription struct {
	ID                snowflake.ID       `gorm:"primaryKey"`
	UserID            snowflake.ID       `gorm:"not null;uniqueIndex"`
	Status            SubscriptionStatus `gorm:"type:text;not null"`
	PaySubscriptionID *string            `gorm:"type:text;index"`
	PayCustomerID     *string            `gorm:"type:text"`
	PriceID           string             `gorm:"type:text"`
	PriceName         string             `gorm:"type:text"`
	CreditsAllocated  int64              `gorm:"not null;default:0"`
	SubPeriodStart    *time.Time         `gorm:""`
	SubPeriodEnd      *time.Time         `gorm:""`
	CancelAtPeriodEnd bool               `gorm:"not null;default:false"`
	CanceledAt        *time.Time         `gorm:""`
	OrderID           *string            `gorm:"type:text"`
	CreatedAt         time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s *Subscription) IsPlaceholder() bool {
	return s.Status == SubscriptionStatusIncomplete && (s.PaySubscriptionID == nil || *s.PaySubscriptionID == "")
}
