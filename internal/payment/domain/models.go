// Package domain contains the provider-neutral payment model used by webhook
// reconciliation and checkout creation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord journals every provider event once, keyed by (provider, provider_event_id).
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"not null"`
	Attempts        int            `json:"attempts" gorm:"not null;default:0"`
	LastError       *string        `json:"last_error" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const ProviderStripe = "stripe"

// EventType is the normalized event kind the reconciliation dispatches on.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.completed"
	EventCheckoutExpired      EventType = "checkout.expired"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionDeleted  EventType = "subscription.deleted"
	EventChargeRefunded       EventType = "charge.refunded"
)

const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"

	BillingReasonSubscriptionCreate = "subscription_create"
)

// Event is a verified provider event. Exactly one of the typed payloads is set
// for known types; RawType keeps the provider's own name for logging.
type Event struct {
	ID       string
	Provider string
	Type     EventType
	RawType  string
	Created  time.Time
	Data     []byte
	Metadata map[string]string

	Checkout     *CheckoutData
	Invoice      *InvoiceData
	Subscription *SubscriptionData
	Charge       *ChargeData
}

type CheckoutData struct {
	SessionID       string
	Mode            string
	PaymentStatus   string
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	InvoiceID       string
	OrderID         string
	UserID          string
	AmountTotal     int64
	Currency        string
}

type InvoiceData struct {
	ID              string
	SubscriptionID  string
	CustomerID      string
	PaymentIntentID string
	ChargeID        string
	BillingReason   string
	PriceID         string
	OrderID         string
	AmountPaid      int64
	AmountDue       int64
	Currency        string
	AttemptCount    int64
	PeriodStart     time.Time
	PeriodEnd       time.Time
	PaidAt          time.Time
	FailureMessage  string
}

type SubscriptionData struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CanceledAt         *time.Time
	CancellationReason string
}

type ChargeData struct {
	ID              string
	PaymentIntentID string
	InvoiceID       string
	CustomerID      string
	OrderID         string
	Amount          int64
	AmountRefunded  int64
	Currency        string
	Refunded        bool
	Created         time.Time
}

type Customer struct {
	ID       string
	Email    string
	Name     string
	Metadata map[string]string
}

type CustomerQuery struct {
	Email string
	Limit int64
}

type CustomerRequest struct {
	Email  string
	Name   string
	UserID string
}

type CheckoutSessionRequest struct {
	OrderID    string
	UserID     string
	CustomerID string
	PriceID    string
	Mode       string
}

type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}
