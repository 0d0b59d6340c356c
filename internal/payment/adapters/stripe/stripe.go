package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	SecretKey                string
	WebhookSecret            string
	IgnoreAPIVersionMismatch bool
	SuccessURL               string
	CancelURL                string
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		SecretKey:                cfg.Stripe.SecretKey,
		WebhookSecret:            cfg.Stripe.WebhookSecret,
		IgnoreAPIVersionMismatch: cfg.Stripe.IgnoreAPIVersionMismatch,
		SuccessURL:               cfg.Stripe.SuccessURL,
		CancelURL:                cfg.Stripe.CancelURL,
	}
}

type Adapter struct {
	api *client.API
	cfg Config
	now func() time.Time
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{
		api: client.New(strings.TrimSpace(cfg.SecretKey), nil),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (a *Adapter) Name() string {
	return paymentdomain.ProviderStripe
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutSessionRequest) (*paymentdomain.CheckoutSession, error) {
	metadata := map[string]string{
		"order_id": req.OrderID,
		"user_id":  req.UserID,
	}

	params := &stripego.CheckoutSessionParams{
		Customer:          stripego.String(req.CustomerID),
		ClientReferenceID: stripego.String(req.OrderID),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{Price: stripego.String(req.PriceID), Quantity: stripego.Int64(1)},
		},
		SuccessURL: stripego.String(a.cfg.SuccessURL),
		CancelURL:  stripego.String(a.cfg.CancelURL),
		Metadata:   metadata,
	}
	switch req.Mode {
	case paymentdomain.CheckoutModeSubscription:
		params.Mode = stripego.String(string(stripego.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripego.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	default:
		params.Mode = stripego.String(string(stripego.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripego.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}
	}
	params.Context = ctx

	sess, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &paymentdomain.CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		ExpiresAt: unix(sess.ExpiresAt),
	}, nil
}

func (a *Adapter) RetrieveSubscription(ctx context.Context, id string) (*paymentdomain.SubscriptionData, error) {
	params := &stripego.SubscriptionParams{}
	params.Context = ctx

	sub, err := a.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription: %w", err)
	}

	out := &paymentdomain.SubscriptionData{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		at := unix(sub.CanceledAt)
		out.CanceledAt = &at
	}
	if sub.CancellationDetails != nil {
		out.CancellationReason = string(sub.CancellationDetails.Reason)
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = unix(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unix(item.CurrentPeriodEnd)
	}
	return out, nil
}

func (a *Adapter) ListCustomers(ctx context.Context, query paymentdomain.CustomerQuery) ([]paymentdomain.Customer, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}
	params := &stripego.CustomerListParams{}
	if email := strings.TrimSpace(query.Email); email != "" {
		params.Email = stripego.String(email)
	}
	params.Limit = stripego.Int64(limit)
	params.Context = ctx

	var out []paymentdomain.Customer
	iter := a.api.Customers.List(params)
	for iter.Next() && int64(len(out)) < limit {
		c := iter.Customer()
		out = append(out, paymentdomain.Customer{
			ID:       c.ID,
			Email:    c.Email,
			Name:     c.Name,
			Metadata: c.Metadata,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return out, nil
}

func (a *Adapter) CreateCustomer(ctx context.Context, req paymentdomain.CustomerRequest) (*paymentdomain.Customer, error) {
	params := &stripego.CustomerParams{
		Metadata: map[string]string{"user_id": req.UserID},
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		params.Email = stripego.String(email)
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		params.Name = stripego.String(name)
	}
	params.Context = ctx

	c, err := a.api.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return &paymentdomain.Customer{ID: c.ID, Email: c.Email, Name: c.Name, Metadata: c.Metadata}, nil
}

func (a *Adapter) ConstructEvent(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.Event, error) {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	evt, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: a.cfg.IgnoreAPIVersionMismatch,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrInvalidSignature, err)
	}
	if strings.TrimSpace(evt.ID) == "" || evt.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return a.parse(evt.ID, string(evt.Type), evt.Created, evt.Data.Raw)
}

func (a *Adapter) parse(id, rawType string, created int64, object json.RawMessage) (*paymentdomain.Event, error) {
	event := &paymentdomain.Event{
		ID:       id,
		Provider: paymentdomain.ProviderStripe,
		RawType:  rawType,
		Created:  timestamp(created, 0, a.now),
		Data:     object,
	}

	var err error
	switch rawType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		event.Type = paymentdomain.EventCheckoutCompleted
		event.Checkout, event.Metadata, err = parseCheckoutSession(object)
	case "checkout.session.expired":
		event.Type = paymentdomain.EventCheckoutExpired
		event.Checkout, event.Metadata, err = parseCheckoutSession(object)
	case "invoice.paid":
		event.Type = paymentdomain.EventInvoicePaid
		event.Invoice, event.Metadata, err = parseInvoice(object, created, a.now)
	case "invoice.payment_failed":
		event.Type = paymentdomain.EventInvoicePaymentFailed
		event.Invoice, event.Metadata, err = parseInvoice(object, created, a.now)
	case "customer.subscription.updated":
		event.Type = paymentdomain.EventSubscriptionUpdated
		event.Subscription, event.Metadata, err = parseSubscription(object)
	case "customer.subscription.deleted":
		event.Type = paymentdomain.EventSubscriptionDeleted
		event.Subscription, event.Metadata, err = parseSubscription(object)
	case "charge.refunded":
		event.Type = paymentdomain.EventChargeRefunded
		event.Charge, event.Metadata, err = parseCharge(object, created, a.now)
	default:
		// Unknown types are journaled and acknowledged by the caller.
		return event, nil
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// expandable accepts either an object id or an expanded object carrying one.
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

func (e expandable) String() string { return strings.TrimSpace(string(e)) }

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          expandable        `json:"customer"`
	Subscription      expandable        `json:"subscription"`
	PaymentIntent     expandable        `json:"payment_intent"`
	Invoice           expandable        `json:"invoice"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID            string     `json:"id"`
	Customer      expandable `json:"customer"`
	BillingReason string     `json:"billing_reason"`
	AmountPaid    int64      `json:"amount_paid"`
	AmountDue     int64      `json:"amount_due"`
	Currency      string     `json:"currency"`
	AttemptCount  int64      `json:"attempt_count"`
	PeriodStart   int64      `json:"period_start"`
	PeriodEnd     int64      `json:"period_end"`
	Created       int64      `json:"created"`
	// Pre-2025 API versions carry these at the top level.
	Subscription        expandable `json:"subscription"`
	PaymentIntent       expandable `json:"payment_intent"`
	Charge              expandable `json:"charge"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription expandable        `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
	Lines struct {
		Data []stripeInvoiceLine `json:"data"`
	} `json:"lines"`
	Metadata map[string]string `json:"metadata"`
}

type stripeInvoiceLine struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price expandable `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandable        `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	CancellationDetails *struct {
		Reason string `json:"reason"`
	} `json:"cancellation_details"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  expandable        `json:"payment_intent"`
	Invoice        expandable        `json:"invoice"`
	Customer       expandable        `json:"customer"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Refunded       bool              `json:"refunded"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

func parseCheckoutSession(object json.RawMessage) (*paymentdomain.CheckoutData, map[string]string, error) {
	var sess stripeCheckoutSession
	if err := json.Unmarshal(object, &sess); err != nil {
		return nil, nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sess.ID) == "" {
		return nil, nil, paymentdomain.ErrInvalidEvent
	}

	orderID := readMetadataValue(sess.Metadata, "order_id")
	if orderID == "" {
		orderID = strings.TrimSpace(sess.ClientReferenceID)
	}
	return &paymentdomain.CheckoutData{
		SessionID:       sess.ID,
		Mode:            sess.Mode,
		PaymentStatus:   sess.PaymentStatus,
		CustomerID:      sess.Customer.String(),
		SubscriptionID:  sess.Subscription.String(),
		PaymentIntentID: sess.PaymentIntent.String(),
		InvoiceID:       sess.Invoice.String(),
		OrderID:         orderID,
		UserID:          readMetadataValue(sess.Metadata, "user_id"),
		AmountTotal:     sess.AmountTotal,
		Currency:        strings.ToLower(strings.TrimSpace(sess.Currency)),
	}, sess.Metadata, nil
}

func parseInvoice(object json.RawMessage, created int64, now func() time.Time) (*paymentdomain.InvoiceData, map[string]string, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(object, &inv); err != nil {
		return nil, nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(inv.ID) == "" {
		return nil, nil, paymentdomain.ErrInvalidEvent
	}

	subscriptionID := inv.Subscription.String()
	subMetadata := map[string]string{}
	if inv.SubscriptionDetails != nil {
		subMetadata = inv.SubscriptionDetails.Metadata
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if id := inv.Parent.SubscriptionDetails.Subscription.String(); id != "" {
			subscriptionID = id
		}
		if len(inv.Parent.SubscriptionDetails.Metadata) > 0 {
			subMetadata = inv.Parent.SubscriptionDetails.Metadata
		}
	}

	out := &paymentdomain.InvoiceData{
		ID:              inv.ID,
		SubscriptionID:  subscriptionID,
		CustomerID:      inv.Customer.String(),
		PaymentIntentID: inv.PaymentIntent.String(),
		ChargeID:        inv.Charge.String(),
		BillingReason:   strings.TrimSpace(inv.BillingReason),
		OrderID:         readMetadataValue(subMetadata, "order_id"),
		AmountPaid:      inv.AmountPaid,
		AmountDue:       inv.AmountDue,
		Currency:        strings.ToLower(strings.TrimSpace(inv.Currency)),
		AttemptCount:    inv.AttemptCount,
		PeriodStart:     unix(inv.PeriodStart),
		PeriodEnd:       unix(inv.PeriodEnd),
		PaidAt:          timestamp(inv.StatusTransitions.PaidAt, created, now),
	}
	if inv.LastFinalizationError != nil {
		out.FailureMessage = inv.LastFinalizationError.Message
	}

	// The invoice period of a subscription invoice trails the service period;
	// the line item carries the period being paid for.
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if line.Period.Start > 0 && line.Period.End > 0 {
			out.PeriodStart = unix(line.Period.Start)
			out.PeriodEnd = unix(line.Period.End)
		}
		switch {
		case line.Pricing != nil && line.Pricing.PriceDetails != nil:
			out.PriceID = line.Pricing.PriceDetails.Price.String()
		case line.Price != nil:
			out.PriceID = strings.TrimSpace(line.Price.ID)
		}
	}
	return out, inv.Metadata, nil
}

func parseSubscription(object json.RawMessage) (*paymentdomain.SubscriptionData, map[string]string, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return nil, nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.SubscriptionData{
		ID:                 sub.ID,
		CustomerID:         sub.Customer.String(),
		Status:             strings.TrimSpace(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: unix(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unix(sub.CurrentPeriodEnd),
	}
	if sub.CanceledAt > 0 {
		at := unix(sub.CanceledAt)
		out.CanceledAt = &at
	}
	if sub.CancellationDetails != nil {
		out.CancellationReason = sub.CancellationDetails.Reason
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodStart > 0 {
			out.CurrentPeriodStart = unix(item.CurrentPeriodStart)
			out.CurrentPeriodEnd = unix(item.CurrentPeriodEnd)
		}
	}
	return out, sub.Metadata, nil
}

func parseCharge(object json.RawMessage, created int64, now func() time.Time) (*paymentdomain.ChargeData, map[string]string, error) {
	var charge stripeCharge
	if err := json.Unmarshal(object, &charge); err != nil {
		return nil, nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.ChargeData{
		ID:              charge.ID,
		PaymentIntentID: charge.PaymentIntent.String(),
		InvoiceID:       charge.Invoice.String(),
		CustomerID:      charge.Customer.String(),
		OrderID:         readMetadataValue(charge.Metadata, "order_id"),
		Amount:          charge.Amount,
		AmountRefunded:  charge.AmountRefunded,
		Currency:        strings.ToLower(strings.TrimSpace(charge.Currency)),
		Refunded:        charge.Refunded,
		Created:         timestamp(charge.Created, created, now),
	}, charge.Metadata, nil
}

func unix(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func timestamp(primary int64, fallback int64, now func() time.Time) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return now()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]string, key string) string {
	if metadata == nil {
		return ""
	}
	return strings.TrimSpace(metadata[key])
}
