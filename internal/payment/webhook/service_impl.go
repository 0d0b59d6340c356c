package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/locker"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/creditledger/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultLockTTL = 30 * time.Second

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     paymentdomain.Repository
	Adapters *adapters.Registry
	Billing  billingdomain.Service
	Locker   *locker.Locker   `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     paymentdomain.Repository
	adapters *adapters.Registry
	billing  billingdomain.Service
	locker   *locker.Locker
	metrics  *metrics.Metrics
	lockTTL  time.Duration
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		adapters: p.Adapters,
		billing:  p.Billing,
		locker:   p.Locker,
		metrics:  p.Metrics,
		lockTTL:  defaultLockTTL,
	}
}

// IngestWebhook verifies, journals and applies one provider event. Events the
// engine does not act on and redeliveries of applied events return nil; any
// other error should make the transport answer non-2xx so the provider retries.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	evt, err := adapter.ConstructEvent(ctx, payload, headers)
	if err != nil {
		return err
	}
	if strings.TrimSpace(evt.ID) == "" {
		return paymentdomain.ErrInvalidEvent
	}
	eventType := string(evt.Type)
	if eventType == "" {
		eventType = evt.RawType
	}

	record, err := s.journal(ctx, provider, evt, eventType, payload)
	if err != nil {
		return err
	}
	if record.ProcessedAt != nil {
		s.metrics.RecordPaymentEvent(ctx, provider, eventType, "duplicate")
		return paymentdomain.ErrEventAlreadyProcessed
	}

	key := "webhook:" + provider + ":" + evt.ID
	token, acquired, err := s.locker.TryLock(ctx, key, s.lockTTL)
	switch {
	case err != nil:
		// The journal and business keys still guard correctness without redis.
		s.log.Warn("webhook lock unavailable", zap.String("event_id", evt.ID), zap.Error(err))
	case !acquired:
		s.metrics.RecordPaymentEvent(ctx, provider, eventType, "in_flight")
		return paymentdomain.ErrEventInFlight
	default:
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.log.Warn("webhook lock release failed", zap.String("event_id", evt.ID), zap.Error(err))
			}
		}()
	}

	outcome := "processed"
	err = s.dispatch(ctx, adapter, evt)
	switch {
	case err == nil:
	case errors.Is(err, billingdomain.ErrAlreadyApplied):
		outcome, err = "duplicate", nil
	case errors.Is(err, paymentdomain.ErrEventIgnored):
		outcome, err = "ignored", nil
	}

	if err != nil {
		if markErr := s.repo.MarkFailed(ctx, s.db, record.ID, err.Error()); markErr != nil {
			s.log.Error("mark webhook failed", zap.String("event_id", evt.ID), zap.Error(markErr))
		}
		s.metrics.RecordPaymentEvent(ctx, provider, eventType, "failed")
		s.log.Error("webhook processing failed",
			zap.String("provider", provider),
			zap.String("event_id", evt.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now()); err != nil {
		return err
	}
	s.metrics.RecordPaymentEvent(ctx, provider, eventType, outcome)
	s.log.Info("webhook processed",
		zap.String("provider", provider),
		zap.String("event_id", evt.ID),
		zap.String("event_type", eventType),
		zap.String("outcome", outcome),
	)
	return nil
}

func (s *Service) journal(ctx context.Context, provider string, evt *paymentdomain.Event, eventType string, payload []byte) (*paymentdomain.EventRecord, error) {
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: evt.ID,
		EventType:       eventType,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if inserted {
		return record, nil
	}

	existing, err := s.repo.FindEvent(ctx, s.db, provider, evt.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}
	return existing, nil
}

func (s *Service) dispatch(ctx context.Context, adapter paymentdomain.Provider, evt *paymentdomain.Event) error {
	switch evt.Type {
	case paymentdomain.EventCheckoutCompleted:
		return s.onCheckoutCompleted(ctx, adapter, evt)
	case paymentdomain.EventCheckoutExpired:
		return s.onCheckoutExpired(ctx, evt)
	case paymentdomain.EventInvoicePaid:
		return s.onInvoicePaid(ctx, evt)
	case paymentdomain.EventInvoicePaymentFailed:
		return s.onInvoicePaymentFailed(ctx, evt)
	case paymentdomain.EventSubscriptionUpdated:
		return s.onSubscriptionUpdated(ctx, evt)
	case paymentdomain.EventSubscriptionDeleted:
		return s.onSubscriptionDeleted(ctx, evt)
	case paymentdomain.EventChargeRefunded:
		return s.onChargeRefunded(ctx, evt)
	}

	s.log.Info("webhook event ignored", zap.String("event_id", evt.ID), zap.String("raw_type", evt.RawType))
	return paymentdomain.ErrEventIgnored
}

func (s *Service) onCheckoutCompleted(ctx context.Context, adapter paymentdomain.Provider, evt *paymentdomain.Event) error {
	c := evt.Checkout
	if c == nil {
		return paymentdomain.ErrInvalidEvent
	}
	switch c.PaymentStatus {
	case "paid", "no_payment_required":
	default:
		// Delayed payment methods complete later through a second event.
		return paymentdomain.ErrEventIgnored
	}

	txn, err := s.billing.ResolveTransaction(ctx, billingdomain.TransactionRef{OrderID: c.OrderID, SessionID: c.SessionID})
	if err != nil {
		return err
	}

	switch txn.Type {
	case transactiondomain.TypeSubscription:
		req := billingdomain.SubscriptionCheckout{
			OrderID:           txn.OrderID,
			SessionID:         c.SessionID,
			PaySubscriptionID: c.SubscriptionID,
			PayCustomerID:     c.CustomerID,
			PayInvoiceID:      c.InvoiceID,
			PayTransactionID:  c.PaymentIntentID,
			PaidAt:            evt.Created,
		}
		if c.SubscriptionID != "" {
			sub, err := adapter.RetrieveSubscription(ctx, c.SubscriptionID)
			if err != nil {
				return fmt.Errorf("retrieve subscription: %w", err)
			}
			if status, ok := subscriptiondomain.ParseStatus(sub.Status); ok {
				req.Status = status
			}
			req.PeriodStart, req.PeriodEnd = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		}
		_, err = s.billing.CompleteSubscriptionCheckout(ctx, req)
		return err
	case transactiondomain.TypeOneTime:
		_, err = s.billing.CompleteOneTimeCheckout(ctx, billingdomain.OneTimeCheckout{
			OrderID:          txn.OrderID,
			SessionID:        c.SessionID,
			PayTransactionID: c.PaymentIntentID,
			PaidAt:           evt.Created,
		})
		return err
	}
	return transactiondomain.ErrInvalidType
}

func (s *Service) onCheckoutExpired(ctx context.Context, evt *paymentdomain.Event) error {
	c := evt.Checkout
	if c == nil {
		return paymentdomain.ErrInvalidEvent
	}
	txn, err := s.billing.ResolveTransaction(ctx, billingdomain.TransactionRef{OrderID: c.OrderID, SessionID: c.SessionID})
	if err != nil {
		return err
	}
	_, err = s.billing.CancelCheckout(ctx, txn.OrderID, "checkout_expired")
	return err
}

func (s *Service) onInvoicePaid(ctx context.Context, evt *paymentdomain.Event) error {
	inv := evt.Invoice
	if inv == nil {
		return paymentdomain.ErrInvalidEvent
	}
	// The first invoice is granted by checkout completion.
	if inv.BillingReason == paymentdomain.BillingReasonSubscriptionCreate || inv.SubscriptionID == "" {
		return paymentdomain.ErrEventIgnored
	}

	_, err := s.billing.RecordSubscriptionRenewalPayment(ctx, billingdomain.RenewalPayment{
		PaySubscriptionID: inv.SubscriptionID,
		PayInvoiceID:      inv.ID,
		PayTransactionID:  inv.PaymentIntentID,
		PriceID:           inv.PriceID,
		BillingReason:     inv.BillingReason,
		Amount:            inv.AmountPaid,
		Currency:          inv.Currency,
		PeriodStart:       inv.PeriodStart,
		PeriodEnd:         inv.PeriodEnd,
		PaidAt:            inv.PaidAt,
	})
	return err
}

func (s *Service) onInvoicePaymentFailed(ctx context.Context, evt *paymentdomain.Event) error {
	inv := evt.Invoice
	if inv == nil {
		return paymentdomain.ErrInvalidEvent
	}

	if inv.BillingReason == paymentdomain.BillingReasonSubscriptionCreate {
		txn, err := s.billing.ResolveTransaction(ctx, billingdomain.TransactionRef{OrderID: inv.OrderID, InvoiceID: inv.ID})
		if err != nil {
			return err
		}
		_, err = s.billing.FailCheckout(ctx, txn.OrderID, inv.FailureMessage)
		return err
	}
	if inv.SubscriptionID == "" {
		return paymentdomain.ErrEventIgnored
	}

	_, err := s.billing.RecordRenewalPaymentFailure(ctx, billingdomain.RenewalFailure{
		PaySubscriptionID: inv.SubscriptionID,
		PayInvoiceID:      inv.ID,
		PayTransactionID:  inv.PaymentIntentID,
		BillingReason:     inv.BillingReason,
		AttemptCount:      inv.AttemptCount,
		FailureMessage:    inv.FailureMessage,
		Amount:            inv.AmountDue,
		Currency:          inv.Currency,
		PeriodStart:       inv.PeriodStart,
		PeriodEnd:         inv.PeriodEnd,
	})
	return err
}

func (s *Service) onSubscriptionUpdated(ctx context.Context, evt *paymentdomain.Event) error {
	sub := evt.Subscription
	if sub == nil {
		return paymentdomain.ErrInvalidEvent
	}
	_, err := s.billing.SyncSubscription(ctx, billingdomain.SubscriptionSync{
		PaySubscriptionID: sub.ID,
		Status:            sub.Status,
		PriceID:           sub.PriceID,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodStart:       sub.CurrentPeriodStart,
		PeriodEnd:         sub.CurrentPeriodEnd,
		CanceledAt:        sub.CanceledAt,
		Reason:            sub.CancellationReason,
	})
	if errors.Is(err, subscriptiondomain.ErrInvalidStatus) {
		s.log.Warn("unknown subscription status", zap.String("event_id", evt.ID), zap.String("status", sub.Status))
		return paymentdomain.ErrEventIgnored
	}
	return err
}

func (s *Service) onSubscriptionDeleted(ctx context.Context, evt *paymentdomain.Event) error {
	sub := evt.Subscription
	if sub == nil {
		return paymentdomain.ErrInvalidEvent
	}
	req := billingdomain.SubscriptionCancel{
		PaySubscriptionID: sub.ID,
		Reason:            sub.CancellationReason,
	}
	if sub.CanceledAt != nil {
		req.CanceledAt = *sub.CanceledAt
	}
	_, err := s.billing.ProcessSubscriptionCancel(ctx, req)
	return err
}

// onChargeRefunded acts on full refunds only; the clawback does not depend on
// the refunded amount.
func (s *Service) onChargeRefunded(ctx context.Context, evt *paymentdomain.Event) error {
	ch := evt.Charge
	if ch == nil {
		return paymentdomain.ErrInvalidEvent
	}
	if !ch.Refunded {
		s.log.Info("partial refund ignored", zap.String("event_id", evt.ID), zap.String("charge_id", ch.ID))
		return paymentdomain.ErrEventIgnored
	}

	txn, err := s.billing.ResolveTransaction(ctx, billingdomain.TransactionRef{
		OrderID:         ch.OrderID,
		PaymentIntentID: ch.PaymentIntentID,
		InvoiceID:       ch.InvoiceID,
	})
	if err != nil {
		return err
	}

	req := billingdomain.Refund{OrderID: txn.OrderID, RefundedAt: evt.Created, Reason: "charge_refunded"}
	switch txn.Type {
	case transactiondomain.TypeSubscription:
		_, err = s.billing.ProcessSubscriptionRefund(ctx, req)
	case transactiondomain.TypeOneTime:
		_, err = s.billing.ProcessOneTimeRefund(ctx, req)
	default:
		err = transactiondomain.ErrInvalidType
	}
	return err
}
