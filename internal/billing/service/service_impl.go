package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/creditledger/internal/transaction/domain"
	userdomain "github.com/smallbiznis/creditledger/internal/user/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	featureSubscriptionCheckout = "subscription_checkout"
	featureSubscriptionRenewal  = "subscription_renewal"
	featureOneTimeCheckout      = "one_time_checkout"
	featureRenewalFailed        = "renewal_payment_failed"
	featureRefund               = "refund"

	reasonSubscriptionCanceled = "subscription_canceled"
	reasonUserDeleted          = "user_deleted"
	reasonCheckoutExpired      = "checkout_expired"
	reasonSessionFailed        = "checkout_session_failed"

	metadataAttemptCount = "attempt_count"
)

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	tracer trace.Tracer

	clock    clock.Clock
	catalog  pricing.Catalog
	provider paymentdomain.Provider
	metrics  *metrics.Metrics

	users         userdomain.Service
	credits       creditdomain.Service
	transactions  transactiondomain.Service
	subscriptions subscriptiondomain.Service
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Catalog pricing.Catalog

	Users         userdomain.Service
	Credits       creditdomain.Service
	Transactions  transactiondomain.Service
	Subscriptions subscriptiondomain.Service

	Provider paymentdomain.Provider `optional:"true"`
	Metrics  *metrics.Metrics       `optional:"true"`
}

func NewService(p ServiceParam) billingdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("billing.service"),
		tracer: otel.Tracer("creditledger/billing"),

		clock:    p.Clock,
		catalog:  p.Catalog,
		provider: p.Provider,
		metrics:  p.Metrics,

		users:         p.Users,
		credits:       p.Credits,
		transactions:  p.Transactions,
		subscriptions: p.Subscriptions,
	}
}

// unit is the set of component services bound to one database transaction.
type unit struct {
	users         userdomain.Service
	credits       creditdomain.Service
	transactions  transactiondomain.Service
	subscriptions subscriptiondomain.Service
}

func (s *Service) bind(tx *gorm.DB) unit {
	return unit{
		users:         s.users.WithTx(tx),
		credits:       s.credits.WithTx(tx),
		transactions:  s.transactions.WithTx(tx),
		subscriptions: s.subscriptions.WithTx(tx),
	}
}

// run executes fn inside one database transaction. Any error rolls back every
// write fn made through u.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context, u unit) error) error {
	ctx, span := s.tracer.Start(ctx, "billing."+op)
	defer span.End()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, s.bind(tx))
	})
	s.finish(ctx, span, op, err)
	return err
}

func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, billingdomain.ErrAlreadyApplied):
		outcome = "duplicate"
	default:
		outcome = "error"
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, op+" failed")
	}
	span.SetAttributes(attribute.String("billing.outcome", outcome))
	s.metrics.RecordBillingOperation(ctx, op, outcome)
}

func (s *Service) InitAnonymousUser(ctx context.Context, fingerprint string) (*billingdomain.Account, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, userdomain.ErrInvalidFingerprint
	}

	existing, err := s.users.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.GetAccount(ctx, existing.ID)
	}

	var account *billingdomain.Account
	err = s.run(ctx, "init_anonymous_user", func(ctx context.Context, u unit) error {
		user, err := u.users.CreateAnonymous(ctx, fingerprint)
		if err != nil {
			return err
		}
		credit, err := u.credits.InitAnonymousFree(ctx, user.ID, s.freeGrant(s.catalog.FreeGrant().AnonymousCredits))
		if err != nil {
			return err
		}
		sub, err := u.subscriptions.InitializePlaceholder(ctx, user.ID)
		if err != nil {
			return err
		}
		account = &billingdomain.Account{
			User:         user,
			Balance:      creditdomain.BalanceOf(credit, s.clock.Now()),
			Subscription: sub,
		}
		return nil
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// A concurrent first touch with the same fingerprint won the insert.
			if winner, findErr := s.users.FindByFingerprint(ctx, fingerprint); findErr == nil && winner != nil {
				return s.GetAccount(ctx, winner.ID)
			}
		}
		return nil, err
	}

	s.log.Info("anonymous user initialized", zap.String("user_id", account.User.ID.String()))
	return account, nil
}

func (s *Service) UpgradeAnonymousUser(ctx context.Context, userID snowflake.ID, req userdomain.RegisterRequest) (*billingdomain.Account, error) {
	var account *billingdomain.Account
	err := s.run(ctx, "upgrade_anonymous_user", func(ctx context.Context, u unit) error {
		user, err := u.users.Register(ctx, userID, req)
		if err != nil {
			return err
		}
		credit, err := u.credits.ReissueFreeOnUpgrade(ctx, user.ID, s.freeGrant(s.catalog.FreeGrant().RegisteredCredits))
		if err != nil {
			return err
		}
		sub, err := optionalSubscription(u.subscriptions.GetByUserID(ctx, user.ID))
		if err != nil {
			return err
		}
		account = &billingdomain.Account{
			User:         user,
			Balance:      creditdomain.BalanceOf(credit, s.clock.Now()),
			Subscription: sub,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// SoftDeleteUser clears personal data and purges every bucket. Users with a
// live subscription must cancel it first.
func (s *Service) SoftDeleteUser(ctx context.Context, userID snowflake.ID) (*userdomain.User, error) {
	var deleted *userdomain.User
	err := s.run(ctx, "soft_delete_user", func(ctx context.Context, u unit) error {
		user, err := u.users.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if user.IsDeleted() {
			deleted = user
			return nil
		}

		sub, err := optionalSubscription(u.subscriptions.GetByUserID(ctx, userID))
		if err != nil {
			return err
		}
		if sub != nil && sub.Status.IsLive() {
			return subscriptiondomain.ErrSubscriptionActive
		}

		if _, err := u.credits.PurgeAll(ctx, userID, reasonUserDeleted); err != nil && !errors.Is(err, creditdomain.ErrCreditNotFound) {
			return err
		}
		deleted, err = u.users.SoftDelete(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *Service) GetAccount(ctx context.Context, userID snowflake.ID) (*billingdomain.Account, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	balance, err := s.credits.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := optionalSubscription(s.subscriptions.GetByUserID(ctx, userID))
	if err != nil {
		return nil, err
	}
	return &billingdomain.Account{User: user, Balance: balance, Subscription: sub}, nil
}

func (s *Service) CreateCheckout(ctx context.Context, req billingdomain.CheckoutRequest) (*billingdomain.CheckoutResult, error) {
	const op = "create_checkout"
	ctx, span := s.tracer.Start(ctx, "billing."+op)
	defer span.End()

	result, err := s.createCheckout(ctx, req)
	s.finish(ctx, span, op, err)
	return result, err
}

// createCheckout records the order before calling the provider and binds the
// session afterwards, so no network call runs inside a database transaction.
func (s *Service) createCheckout(ctx context.Context, req billingdomain.CheckoutRequest) (*billingdomain.CheckoutResult, error) {
	if s.provider == nil {
		return nil, billingdomain.ErrProviderUnavailable
	}
	if req.UserID == 0 {
		return nil, userdomain.ErrInvalidUser
	}
	price, err := s.resolvePrice(req)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.IsDeleted() {
		return nil, userdomain.ErrUserDeleted
	}
	if price.IsSubscription() {
		if err := rejectLiveSubscription(ctx, s.subscriptions, user.ID); err != nil {
			return nil, err
		}
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	txnType, mode := transactiondomain.TypeOneTime, paymentdomain.CheckoutModePayment
	if price.IsSubscription() {
		txnType, mode = transactiondomain.TypeSubscription, paymentdomain.CheckoutModeSubscription
	}

	var txn *transactiondomain.Transaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u := s.bind(tx)

		var sub *subscriptiondomain.Subscription
		if price.IsSubscription() {
			if err := rejectLiveSubscription(ctx, u.subscriptions, user.ID); err != nil {
				return err
			}
			sub, err = u.subscriptions.InitializePlaceholder(ctx, user.ID)
			if err != nil {
				return err
			}
		}

		txn, err = u.transactions.Create(ctx, transactiondomain.CreateRequest{
			UserID:         user.ID,
			Type:           txnType,
			PriceID:        price.ID,
			PriceName:      price.Name,
			Amount:         price.Amount,
			Currency:       price.Currency,
			CreditsGranted: price.Credits,
			BillingReason:  "checkout",
		})
		if err != nil {
			return err
		}

		if sub != nil {
			_, err = u.subscriptions.Update(ctx, sub.ID, subscriptiondomain.Patch{
				PayCustomerID: &customerID,
				OrderID:       &txn.OrderID,
			})
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, paymentdomain.CheckoutSessionRequest{
		OrderID:    txn.OrderID,
		UserID:     user.ID.String(),
		CustomerID: customerID,
		PriceID:    price.ID,
		Mode:       mode,
	})
	if err != nil {
		failed, reason := transactiondomain.PaymentStatusFailed, reasonSessionFailed
		if _, markErr := s.transactions.UpdateStatus(ctx, txn.OrderID, transactiondomain.OrderStatusFailed, &transactiondomain.Patch{
			PaymentStatus: &failed,
			FailureReason: &reason,
		}); markErr != nil {
			s.log.Error("failed to mark order failed", zap.String("order_id", txn.OrderID), zap.Error(markErr))
		}
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	if _, err := s.transactions.UpdateStatus(ctx, txn.OrderID, transactiondomain.OrderStatusPending, &transactiondomain.Patch{
		PaySessionID: &session.ID,
	}); err != nil {
		return nil, err
	}

	s.log.Info("checkout created",
		zap.String("order_id", txn.OrderID),
		zap.String("user_id", user.ID.String()),
		zap.String("price_id", price.ID),
	)
	return &billingdomain.CheckoutResult{
		OrderID:   txn.OrderID,
		SessionID: session.ID,
		URL:       session.URL,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

func (s *Service) resolvePrice(req billingdomain.CheckoutRequest) (pricing.Price, error) {
	if id := strings.TrimSpace(req.PriceID); id != "" {
		price, ok := s.catalog.Resolve(id)
		if !ok {
			return pricing.Price{}, billingdomain.ErrPriceNotFound
		}
		return price, nil
	}
	if strings.TrimSpace(req.Plan) == "" || strings.TrimSpace(req.BillingCycle) == "" {
		return pricing.Price{}, billingdomain.ErrInvalidCheckout
	}
	price, ok := s.catalog.Lookup(req.Plan, req.BillingCycle)
	if !ok {
		return pricing.Price{}, billingdomain.ErrPriceNotFound
	}
	return price, nil
}

// ensureCustomer returns the provider customer of user, reusing one found by
// email before creating a new one.
func (s *Service) ensureCustomer(ctx context.Context, user *userdomain.User) (string, error) {
	if id := deref(user.PayCustomerID); id != "" {
		return id, nil
	}

	var customer *paymentdomain.Customer
	if email := deref(user.Email); email != "" {
		found, err := s.provider.ListCustomers(ctx, paymentdomain.CustomerQuery{Email: email, Limit: 1})
		if err != nil {
			return "", fmt.Errorf("list customers: %w", err)
		}
		if len(found) > 0 {
			customer = &found[0]
		}
	}
	if customer == nil {
		created, err := s.provider.CreateCustomer(ctx, paymentdomain.CustomerRequest{
			Email:  deref(user.Email),
			Name:   deref(user.Name),
			UserID: user.ID.String(),
		})
		if err != nil {
			return "", fmt.Errorf("create customer: %w", err)
		}
		customer = created
	}

	if err := s.users.SetPayCustomerID(ctx, user.ID, customer.ID); err != nil {
		return "", err
	}
	return customer.ID, nil
}

func (s *Service) CompleteSubscriptionCheckout(ctx context.Context, req billingdomain.SubscriptionCheckout) (*transactiondomain.Transaction, error) {
	if strings.TrimSpace(req.PaySubscriptionID) == "" {
		return nil, billingdomain.ErrInvalidCheckout
	}

	var out *transactiondomain.Transaction
	err := s.run(ctx, "complete_subscription_checkout", func(ctx context.Context, u unit) error {
		txn, err := u.transactions.FindByOrderIDForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if txn.Type != transactiondomain.TypeSubscription {
			return billingdomain.ErrTransactionTypeMismatch
		}
		if txn.OrderStatus == transactiondomain.OrderStatusSuccess || txn.OrderStatus == transactiondomain.OrderStatusRefunded {
			return billingdomain.ErrAlreadyApplied
		}

		sub, err := u.subscriptions.FindAnonymousPlaceholder(ctx, txn.UserID)
		if err != nil {
			return err
		}

		status := req.Status
		if status == "" {
			status = subscriptiondomain.SubscriptionStatusActive
		}
		paidAt := s.orNow(req.PaidAt)
		paid := transactiondomain.PaymentStatusPaid
		start, end := timePtr(req.PeriodStart), timePtr(req.PeriodEnd)

		out, err = u.transactions.UpdateStatus(ctx, txn.OrderID, transactiondomain.OrderStatusSuccess, &transactiondomain.Patch{
			PaymentStatus:     &paid,
			PaySessionID:      optional(req.SessionID),
			PaySubscriptionID: optional(req.PaySubscriptionID),
			PayInvoiceID:      optional(req.PayInvoiceID),
			PayTransactionID:  optional(req.PayTransactionID),
			SubPeriodStart:    start,
			SubPeriodEnd:      end,
			PaidAt:            &paidAt,
		})
		if err != nil {
			return err
		}

		credits := txn.CreditsGranted
		if _, err := u.subscriptions.UpdateStatus(ctx, sub.ID, status, &subscriptiondomain.Patch{
			PaySubscriptionID: optional(req.PaySubscriptionID),
			PayCustomerID:     optional(req.PayCustomerID),
			PriceID:           &txn.PriceID,
			PriceName:         &txn.PriceName,
			CreditsAllocated:  &credits,
			SubPeriodStart:    start,
			SubPeriodEnd:      end,
			OrderID:           &txn.OrderID,
		}); err != nil {
			return err
		}

		return s.rechargePaid(ctx, u, txn.UserID, credits, txn.OrderID, featureSubscriptionCheckout, req.PeriodStart, req.PeriodEnd)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) CompleteOneTimeCheckout(ctx context.Context, req billingdomain.OneTimeCheckout) (*transactiondomain.Transaction, error) {
	var out *transactiondomain.Transaction
	err := s.run(ctx, "complete_one_time_checkout", func(ctx context.Context, u unit) error {
		txn, err := u.transactions.FindByOrderIDForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if txn.Type != transactiondomain.TypeOneTime {
			return billingdomain.ErrTransactionTypeMismatch
		}
		if txn.OrderStatus == transactiondomain.OrderStatusSuccess || txn.OrderStatus == transactiondomain.OrderStatusRefunded {
			return billingdomain.ErrAlreadyApplied
		}

		paidAt := s.orNow(req.PaidAt)
		paid := transactiondomain.PaymentStatusPaid
		out, err = u.transactions.UpdateStatus(ctx, txn.OrderID, transactiondomain.OrderStatusSuccess, &transactiondomain.Patch{
			PaymentStatus:    &paid,
			PaySessionID:     optional(req.SessionID),
			PayTransactionID: optional(req.PayTransactionID),
			PaidAt:           &paidAt,
		})
		if err != nil {
			return err
		}

		if txn.CreditsGranted <= 0 {
			return nil
		}
		window := creditdomain.Window{Start: paidAt, End: paidAt.Add(s.catalog.OneTimeValidity())}
		_, err = u.credits.Recharge(ctx, txn.UserID, creditdomain.Amounts{OneTimePaid: float64(txn.CreditsGranted)}, creditdomain.RechargeOptions{
			OrderID: txn.OrderID,
			Feature: featureOneTimeCheckout,
			Window:  &window,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) FailCheckout(ctx context.Context, orderID, reason string) (*transactiondomain.Transaction, error) {
	var out *transactiondomain.Transaction
	err := s.run(ctx, "fail_checkout", func(ctx context.Context, u unit) error {
		txn, err := u.transactions.FindByOrderIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if txn.OrderStatus.IsTerminal() {
			return billingdomain.ErrAlreadyApplied
		}

		// The first invoice can still be paid with another card, so the
		// order stays open and only records the decline.
		failed := transactiondomain.PaymentStatusFailed
		out, err = u.transactions.Update(ctx, txn.OrderID, transactiondomain.Patch{
			PaymentStatus: &failed,
			FailureReason: optional(reason),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) CancelCheckout(ctx context.Context, orderID, reason string) (*transactiondomain.Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		reason = reasonCheckoutExpired
	}

	var out *transactiondomain.Transaction
	err := s.run(ctx, "cancel_checkout", func(ctx context.Context, u unit) error {
		txn, err := u.transactions.FindByOrderIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if txn.OrderStatus == transactiondomain.OrderStatusCanceled {
			return billingdomain.ErrAlreadyApplied
		}

		now := s.clock.Now()
		out, err = u.transactions.UpdateStatus(ctx, txn.OrderID, transactiondomain.OrderStatusCanceled, &transactiondomain.Patch{
			CanceledAt:   &now,
			CancelReason: &reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordSubscriptionRenewalPayment books a paid renewal invoice as a new order.
// An invoice that already has a successful order is not booked twice.
func (s *Service) RecordSubscriptionRenewalPayment(ctx context.Context, req billingdomain.RenewalPayment) (*transactiondomain.Transaction, error) {
	var out *transactiondomain.Transaction
	err := s.run(ctx, "record_renewal_payment", func(ctx context.Context, u unit) error {
		sub, err := u.subscriptions.FindByProviderSubscriptionID(ctx, req.PaySubscriptionID)
		if err != nil {
			return err
		}

		if invoiceID := strings.TrimSpace(req.PayInvoiceID); invoiceID != "" {
			existing, err := optionalTransaction(u.transactions.FindByProviderInvoiceID(ctx, invoiceID))
			if err != nil {
				return err
			}
			if existing != nil && (existing.OrderStatus == transactiondomain.OrderStatusSuccess ||
				existing.OrderStatus == transactiondomain.OrderStatusRefunded) {
				return billingdomain.ErrAlreadyApplied
			}
		}

		price, err := s.renewalPrice(sub, req.PriceID)
		if err != nil {
			return err
		}
		amount, currency := req.Amount, req.Currency
		if amount == 0 {
			amount = price.Amount
		}
		if currency == "" {
			currency = price.Currency
		}
		paidAt := s.orNow(req.PaidAt)
		start, end := timePtr(req.PeriodStart), timePtr(req.PeriodEnd)

		out, err = u.transactions.Create(ctx, transactiondomain.CreateRequest{
			UserID:            sub.UserID,
			Type:              transactiondomain.TypeSubscription,
			OrderStatus:       transactiondomain.OrderStatusSuccess,
			PaymentStatus:     transactiondomain.PaymentStatusPaid,
			PriceID:           price.ID,
			PriceName:         price.Name,
			Amount:            amount,
			Currency:          currency,
			CreditsGranted:    price.Credits,
			BillingReason:     req.BillingReason,
			PaySubscriptionID: req.PaySubscriptionID,
			PayInvoiceID:      req.PayInvoiceID,
			PayTransactionID:  req.PayTransactionID,
			SubPeriodStart:    start,
			SubPeriodEnd:      end,
			PaidAt:            &paidAt,
		})
		if err != nil {
			return err
		}

		credits := price.Credits
		if _, err := u.subscriptions.UpdateStatus(ctx, sub.ID, subscriptiondomain.SubscriptionStatusActive, &subscriptiondomain.Patch{
			PriceID:          &price.ID,
			PriceName:        &price.Name,
			CreditsAllocated: &credits,
			SubPeriodStart:   start,
			SubPeriodEnd:     end,
		}); err != nil {
			return err
		}

		return s.rechargePaid(ctx, u, sub.UserID, credits, out.OrderID, featureSubscriptionRenewal, req.PeriodStart, req.PeriodEnd)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordRenewalPaymentFailure books a failed renewal attempt and marks the
// subscription past due. A provider retry with the same attempt number is a
// redelivery.
func (s *Service) RecordRenewalPaymentFailure(ctx context.Context, req billingdomain.RenewalFailure) (*transactiondomain.Transaction, error) {
	attempt := strconv.FormatInt(req.AttemptCount, 10)

	var out *transactiondomain.Transaction
	err := s.run(ctx, "record_renewal_failure", func(ctx context.Context, u unit) error {
		sub, err := u.subscriptions.FindByProviderSubscriptionID(ctx, req.PaySubscriptionID)
		if err != nil {
			return err
		}

		if invoiceID := strings.TrimSpace(req.PayInvoiceID); invoiceID != "" {
			existing, err := optionalTransaction(u.transactions.FindByProviderInvoiceID(ctx, invoiceID))
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.PaymentStatus == transactiondomain.PaymentStatusPaid {
					return billingdomain.ErrAlreadyApplied
				}
				if existing.OrderStatus == transactiondomain.OrderStatusFailed && fmt.Sprint(existing.Metadata[metadataAttemptCount]) == attempt {
					return billingdomain.ErrAlreadyApplied
				}
			}
		}

		out, err = u.transactions.Create(ctx, transactiondomain.CreateRequest{
			UserID:            sub.UserID,
			Type:              transactiondomain.TypeSubscription,
			OrderStatus:       transactiondomain.OrderStatusFailed,
			PaymentStatus:     transactiondomain.PaymentStatusFailed,
			PriceID:           sub.PriceID,
			PriceName:         sub.PriceName,
			Amount:            req.Amount,
			Currency:          req.Currency,
			BillingReason:     req.BillingReason,
			PaySubscriptionID: req.PaySubscriptionID,
			PayInvoiceID:      req.PayInvoiceID,
			PayTransactionID:  req.PayTransactionID,
			SubPeriodStart:    timePtr(req.PeriodStart),
			SubPeriodEnd:      timePtr(req.PeriodEnd),
			FailureReason:     req.FailureMessage,
			Metadata:          map[string]any{metadataAttemptCount: attempt},
		})
		if err != nil {
			return err
		}

		if sub.Status.IsLive() {
			if _, err := u.subscriptions.UpdateStatus(ctx, sub.ID, subscriptiondomain.SubscriptionStatusPastDue, nil); err != nil {
				return err
			}
		}
		return u.credits.RecordWatcher(ctx, sub.UserID, creditdomain.CreditTypePaid, out.OrderID, featureRenewalFailed)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncSubscription mirrors provider-side status changes. Transitions the state
// machine does not allow are logged and skipped; the remaining fields are
// still synced.
func (s *Service) SyncSubscription(ctx context.Context, req billingdomain.SubscriptionSync) (*subscriptiondomain.Subscription, error) {
	status, ok := subscriptiondomain.ParseStatus(req.Status)
	if !ok {
		return nil, subscriptiondomain.ErrInvalidStatus
	}
	if status == subscriptiondomain.SubscriptionStatusCanceled {
		canceledAt := time.Time{}
		if req.CanceledAt != nil {
			canceledAt = *req.CanceledAt
		}
		return s.ProcessSubscriptionCancel(ctx, billingdomain.SubscriptionCancel{
			PaySubscriptionID: req.PaySubscriptionID,
			CanceledAt:        canceledAt,
			Reason:            req.Reason,
		})
	}

	var out *subscriptiondomain.Subscription
	err := s.run(ctx, "sync_subscription", func(ctx context.Context, u unit) error {
		sub, err := u.subscriptions.FindByProviderSubscriptionID(ctx, req.PaySubscriptionID)
		if err != nil {
			return err
		}

		cancelAtPeriodEnd := req.CancelAtPeriodEnd
		patch := subscriptiondomain.Patch{
			CancelAtPeriodEnd: &cancelAtPeriodEnd,
			SubPeriodStart:    timePtr(req.PeriodStart),
			SubPeriodEnd:      timePtr(req.PeriodEnd),
		}
		if price, ok := s.catalog.Resolve(req.PriceID); ok && price.ID != sub.PriceID {
			credits := price.Credits
			patch.PriceID, patch.PriceName, patch.CreditsAllocated = &price.ID, &price.Name, &credits
		}

		if sub.Status == status || subscriptiondomain.CanTransition(sub.Status, status) {
			out, err = u.subscriptions.UpdateStatus(ctx, sub.ID, status, &patch)
			return err
		}
		s.log.Warn("subscription transition skipped",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("from", string(sub.Status)),
			zap.String("to", string(status)),
		)
		out, err = u.subscriptions.Update(ctx, sub.ID, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessSubscriptionCancel ends the subscription and claws back the whole
// paid bucket immediately.
func (s *Service) ProcessSubscriptionCancel(ctx context.Context, req billingdomain.SubscriptionCancel) (*subscriptiondomain.Subscription, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = reasonSubscriptionCanceled
	}

	var out *subscriptiondomain.Subscription
	err := s.run(ctx, "process_subscription_cancel", func(ctx context.Context, u unit) error {
		sub, err := u.subscriptions.FindByProviderSubscriptionID(ctx, req.PaySubscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusCanceled {
			return billingdomain.ErrAlreadyApplied
		}

		canceledAt := s.orNow(req.CanceledAt)
		if orderID := deref(sub.OrderID); orderID != "" {
			if _, err := u.transactions.Update(ctx, orderID, transactiondomain.Patch{
				CanceledAt:   &canceledAt,
				CancelReason: &reason,
				Metadata:     map[string]any{"subscription_canceled_at": canceledAt.Format(time.RFC3339)},
			}); err != nil {
				return err
			}
		}

		out, err = u.subscriptions.UpdateStatus(ctx, sub.ID, subscriptiondomain.SubscriptionStatusCanceled, &subscriptiondomain.Patch{
			CanceledAt: &canceledAt,
		})
		if err != nil {
			return err
		}

		_, err = u.credits.PurgePaid(ctx, sub.UserID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ProcessSubscriptionRefund(ctx context.Context, req billingdomain.Refund) (*transactiondomain.Transaction, error) {
	return s.refund(ctx, "process_subscription_refund", req, transactiondomain.TypeSubscription, creditdomain.CreditTypePaid)
}

func (s *Service) ProcessOneTimeRefund(ctx context.Context, req billingdomain.Refund) (*transactiondomain.Transaction, error) {
	return s.refund(ctx, "process_one_time_refund", req, transactiondomain.TypeOneTime, creditdomain.CreditTypeOneTimePaid)
}

// refund marks the order refunded and consumes what is left of its grant:
// min(effective balance, credits granted). Limits stay as granted so spent
// credit is never clawed back and the bucket never goes negative.
func (s *Service) refund(ctx context.Context, op string, req billingdomain.Refund, txnType transactiondomain.TransactionType, creditType creditdomain.CreditType) (*transactiondomain.Transaction, error) {
	var out *transactiondomain.Transaction
	err := s.run(ctx, op, func(ctx context.Context, u unit) error {
		txn, err := u.transactions.FindByOrderIDForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if txn.Type != txnType {
			return billingdomain.ErrTransactionTypeMismatch
		}
		if txn.OrderStatus == transactiondomain.OrderStatusRefunded {
			return billingdomain.ErrAlreadyApplied
		}

		refundedAt := s.orNow(req.RefundedAt)
		refunded := transactiondomain.PaymentStatusRefunded
		patch := &transactiondomain.Patch{PaymentStatus: &refunded, RefundedAt: &refundedAt}
		if req.Reason != "" {
			patch.Metadata = map[string]any{"refund_reason": req.Reason}
		}
		out, err = u.transactions.UpdateStatus(ctx, txn.OrderID, transactiondomain.OrderStatusRefunded, patch)
		if err != nil {
			return err
		}

		balance, err := u.credits.GetBalance(ctx, txn.UserID)
		if err != nil {
			return err
		}
		n := min(balance.Bucket(creditType).Balance, txn.CreditsGranted)
		if n <= 0 {
			return nil
		}
		_, err = u.credits.Consume(ctx, txn.UserID, amountsFor(creditType, n), creditdomain.ConsumeOptions{
			Feature: featureRefund,
			OrderID: txn.OrderID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ResolveTransaction(ctx context.Context, ref billingdomain.TransactionRef) (*transactiondomain.Transaction, error) {
	lookups := []struct {
		value string
		find  func(context.Context, string) (*transactiondomain.Transaction, error)
	}{
		{ref.OrderID, s.transactions.FindByOrderID},
		{ref.SessionID, s.transactions.FindByProviderSessionID},
		{ref.PaymentIntentID, s.transactions.FindByProviderTransactionID},
		{ref.InvoiceID, s.transactions.FindByProviderInvoiceID},
	}
	for _, l := range lookups {
		if strings.TrimSpace(l.value) == "" {
			continue
		}
		txn, err := l.find(ctx, l.value)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, transactiondomain.ErrTransactionNotFound) {
			return nil, err
		}
	}
	return nil, transactiondomain.ErrTransactionNotFound
}

func (s *Service) ConsumeCredits(ctx context.Context, userID snowflake.ID, amount float64, feature string) (creditdomain.Balance, error) {
	return s.creditOp(ctx, "consume_credits", func(ctx context.Context, u unit) (*creditdomain.Credit, error) {
		return u.credits.Spend(ctx, userID, amount, feature)
	})
}

func (s *Service) FreezeCredits(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, reason string) (creditdomain.Balance, error) {
	return s.creditOp(ctx, "freeze_credits", func(ctx context.Context, u unit) (*creditdomain.Credit, error) {
		return u.credits.Freeze(ctx, userID, amounts, reason)
	})
}

func (s *Service) UnfreezeCredits(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, reason string) (creditdomain.Balance, error) {
	return s.creditOp(ctx, "unfreeze_credits", func(ctx context.Context, u unit) (*creditdomain.Credit, error) {
		return u.credits.Unfreeze(ctx, userID, amounts, reason)
	})
}

func (s *Service) AdjustCredits(ctx context.Context, userID snowflake.ID, targets creditdomain.Targets, reason string) (creditdomain.Balance, error) {
	return s.creditOp(ctx, "adjust_credits", func(ctx context.Context, u unit) (*creditdomain.Credit, error) {
		return u.credits.AdjustAbsolute(ctx, userID, targets, reason)
	})
}

func (s *Service) creditOp(ctx context.Context, op string, fn func(ctx context.Context, u unit) (*creditdomain.Credit, error)) (creditdomain.Balance, error) {
	var balance creditdomain.Balance
	err := s.run(ctx, op, func(ctx context.Context, u unit) error {
		credit, err := fn(ctx, u)
		if err != nil {
			return err
		}
		balance = creditdomain.BalanceOf(credit, s.clock.Now())
		return nil
	})
	return balance, err
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (creditdomain.Balance, error) {
	return s.credits.GetBalance(ctx, userID)
}

func (s *Service) GetTotalBalance(ctx context.Context, userID snowflake.ID) (int64, error) {
	return s.credits.GetTotalBalance(ctx, userID)
}

func (s *Service) HasEnoughCredits(ctx context.Context, userID snowflake.ID, amount float64) (bool, error) {
	return s.credits.HasEnoughCredits(ctx, userID, amount)
}

func (s *Service) ListUsage(ctx context.Context, userID snowflake.ID, page pagination.Pagination) (creditdomain.ListUsageResponse, error) {
	return s.credits.ListUsage(ctx, userID, page)
}

func (s *Service) rechargePaid(ctx context.Context, u unit, userID snowflake.ID, credits int64, orderID, feature string, start, end time.Time) error {
	if credits <= 0 {
		return nil
	}
	opts := creditdomain.RechargeOptions{OrderID: orderID, Feature: feature}
	if !start.IsZero() && end.After(start) {
		opts.Window = &creditdomain.Window{Start: start, End: end}
	}
	_, err := u.credits.Recharge(ctx, userID, creditdomain.Amounts{Paid: float64(credits)}, opts)
	return err
}

// renewalPrice prefers the invoiced price and falls back to what the
// subscription was allocated at checkout.
func (s *Service) renewalPrice(sub *subscriptiondomain.Subscription, priceID string) (pricing.Price, error) {
	for _, id := range []string{priceID, sub.PriceID} {
		if price, ok := s.catalog.Resolve(id); ok {
			return price, nil
		}
	}
	if sub.CreditsAllocated > 0 {
		return pricing.Price{ID: sub.PriceID, Name: sub.PriceName, Credits: sub.CreditsAllocated}, nil
	}
	return pricing.Price{}, billingdomain.ErrPriceNotFound
}

func (s *Service) freeGrant(credits int64) creditdomain.FreeGrant {
	now := s.clock.Now()
	return creditdomain.FreeGrant{
		Credits: credits,
		Window:  creditdomain.Window{Start: now, End: now.AddDate(0, 0, s.catalog.FreeGrant().ValidityDays)},
	}
}

func (s *Service) orNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock.Now()
	}
	return t.UTC()
}

func rejectLiveSubscription(ctx context.Context, subs subscriptiondomain.Service, userID snowflake.ID) error {
	sub, err := optionalSubscription(subs.GetByUserID(ctx, userID))
	if err != nil {
		return err
	}
	if sub != nil && sub.Status.IsLive() {
		return subscriptiondomain.ErrSubscriptionActive
	}
	return nil
}

func optionalSubscription(sub *subscriptiondomain.Subscription, err error) (*subscriptiondomain.Subscription, error) {
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil, nil
	}
	return sub, err
}

func optionalTransaction(txn *transactiondomain.Transaction, err error) (*transactiondomain.Transaction, error) {
	if errors.Is(err, transactiondomain.ErrTransactionNotFound) {
		return nil, nil
	}
	return txn, err
}

func amountsFor(t creditdomain.CreditType, n int64) creditdomain.Amounts {
	switch t {
	case creditdomain.CreditTypeFree:
		return creditdomain.Amounts{Free: float64(n)}
	case creditdomain.CreditTypePaid:
		return creditdomain.Amounts{Paid: float64(n)}
	}
	return creditdomain.Amounts{OneTimePaid: float64(n)}
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
