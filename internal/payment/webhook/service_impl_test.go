package webhook

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/dbtest"
	"github.com/smallbiznis/creditledger/internal/locker"
	"github.com/smallbiznis/creditledger/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/payment/repository"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/creditledger/internal/transaction/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var payload = []byte(`{"id":"evt_1"}`)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return paymentdomain.ProviderStripe }

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutSessionRequest) (*paymentdomain.CheckoutSession, error) {
	args := m.Called(ctx, req)
	session, _ := args.Get(0).(*paymentdomain.CheckoutSession)
	return session, args.Error(1)
}

func (m *mockProvider) RetrieveSubscription(ctx context.Context, id string) (*paymentdomain.SubscriptionData, error) {
	args := m.Called(ctx, id)
	sub, _ := args.Get(0).(*paymentdomain.SubscriptionData)
	return sub, args.Error(1)
}

func (m *mockProvider) ListCustomers(ctx context.Context, query paymentdomain.CustomerQuery) ([]paymentdomain.Customer, error) {
	args := m.Called(ctx, query)
	customers, _ := args.Get(0).([]paymentdomain.Customer)
	return customers, args.Error(1)
}

func (m *mockProvider) CreateCustomer(ctx context.Context, req paymentdomain.CustomerRequest) (*paymentdomain.Customer, error) {
	args := m.Called(ctx, req)
	customer, _ := args.Get(0).(*paymentdomain.Customer)
	return customer, args.Error(1)
}

func (m *mockProvider) ConstructEvent(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.Event, error) {
	args := m.Called(ctx, payload, headers)
	evt, _ := args.Get(0).(*paymentdomain.Event)
	return evt, args.Error(1)
}

// mockBilling records the reconciliation calls made by the webhook service.
// Methods it does not override panic through the nil embedded interface.
type mockBilling struct {
	billingdomain.Service
	mock.Mock
}

func (m *mockBilling) ResolveTransaction(ctx context.Context, ref billingdomain.TransactionRef) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, ref)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

func (m *mockBilling) CompleteSubscriptionCheckout(ctx context.Context, req billingdomain.SubscriptionCheckout) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

func (m *mockBilling) CompleteOneTimeCheckout(ctx context.Context, req billingdomain.OneTimeCheckout) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

func (m *mockBilling) CancelCheckout(ctx context.Context, orderID, reason string) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, orderID, reason)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

func (m *mockBilling) FailCheckout(ctx context.Context, orderID, reason string) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, orderID, reason)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

func (m *mockBilling) RecordSubscriptionRenewalPayment(ctx context.Context, req billingdomain.RenewalPayment) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

func (m *mockBilling) RecordRenewalPaymentFailure(ctx context.Context, req billingdomain.RenewalFailure) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

func (m *mockBilling) SyncSubscription(ctx context.Context, req billingdomain.SubscriptionSync) (*subscriptiondomain.Subscription, error) {
	args := m.Called(ctx, req)
	sub, _ := args.Get(0).(*subscriptiondomain.Subscription)
	return sub, args.Error(1)
}

func (m *mockBilling) ProcessSubscriptionCancel(ctx context.Context, req billingdomain.SubscriptionCancel) (*subscriptiondomain.Subscription, error) {
	args := m.Called(ctx, req)
	sub, _ := args.Get(0).(*subscriptiondomain.Subscription)
	return sub, args.Error(1)
}

func (m *mockBilling) ProcessSubscriptionRefund(ctx context.Context, req billingdomain.Refund) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

func (m *mockBilling) ProcessOneTimeRefund(ctx context.Context, req billingdomain.Refund) (*transactiondomain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*transactiondomain.Transaction)
	return txn, args.Error(1)
}

type fixture struct {
	svc      paymentdomain.Service
	db       *gorm.DB
	provider *mockProvider
	billing  *mockBilling
}

func newFixture(t *testing.T, lock *locker.Locker) *fixture {
	t.Helper()
	f := &fixture{
		db:       dbtest.Open(t),
		provider: &mockProvider{},
		billing:  &mockBilling{},
	}
	f.svc = NewService(Params{
		DB:       f.db,
		Log:      zaptest.NewLogger(t),
		GenID:    dbtest.Node(t),
		Clock:    clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
		Repo:     repository.Provide(),
		Adapters: adapters.NewRegistry(f.provider),
		Billing:  f.billing,
		Locker:   lock,
	})
	return f
}

func (f *fixture) deliver(evt *paymentdomain.Event) {
	f.provider.On("ConstructEvent", mock.Anything, payload, mock.Anything).Return(evt, nil)
}

func (f *fixture) record(t *testing.T, eventID string) paymentdomain.EventRecord {
	t.Helper()
	var rec paymentdomain.EventRecord
	require.NoError(t, f.db.Where("provider = ? AND provider_event_id = ?", paymentdomain.ProviderStripe, eventID).Take(&rec).Error)
	return rec
}

func TestIngestRejectsBeforeJournaling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.svc.IngestWebhook(ctx, "paypal", payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	err = f.svc.IngestWebhook(ctx, "stripe", []byte("not json"), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	f.provider.On("ConstructEvent", mock.Anything, payload, mock.Anything).Return(nil, paymentdomain.ErrInvalidSignature)
	err = f.svc.IngestWebhook(ctx, "stripe", payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIngestIgnoresUnknownEventTypes(t *testing.T) {
	f := newFixture(t, nil)
	f.deliver(&paymentdomain.Event{ID: "evt_1", RawType: "customer.created"})

	require.NoError(t, f.svc.IngestWebhook(context.Background(), "stripe", payload, http.Header{}))

	rec := f.record(t, "evt_1")
	assert.Equal(t, "customer.created", rec.EventType)
	assert.NotNil(t, rec.ProcessedAt)
	f.billing.AssertNotCalled(t, "ResolveTransaction", mock.Anything, mock.Anything)
}

func TestCheckoutCompletedAppliesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	periodStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.deliver(&paymentdomain.Event{
		ID:   "evt_1",
		Type: paymentdomain.EventCheckoutCompleted,
		Checkout: &paymentdomain.CheckoutData{
			SessionID:      "cs_1",
			PaymentStatus:  "paid",
			SubscriptionID: "sub_1",
			CustomerID:     "cus_1",
			OrderID:        "ord_1",
		},
	})
	f.provider.On("RetrieveSubscription", mock.Anything, "sub_1").Return(&paymentdomain.SubscriptionData{
		ID:                 "sub_1",
		Status:             "active",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}, nil).Once()
	f.billing.On("ResolveTransaction", mock.Anything, billingdomain.TransactionRef{OrderID: "ord_1", SessionID: "cs_1"}).
		Return(&transactiondomain.Transaction{OrderID: "ord_1", Type: transactiondomain.TypeSubscription}, nil).Once()
	f.billing.On("CompleteSubscriptionCheckout", mock.Anything, mock.MatchedBy(func(req billingdomain.SubscriptionCheckout) bool {
		return req.OrderID == "ord_1" &&
			req.PaySubscriptionID == "sub_1" &&
			req.Status == subscriptiondomain.SubscriptionStatusActive &&
			req.PeriodStart.Equal(periodStart) &&
			req.PeriodEnd.Equal(periodEnd)
	})).Return(&transactiondomain.Transaction{OrderID: "ord_1"}, nil).Once()

	require.NoError(t, f.svc.IngestWebhook(ctx, "stripe", payload, http.Header{}))
	rec := f.record(t, "evt_1")
	require.NotNil(t, rec.ProcessedAt)
	assert.Equal(t, 1, rec.Attempts)

	err := f.svc.IngestWebhook(ctx, "stripe", payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)
	f.billing.AssertExpectations(t)
	f.provider.AssertExpectations(t)
}

func TestAlreadyAppliedCountsAsProcessed(t *testing.T) {
	f := newFixture(t, nil)
	f.deliver(&paymentdomain.Event{
		ID:           "evt_1",
		Type:         paymentdomain.EventSubscriptionDeleted,
		Subscription: &paymentdomain.SubscriptionData{ID: "sub_1"},
	})
	f.billing.On("ProcessSubscriptionCancel", mock.Anything, billingdomain.SubscriptionCancel{PaySubscriptionID: "sub_1"}).
		Return(nil, billingdomain.ErrAlreadyApplied)

	require.NoError(t, f.svc.IngestWebhook(context.Background(), "stripe", payload, http.Header{}))
	assert.NotNil(t, f.record(t, "evt_1").ProcessedAt)
}

func TestFailedEventIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.deliver(&paymentdomain.Event{
		ID:   "evt_1",
		Type: paymentdomain.EventInvoicePaid,
		Invoice: &paymentdomain.InvoiceData{
			ID:             "in_2",
			SubscriptionID: "sub_1",
			BillingReason:  "subscription_cycle",
			AmountPaid:     999,
		},
	})
	f.billing.On("RecordSubscriptionRenewalPayment", mock.Anything, mock.Anything).
		Return(nil, errors.New("database is locked")).Once()
	f.billing.On("RecordSubscriptionRenewalPayment", mock.Anything, mock.Anything).
		Return(&transactiondomain.Transaction{OrderID: "ord_2"}, nil).Once()

	err := f.svc.IngestWebhook(ctx, "stripe", payload, http.Header{})
	require.Error(t, err)

	rec := f.record(t, "evt_1")
	assert.Nil(t, rec.ProcessedAt)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "database is locked", *rec.LastError)

	require.NoError(t, f.svc.IngestWebhook(ctx, "stripe", payload, http.Header{}))
	rec = f.record(t, "evt_1")
	assert.NotNil(t, rec.ProcessedAt)
	assert.Equal(t, 2, rec.Attempts)
	assert.Nil(t, rec.LastError)
}

func TestDispatchRouting(t *testing.T) {
	tests := []struct {
		name   string
		evt    *paymentdomain.Event
		expect func(b *mockBilling)
	}{
		{
			name: "unpaid checkout is ignored",
			evt: &paymentdomain.Event{Type: paymentdomain.EventCheckoutCompleted, Checkout: &paymentdomain.CheckoutData{
				SessionID: "cs_1", PaymentStatus: "unpaid",
			}},
		},
		{
			name: "first invoice is left to checkout completion",
			evt: &paymentdomain.Event{Type: paymentdomain.EventInvoicePaid, Invoice: &paymentdomain.InvoiceData{
				ID: "in_1", SubscriptionID: "sub_1", BillingReason: paymentdomain.BillingReasonSubscriptionCreate,
			}},
		},
		{
			name: "partial refund is ignored",
			evt: &paymentdomain.Event{Type: paymentdomain.EventChargeRefunded, Charge: &paymentdomain.ChargeData{
				ID: "ch_1", PaymentIntentID: "pi_1", Refunded: false,
			}},
		},
		{
			name: "one-time checkout",
			evt: &paymentdomain.Event{Type: paymentdomain.EventCheckoutCompleted, Checkout: &paymentdomain.CheckoutData{
				SessionID: "cs_1", PaymentStatus: "paid", PaymentIntentID: "pi_1",
			}},
			expect: func(b *mockBilling) {
				b.On("ResolveTransaction", mock.Anything, billingdomain.TransactionRef{SessionID: "cs_1"}).
					Return(&transactiondomain.Transaction{OrderID: "ord_1", Type: transactiondomain.TypeOneTime}, nil)
				b.On("CompleteOneTimeCheckout", mock.Anything, billingdomain.OneTimeCheckout{
					OrderID: "ord_1", SessionID: "cs_1", PayTransactionID: "pi_1",
				}).Return(&transactiondomain.Transaction{}, nil)
			},
		},
		{
			name: "expired checkout",
			evt: &paymentdomain.Event{Type: paymentdomain.EventCheckoutExpired, Checkout: &paymentdomain.CheckoutData{
				SessionID: "cs_1", OrderID: "ord_1",
			}},
			expect: func(b *mockBilling) {
				b.On("ResolveTransaction", mock.Anything, billingdomain.TransactionRef{OrderID: "ord_1", SessionID: "cs_1"}).
					Return(&transactiondomain.Transaction{OrderID: "ord_1"}, nil)
				b.On("CancelCheckout", mock.Anything, "ord_1", "checkout_expired").Return(&transactiondomain.Transaction{}, nil)
			},
		},
		{
			name: "first invoice failure fails the checkout",
			evt: &paymentdomain.Event{Type: paymentdomain.EventInvoicePaymentFailed, Invoice: &paymentdomain.InvoiceData{
				ID: "in_1", SubscriptionID: "sub_1", BillingReason: paymentdomain.BillingReasonSubscriptionCreate, FailureMessage: "card_declined",
			}},
			expect: func(b *mockBilling) {
				b.On("ResolveTransaction", mock.Anything, billingdomain.TransactionRef{InvoiceID: "in_1"}).
					Return(&transactiondomain.Transaction{OrderID: "ord_1"}, nil)
				b.On("FailCheckout", mock.Anything, "ord_1", "card_declined").Return(&transactiondomain.Transaction{}, nil)
			},
		},
		{
			name: "renewal failure",
			evt: &paymentdomain.Event{Type: paymentdomain.EventInvoicePaymentFailed, Invoice: &paymentdomain.InvoiceData{
				ID: "in_2", SubscriptionID: "sub_1", BillingReason: "subscription_cycle", AttemptCount: 2, AmountDue: 999,
			}},
			expect: func(b *mockBilling) {
				b.On("RecordRenewalPaymentFailure", mock.Anything, mock.MatchedBy(func(req billingdomain.RenewalFailure) bool {
					return req.PayInvoiceID == "in_2" && req.AttemptCount == 2 && req.Amount == 999
				})).Return(&transactiondomain.Transaction{}, nil)
			},
		},
		{
			name: "unknown subscription status is ignored",
			evt: &paymentdomain.Event{Type: paymentdomain.EventSubscriptionUpdated, Subscription: &paymentdomain.SubscriptionData{
				ID: "sub_1", Status: "paused",
			}},
			expect: func(b *mockBilling) {
				b.On("SyncSubscription", mock.Anything, mock.Anything).Return(nil, subscriptiondomain.ErrInvalidStatus)
			},
		},
		{
			name: "full refund of a subscription order",
			evt: &paymentdomain.Event{Type: paymentdomain.EventChargeRefunded, Charge: &paymentdomain.ChargeData{
				ID: "ch_1", InvoiceID: "in_1", Refunded: true,
			}},
			expect: func(b *mockBilling) {
				b.On("ResolveTransaction", mock.Anything, billingdomain.TransactionRef{InvoiceID: "in_1"}).
					Return(&transactiondomain.Transaction{OrderID: "ord_1", Type: transactiondomain.TypeSubscription}, nil)
				b.On("ProcessSubscriptionRefund", mock.Anything, mock.MatchedBy(func(req billingdomain.Refund) bool {
					return req.OrderID == "ord_1"
				})).Return(&transactiondomain.Transaction{}, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tt.evt.ID = "evt_1"
			f.deliver(tt.evt)
			if tt.expect != nil {
				tt.expect(f.billing)
			}

			require.NoError(t, f.svc.IngestWebhook(context.Background(), "stripe", payload, http.Header{}))
			assert.NotNil(t, f.record(t, "evt_1").ProcessedAt)
			f.billing.AssertExpectations(t)
		})
	}
}

func TestLockFailureFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, locker.NewLocker(client))
	f.deliver(&paymentdomain.Event{ID: "evt_1", RawType: "customer.created"})

	require.NoError(t, f.svc.IngestWebhook(context.Background(), "stripe", payload, http.Header{}))
	assert.NotNil(t, f.record(t, "evt_1").ProcessedAt)
}
