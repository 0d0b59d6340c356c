package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	creditrepository "github.com/smallbiznis/creditledger/internal/credit/repository"
	creditservice "github.com/smallbiznis/creditledger/internal/credit/service"
	"github.com/smallbiznis/creditledger/internal/dbtest"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/creditledger/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditledger/internal/subscription/service"
	transactiondomain "github.com/smallbiznis/creditledger/internal/transaction/domain"
	transactionrepository "github.com/smallbiznis/creditledger/internal/transaction/repository"
	transactionservice "github.com/smallbiznis/creditledger/internal/transaction/service"
	userdomain "github.com/smallbiznis/creditledger/internal/user/domain"
	userservice "github.com/smallbiznis/creditledger/internal/user/service"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var (
	jan1 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mar1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutSessionRequest) (*paymentdomain.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(paymentdomain.CheckoutSessionRequest) *paymentdomain.CheckoutSession); ok {
		return fn(req), args.Error(1)
	}
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

func sessionFor(req paymentdomain.CheckoutSessionRequest) *paymentdomain.CheckoutSession {
	return &paymentdomain.CheckoutSession{
		ID:  "cs_" + req.OrderID,
		URL: "https://checkout.test/" + req.OrderID,
	}
}

func testPricing() pricing.Config {
	return pricing.Config{
		Prices: []pricing.Price{
			{ID: "price_test_monthly", Name: "Test Monthly", Plan: "test", BillingCycle: pricing.CycleMonthly, Type: pricing.TypeSubscription, Amount: 1000, Currency: "USD", Credits: 100, Interval: "month"},
			{ID: "price_test_pack", Name: "Test Pack", Plan: "pack", BillingCycle: pricing.CycleOnce, Type: pricing.TypeOneTime, Amount: 500, Currency: "USD", Credits: 50},
		},
		FreeGrant:           pricing.FreeGrant{AnonymousCredits: 50, RegisteredCredits: 100, ValidityDays: 30},
		OneTimeValidityDays: 365,
	}
}

type fixture struct {
	svc      billingdomain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	provider *mockProvider

	users         userdomain.Service
	credits       creditdomain.Service
	transactions  transactiondomain.Service
	subscriptions subscriptiondomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := dbtest.Open(t)
	node := dbtest.Node(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(jan1.Add(12 * time.Hour))

	f := &fixture{
		db:       db,
		clock:    clk,
		provider: &mockProvider{},
		users: userservice.NewService(userservice.ServiceParam{
			DB: db, Log: log, GenID: node, Clock: clk,
		}),
		credits: creditservice.NewService(creditservice.ServiceParam{
			DB: db, Log: log, GenID: node, Clock: clk, Repo: creditrepository.Provide(),
		}),
		transactions: transactionservice.NewService(transactionservice.ServiceParam{
			DB: db, Log: log, GenID: node, Clock: clk, Repo: transactionrepository.Provide(),
		}),
		subscriptions: subscriptionservice.NewService(subscriptionservice.ServiceParam{
			DB: db, Log: log, GenID: node, Clock: clk, Repo: subscriptionrepository.Provide(),
		}),
	}
	f.svc = NewService(ServiceParam{
		DB:            db,
		Log:           log,
		Clock:         clk,
		Catalog:       pricing.NewStaticCatalog(testPricing()),
		Users:         f.users,
		Credits:       f.credits,
		Transactions:  f.transactions,
		Subscriptions: f.subscriptions,
		Provider:      f.provider,
	})

	f.provider.On("CreateCustomer", mock.Anything, mock.Anything).Return(&paymentdomain.Customer{ID: "cus_1"}, nil)
	return f
}

func (f *fixture) expectSessions() {
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(sessionFor, nil)
}

func (f *fixture) initUser(t *testing.T, fingerprint string) snowflake.ID {
	t.Helper()
	account, err := f.svc.InitAnonymousUser(context.Background(), fingerprint)
	require.NoError(t, err)
	return account.User.ID
}

// subscribe runs checkout for the monthly price and completes it for [Jan 1, Feb 1).
func (f *fixture) subscribe(t *testing.T, userID snowflake.ID) string {
	t.Helper()
	ctx := context.Background()

	result, err := f.svc.CreateCheckout(ctx, billingdomain.CheckoutRequest{UserID: userID, PriceID: "price_test_monthly"})
	require.NoError(t, err)

	_, err = f.svc.CompleteSubscriptionCheckout(ctx, billingdomain.SubscriptionCheckout{
		OrderID:           result.OrderID,
		SessionID:         result.SessionID,
		PaySubscriptionID: "sub_1",
		PayCustomerID:     "cus_1",
		PayInvoiceID:      "in_1",
		PeriodStart:       jan1,
		PeriodEnd:         feb1,
	})
	require.NoError(t, err)
	return result.OrderID
}

func (f *fixture) balance(t *testing.T, userID snowflake.ID) creditdomain.Balance {
	t.Helper()
	balance, err := f.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func (f *fixture) usages(t *testing.T, userID snowflake.ID) []creditdomain.CreditUsage {
	t.Helper()
	var rows []creditdomain.CreditUsage
	require.NoError(t, f.db.Where("user_id = ?", userID).Order("id asc").Find(&rows).Error)
	return rows
}

func (f *fixture) assertReplay(t *testing.T, userID snowflake.ID) {
	t.Helper()
	replayed := creditdomain.Replay(f.usages(t, userID))
	balance := f.balance(t, userID)
	assert.Equal(t, balance.Free.Stored, replayed.Free)
	assert.Equal(t, balance.Paid.Stored, replayed.Paid)
	assert.Equal(t, balance.OneTimePaid.Stored, replayed.OneTimePaid)
}

func TestInitAnonymousUserGrantsFreeCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account, err := f.svc.InitAnonymousUser(ctx, "fp_a")
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance.Free.Balance)
	assert.Equal(t, int64(50), account.Balance.Free.Limit)
	require.NotNil(t, account.Subscription)
	assert.True(t, account.Subscription.IsPlaceholder())

	again, err := f.svc.InitAnonymousUser(ctx, "fp_a")
	require.NoError(t, err)
	assert.Equal(t, account.User.ID, again.User.ID)
	assert.Len(t, f.usages(t, account.User.ID), 1)
}

func TestSubscriptionCheckoutGrantsPaidCredits(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_b")

	result, err := f.svc.CreateCheckout(ctx, billingdomain.CheckoutRequest{UserID: userID, Plan: "test", BillingCycle: "monthly"})
	require.NoError(t, err)
	assert.Equal(t, "cs_"+result.OrderID, result.SessionID)

	pending, err := f.transactions.FindByOrderID(ctx, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusPending, pending.OrderStatus)
	assert.Equal(t, int64(100), pending.CreditsGranted)

	req := billingdomain.SubscriptionCheckout{
		OrderID:           result.OrderID,
		SessionID:         result.SessionID,
		PaySubscriptionID: "sub_1",
		PeriodStart:       jan1,
		PeriodEnd:         feb1,
	}
	txn, err := f.svc.CompleteSubscriptionCheckout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusSuccess, txn.OrderStatus)
	assert.Equal(t, transactiondomain.PaymentStatusPaid, txn.PaymentStatus)

	sub, err := f.subscriptions.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.OrderID)
	assert.Equal(t, result.OrderID, *sub.OrderID)

	balance := f.balance(t, userID)
	assert.Equal(t, int64(100), balance.Paid.Balance)
	require.NotNil(t, balance.Paid.Start)
	require.NotNil(t, balance.Paid.End)
	assert.True(t, balance.Paid.Start.Equal(jan1))
	assert.True(t, balance.Paid.End.Equal(feb1))

	// Redelivery changes nothing.
	before := len(f.usages(t, userID))
	_, err = f.svc.CompleteSubscriptionCheckout(ctx, req)
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)
	assert.Equal(t, int64(100), f.balance(t, userID).Paid.Balance)
	assert.Len(t, f.usages(t, userID), before)
	f.assertReplay(t, userID)
}

func TestRenewalCreatesNewOrderAndAccumulates(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_c")
	firstOrder := f.subscribe(t, userID)

	f.clock.Set(feb1.Add(time.Hour))
	req := billingdomain.RenewalPayment{
		PaySubscriptionID: "sub_1",
		PayInvoiceID:      "in_2",
		PayTransactionID:  "pi_2",
		BillingReason:     "subscription_cycle",
		Amount:            1000,
		Currency:          "usd",
		PeriodStart:       feb1,
		PeriodEnd:         mar1,
	}
	txn, err := f.svc.RecordSubscriptionRenewalPayment(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, firstOrder, txn.OrderID)
	assert.Equal(t, transactiondomain.OrderStatusSuccess, txn.OrderStatus)
	assert.Equal(t, int64(100), txn.CreditsGranted)

	balance := f.balance(t, userID)
	assert.Equal(t, int64(200), balance.Paid.Balance)
	assert.True(t, balance.Paid.Start.Equal(feb1))
	assert.True(t, balance.Paid.End.Equal(mar1))

	_, err = f.svc.RecordSubscriptionRenewalPayment(ctx, req)
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)
	assert.Equal(t, int64(200), f.balance(t, userID).Paid.Balance)
	f.assertReplay(t, userID)
}

func TestCancelPurgesPaidBucket(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_d")
	orderID := f.subscribe(t, userID)

	paid := 150.0
	_, err := f.svc.AdjustCredits(ctx, userID, creditdomain.Targets{Paid: &paid}, "support")
	require.NoError(t, err)

	sub, err := f.svc.ProcessSubscriptionCancel(ctx, billingdomain.SubscriptionCancel{PaySubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)

	balance := f.balance(t, userID)
	assert.Equal(t, int64(0), balance.Paid.Balance)
	assert.Equal(t, int64(50), balance.Free.Balance)

	rows := f.usages(t, userID)
	last := rows[len(rows)-1]
	assert.Equal(t, creditdomain.OperationPurge, last.OperationType)
	assert.Equal(t, creditdomain.CreditTypePaid, last.CreditType)
	assert.Equal(t, int64(150), last.CreditsUsed)

	order, err := f.transactions.FindByOrderID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusSuccess, order.OrderStatus)
	require.NotNil(t, order.CancelReason)
	assert.Equal(t, "subscription_canceled", *order.CancelReason)

	_, err = f.svc.ProcessSubscriptionCancel(ctx, billingdomain.SubscriptionCancel{PaySubscriptionID: "sub_1"})
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)
	assert.Len(t, f.usages(t, userID), len(rows))
	f.assertReplay(t, userID)
}

func TestOneTimeRefundNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_e")

	result, err := f.svc.CreateCheckout(ctx, billingdomain.CheckoutRequest{UserID: userID, PriceID: "price_test_pack"})
	require.NoError(t, err)

	_, err = f.svc.CompleteOneTimeCheckout(ctx, billingdomain.OneTimeCheckout{OrderID: result.OrderID, PayTransactionID: "pi_pack"})
	require.NoError(t, err)

	balance := f.balance(t, userID)
	assert.Equal(t, int64(50), balance.OneTimePaid.Balance)
	require.NotNil(t, balance.OneTimePaid.End)
	assert.True(t, balance.OneTimePaid.End.Equal(f.clock.Now().Add(365*24*time.Hour)))

	_, err = f.credits.Consume(ctx, userID, creditdomain.Amounts{OneTimePaid: 20}, creditdomain.ConsumeOptions{Feature: "export"})
	require.NoError(t, err)

	_, err = f.svc.ProcessSubscriptionRefund(ctx, billingdomain.Refund{OrderID: result.OrderID})
	assert.ErrorIs(t, err, billingdomain.ErrTransactionTypeMismatch)

	resolved, err := f.svc.ResolveTransaction(ctx, billingdomain.TransactionRef{PaymentIntentID: "pi_pack"})
	require.NoError(t, err)
	assert.Equal(t, result.OrderID, resolved.OrderID)

	txn, err := f.svc.ProcessOneTimeRefund(ctx, billingdomain.Refund{OrderID: result.OrderID})
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusRefunded, txn.OrderStatus)
	assert.Equal(t, transactiondomain.PaymentStatusRefunded, txn.PaymentStatus)

	balance = f.balance(t, userID)
	assert.Equal(t, int64(0), balance.OneTimePaid.Balance)
	assert.Equal(t, int64(50), balance.OneTimePaid.Limit)

	rows := f.usages(t, userID)
	last := rows[len(rows)-1]
	assert.Equal(t, creditdomain.OperationConsume, last.OperationType)
	assert.Equal(t, int64(30), last.CreditsUsed)
	require.NotNil(t, last.OrderID)
	assert.Equal(t, result.OrderID, *last.OrderID)

	_, err = f.svc.ProcessOneTimeRefund(ctx, billingdomain.Refund{OrderID: result.OrderID})
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)
	f.assertReplay(t, userID)
}

func TestSubscriptionRefundClawsBackUpToGrant(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_sr")
	orderID := f.subscribe(t, userID)

	paid := 250.0
	_, err := f.svc.AdjustCredits(ctx, userID, creditdomain.Targets{Paid: &paid}, "support")
	require.NoError(t, err)

	_, err = f.svc.ProcessSubscriptionRefund(ctx, billingdomain.Refund{OrderID: orderID})
	require.NoError(t, err)
	assert.Equal(t, int64(150), f.balance(t, userID).Paid.Balance)
}

func TestRenewalFailureMarksPastDue(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_f")
	f.subscribe(t, userID)
	f.clock.Set(feb1.Add(time.Hour))

	req := billingdomain.RenewalFailure{
		PaySubscriptionID: "sub_1",
		PayInvoiceID:      "in_2",
		BillingReason:     "subscription_cycle",
		AttemptCount:      1,
		FailureMessage:    "card_declined",
		Amount:            1000,
		Currency:          "usd",
	}
	txn, err := f.svc.RecordRenewalPaymentFailure(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusFailed, txn.OrderStatus)

	sub, err := f.subscriptions.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, sub.Status)

	rows := f.usages(t, userID)
	last := rows[len(rows)-1]
	assert.Equal(t, creditdomain.OperationWatcher, last.OperationType)
	require.NotNil(t, last.OrderID)
	assert.Equal(t, txn.OrderID, *last.OrderID)

	_, err = f.svc.RecordRenewalPaymentFailure(ctx, req)
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)

	req.AttemptCount = 2
	retry, err := f.svc.RecordRenewalPaymentFailure(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, txn.OrderID, retry.OrderID)

	_, err = f.svc.RecordSubscriptionRenewalPayment(ctx, billingdomain.RenewalPayment{
		PaySubscriptionID: "sub_1",
		PayInvoiceID:      "in_2",
		PeriodStart:       feb1,
		PeriodEnd:         mar1,
	})
	require.NoError(t, err)

	sub, err = f.subscriptions.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(200), f.balance(t, userID).Paid.Balance)

	_, err = f.svc.RecordRenewalPaymentFailure(ctx, req)
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)
	f.assertReplay(t, userID)
}

func TestSyncSubscription(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_g")
	f.subscribe(t, userID)

	sub, err := f.svc.SyncSubscription(ctx, billingdomain.SubscriptionSync{
		PaySubscriptionID: "sub_1",
		Status:            "unpaid",
		CancelAtPeriodEnd: true,
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	// incomplete is not reachable from past_due; other fields still sync.
	sub, err = f.svc.SyncSubscription(ctx, billingdomain.SubscriptionSync{
		PaySubscriptionID: "sub_1",
		Status:            "incomplete",
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)

	_, err = f.svc.SyncSubscription(ctx, billingdomain.SubscriptionSync{PaySubscriptionID: "sub_1", Status: "paused"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)

	sub, err = f.svc.SyncSubscription(ctx, billingdomain.SubscriptionSync{PaySubscriptionID: "sub_1", Status: "canceled"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, sub.Status)
	assert.Equal(t, int64(0), f.balance(t, userID).Paid.Balance)
}

func TestCompleteSubscriptionCheckoutRequiresPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	userID := snowflake.ID(12345)
	txn, err := f.transactions.Create(ctx, transactiondomain.CreateRequest{
		UserID:         userID,
		Type:           transactiondomain.TypeSubscription,
		PriceID:        "price_test_monthly",
		CreditsGranted: 100,
	})
	require.NoError(t, err)

	_, err = f.svc.CompleteSubscriptionCheckout(ctx, billingdomain.SubscriptionCheckout{OrderID: txn.OrderID, PaySubscriptionID: "sub_x"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlaceholderNotFound)

	stored, err := f.transactions.FindByOrderID(ctx, txn.OrderID)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusCreated, stored.OrderStatus)
}

func TestFailedStepRollsBackEveryWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A user with a placeholder but no credit row makes the recharge step fail.
	user, err := f.users.CreateAnonymous(ctx, "fp_rollback")
	require.NoError(t, err)
	_, err = f.subscriptions.InitializePlaceholder(ctx, user.ID)
	require.NoError(t, err)
	txn, err := f.transactions.Create(ctx, transactiondomain.CreateRequest{
		UserID:         user.ID,
		Type:           transactiondomain.TypeSubscription,
		PriceID:        "price_test_monthly",
		CreditsGranted: 100,
	})
	require.NoError(t, err)

	_, err = f.svc.CompleteSubscriptionCheckout(ctx, billingdomain.SubscriptionCheckout{
		OrderID:           txn.OrderID,
		PaySubscriptionID: "sub_rb",
		PeriodStart:       jan1,
		PeriodEnd:         feb1,
	})
	assert.ErrorIs(t, err, creditdomain.ErrCreditNotFound)

	stored, err := f.transactions.FindByOrderID(ctx, txn.OrderID)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusCreated, stored.OrderStatus)
	assert.Nil(t, stored.PaySubscriptionID)

	sub, err := f.subscriptions.GetByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, sub.IsPlaceholder())
}

func TestCreateCheckoutRejectsLiveSubscription(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	userID := f.initUser(t, "fp_h")
	f.subscribe(t, userID)

	_, err := f.svc.CreateCheckout(context.Background(), billingdomain.CheckoutRequest{UserID: userID, PriceID: "price_test_monthly"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionActive)

	_, err = f.svc.CreateCheckout(context.Background(), billingdomain.CheckoutRequest{UserID: userID, PriceID: "price_missing"})
	assert.ErrorIs(t, err, billingdomain.ErrPriceNotFound)
}

func TestCreateCheckoutMarksOrderFailedWhenProviderFails(t *testing.T) {
	f := newFixture(t)
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(nil, errors.New("provider down"))
	ctx := context.Background()
	userID := f.initUser(t, "fp_i")

	_, err := f.svc.CreateCheckout(ctx, billingdomain.CheckoutRequest{UserID: userID, PriceID: "price_test_pack"})
	require.Error(t, err)

	page, err := f.transactions.ListByUser(ctx, userID, pagination.Pagination{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, transactiondomain.OrderStatusFailed, page.Transactions[0].OrderStatus)
	f.provider.AssertNumberOfCalls(t, "CreateCustomer", 1)
}

func TestCheckoutCancelAndFail(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_j")

	result, err := f.svc.CreateCheckout(ctx, billingdomain.CheckoutRequest{UserID: userID, PriceID: "price_test_monthly"})
	require.NoError(t, err)

	txn, err := f.svc.CancelCheckout(ctx, result.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusCanceled, txn.OrderStatus)
	require.NotNil(t, txn.CancelReason)
	assert.Equal(t, "checkout_expired", *txn.CancelReason)

	_, err = f.svc.CancelCheckout(ctx, result.OrderID, "")
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)

	_, err = f.svc.CompleteSubscriptionCheckout(ctx, billingdomain.SubscriptionCheckout{OrderID: result.OrderID, PaySubscriptionID: "sub_late"})
	assert.ErrorIs(t, err, transactiondomain.ErrInvalidTransition)

	second, err := f.svc.CreateCheckout(ctx, billingdomain.CheckoutRequest{UserID: userID, PriceID: "price_test_monthly"})
	require.NoError(t, err)
	failed, err := f.svc.FailCheckout(ctx, second.OrderID, "card_declined")
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusPending, failed.OrderStatus)
	assert.Equal(t, transactiondomain.PaymentStatusFailed, failed.PaymentStatus)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "card_declined", *failed.FailureReason)

	_, err = f.svc.FailCheckout(ctx, result.OrderID, "card_declined")
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)
}

func TestFirstInvoiceDeclineThenPaymentSucceeds(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_decline")

	result, err := f.svc.CreateCheckout(ctx, billingdomain.CheckoutRequest{UserID: userID, PriceID: "price_test_monthly"})
	require.NoError(t, err)

	_, err = f.svc.FailCheckout(ctx, result.OrderID, "card_declined")
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, userID).Paid.Balance)

	txn, err := f.svc.CompleteSubscriptionCheckout(ctx, billingdomain.SubscriptionCheckout{
		OrderID:           result.OrderID,
		SessionID:         result.SessionID,
		PaySubscriptionID: "sub_1",
		PayCustomerID:     "cus_1",
		PayInvoiceID:      "in_1",
		PeriodStart:       jan1,
		PeriodEnd:         feb1,
	})
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusSuccess, txn.OrderStatus)
	assert.Equal(t, transactiondomain.PaymentStatusPaid, txn.PaymentStatus)
	assert.Equal(t, int64(100), f.balance(t, userID).Paid.Balance)

	_, err = f.svc.FailCheckout(ctx, result.OrderID, "card_declined")
	assert.ErrorIs(t, err, billingdomain.ErrAlreadyApplied)
	assert.Equal(t, int64(100), f.balance(t, userID).Paid.Balance)
	f.assertReplay(t, userID)
}

func TestRenewalBeforeSubscriptionBound(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()
	userID := f.initUser(t, "fp_early")

	req := billingdomain.RenewalPayment{
		PaySubscriptionID: "sub_1",
		PayInvoiceID:      "in_2",
		PayTransactionID:  "pi_2",
		BillingReason:     "subscription_cycle",
		PeriodStart:       feb1,
		PeriodEnd:         mar1,
	}
	_, err := f.svc.RecordSubscriptionRenewalPayment(ctx, req)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
	assert.Equal(t, int64(0), f.balance(t, userID).Paid.Balance)

	f.subscribe(t, userID)
	f.clock.Set(feb1.Add(time.Hour))

	txn, err := f.svc.RecordSubscriptionRenewalPayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.OrderStatusSuccess, txn.OrderStatus)
	assert.Equal(t, int64(200), f.balance(t, userID).Paid.Balance)
	f.assertReplay(t, userID)
}

func TestUpgradeReissuesFreeGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.initUser(t, "fp_k")

	_, err := f.svc.ConsumeCredits(ctx, userID, 20, "chat")
	require.NoError(t, err)

	account, err := f.svc.UpgradeAnonymousUser(ctx, userID, userdomain.RegisterRequest{Email: "kim@example.com", Name: "Kim"})
	require.NoError(t, err)
	assert.Equal(t, userdomain.UserStatusActive, account.User.Status)
	assert.Equal(t, int64(100), account.Balance.Free.Balance)
	assert.Equal(t, int64(100), account.Balance.Free.Limit)

	_, err = f.svc.UpgradeAnonymousUser(ctx, userID, userdomain.RegisterRequest{Email: "kim@example.com"})
	assert.ErrorIs(t, err, userdomain.ErrAlreadyRegistered)
	assert.Equal(t, int64(100), f.balance(t, userID).Free.Balance)
	f.assertReplay(t, userID)
}

func TestSoftDeleteUser(t *testing.T) {
	f := newFixture(t)
	f.expectSessions()
	ctx := context.Background()

	subscribed := f.initUser(t, "fp_l")
	f.subscribe(t, subscribed)
	_, err := f.svc.SoftDeleteUser(ctx, subscribed)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionActive)

	userID := f.initUser(t, "fp_m")
	user, err := f.svc.SoftDeleteUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, user.IsDeleted())
	assert.Nil(t, user.Fingerprint)
	assert.Equal(t, int64(0), f.balance(t, userID).Total)

	_, err = f.svc.SoftDeleteUser(ctx, userID)
	require.NoError(t, err)
	f.assertReplay(t, userID)
}

func TestConsumeCreditsBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.initUser(t, "fp_n")

	free := 99.0
	_, err := f.svc.AdjustCredits(ctx, userID, creditdomain.Targets{Free: &free}, "support")
	require.NoError(t, err)

	ok, err := f.svc.HasEnoughCredits(ctx, userID, 100)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.ConsumeCredits(ctx, userID, 100, "chat")
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientBalance)
	assert.Equal(t, int64(99), f.balance(t, userID).Free.Balance)

	balance, err := f.svc.ConsumeCredits(ctx, userID, 99, "chat")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Total)
	f.assertReplay(t, userID)
}

func TestCreateCheckoutWithoutProvider(t *testing.T) {
	f := newFixture(t)
	svc := NewService(ServiceParam{
		DB:            f.db,
		Log:           zaptest.NewLogger(t),
		Clock:         f.clock,
		Catalog:       pricing.NewStaticCatalog(testPricing()),
		Users:         f.users,
		Credits:       f.credits,
		Transactions:  f.transactions,
		Subscriptions: f.subscriptions,
	})
	_, err := svc.CreateCheckout(context.Background(), billingdomain.CheckoutRequest{UserID: 1, PriceID: "price_test_pack"})
	assert.ErrorIs(t, err, billingdomain.ErrProviderUnavailable)
}
