package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	userdomain "github.com/smallbiznis/creditledger/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeBilling struct {
	billingdomain.Service
	mock.Mock
}

func (f *fakeBilling) GetAccount(ctx context.Context, userID snowflake.ID) (*billingdomain.Account, error) {
	args := f.Called(ctx, userID)
	account, _ := args.Get(0).(*billingdomain.Account)
	return account, args.Error(1)
}

func (f *fakeBilling) ConsumeCredits(ctx context.Context, userID snowflake.ID, amount float64, feature string) (creditdomain.Balance, error) {
	args := f.Called(ctx, userID, amount, feature)
	return args.Get(0).(creditdomain.Balance), args.Error(1)
}

func (f *fakeBilling) AdjustCredits(ctx context.Context, userID snowflake.ID, targets creditdomain.Targets, reason string) (creditdomain.Balance, error) {
	args := f.Called(ctx, userID, targets, reason)
	return args.Get(0).(creditdomain.Balance), args.Error(1)
}

func (f *fakeBilling) CreateCheckout(ctx context.Context, req billingdomain.CheckoutRequest) (*billingdomain.CheckoutResult, error) {
	args := f.Called(ctx, req)
	result, _ := args.Get(0).(*billingdomain.CheckoutResult)
	return result, args.Error(1)
}

type fakePayments struct {
	mock.Mock
}

func (f *fakePayments) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	return f.Called(ctx, provider, payload, headers).Error(0)
}

type testServer struct {
	router   *gin.Engine
	billing  *fakeBilling
	payments *fakePayments
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())

	ts := &testServer{router: router, billing: &fakeBilling{}, payments: &fakePayments{}}
	NewServer(ServerParams{
		Gin:        router,
		Cfg:        cfg,
		Log:        zaptest.NewLogger(t),
		BillingSvc: ts.billing,
		PaymentSvc: ts.payments,
	})
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestEngineServesHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := NewEngine(observability.Config{}, zaptest.NewLogger(t), nil)

	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "processed", err: nil, status: http.StatusOK},
		{name: "redelivered", err: paymentdomain.ErrEventAlreadyProcessed, status: http.StatusOK},
		{name: "in flight", err: paymentdomain.ErrEventInFlight, status: http.StatusConflict},
		{name: "bad signature", err: paymentdomain.ErrInvalidSignature, status: http.StatusBadRequest},
		{name: "unknown provider", err: paymentdomain.ErrProviderNotFound, status: http.StatusNotFound},
		{name: "handler failure", err: assert.AnError, status: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{})
			ts.payments.On("IngestWebhook", mock.Anything, "stripe", []byte(`{"id":"evt_1"}`), mock.Anything).Return(tc.err)

			resp := ts.do(http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
			assert.Equal(t, tc.status, resp.Code)
			ts.payments.AssertExpectations(t)
		})
	}
}

func TestConsumeCredits(t *testing.T) {
	userID := snowflake.ID(42)

	t.Run("insufficient balance is payment required", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})
		ts.billing.On("ConsumeCredits", mock.Anything, userID, float64(101), "chat").
			Return(creditdomain.Balance{}, creditdomain.ErrInsufficientBalance)

		resp := ts.do(http.MethodPost, "/v1/users/42/credits/consume", `{"amount":101,"feature":"chat"}`, nil)
		assert.Equal(t, http.StatusPaymentRequired, resp.Code)
		assert.Equal(t, "insufficient_balance", decodeError(t, resp).Type)
	})

	t.Run("non positive amount never reaches the ledger", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})

		resp := ts.do(http.MethodPost, "/v1/users/42/credits/consume", `{"amount":0}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		payload := decodeError(t, resp)
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, "invalid_amount", payload.Errors[0].Code)
		ts.billing.AssertNotCalled(t, "ConsumeCredits", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("returns the new balance", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})
		ts.billing.On("ConsumeCredits", mock.Anything, userID, float64(10), "").
			Return(creditdomain.Balance{UserID: "42", Total: 90}, nil)

		resp := ts.do(http.MethodPost, "/v1/users/42/credits/consume", `{"amount":10}`, nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			Data creditdomain.Balance `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, int64(90), body.Data.Total)
	})
}

func TestGetAccount(t *testing.T) {
	t.Run("rejects malformed id", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})

		resp := ts.do(http.MethodGet, "/v1/users/abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})
		ts.billing.On("GetAccount", mock.Anything, snowflake.ID(7)).Return(nil, userdomain.ErrUserNotFound)

		resp := ts.do(http.MethodGet, "/v1/users/7", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("renders user and subscription", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})
		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)
		ts.billing.On("GetAccount", mock.Anything, snowflake.ID(7)).Return(&billingdomain.Account{
			User:    &userdomain.User{ID: 7, Status: userdomain.UserStatusActive, CreatedAt: start},
			Balance: creditdomain.Balance{UserID: "7", Total: 150},
			Subscription: &subscriptiondomain.Subscription{
				ID:               9,
				Status:           subscriptiondomain.SubscriptionStatusActive,
				PriceID:          "price_monthly",
				CreditsAllocated: 100,
				SubPeriodStart:   &start,
				SubPeriodEnd:     &end,
			},
		}, nil)

		resp := ts.do(http.MethodGet, "/v1/users/7", "", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			Data struct {
				User         userView          `json:"user"`
				Subscription *subscriptionView `json:"subscription"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "7", body.Data.User.ID)
		assert.Equal(t, "active", body.Data.User.Status)
		require.NotNil(t, body.Data.Subscription)
		assert.Equal(t, int64(100), body.Data.Subscription.CreditsAllocated)
		assert.Equal(t, end, body.Data.Subscription.PeriodEnd.UTC())
	})
}

func TestAdminRoutes(t *testing.T) {
	body := `{"paid":150,"reason":"support"}`

	t.Run("disabled without configured token", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})

		resp := ts.do(http.MethodPost, "/v1/admin/users/42/credits/adjust", body, map[string]string{headerAdminToken: "anything"})
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		ts := newTestServer(t, config.Config{AdminToken: "s3cret"})

		resp := ts.do(http.MethodPost, "/v1/admin/users/42/credits/adjust", body, map[string]string{"Authorization": "Bearer nope"})
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
		ts.billing.AssertNotCalled(t, "AdjustCredits", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("adjusts with bearer token", func(t *testing.T) {
		ts := newTestServer(t, config.Config{AdminToken: "s3cret"})
		paid := float64(150)
		ts.billing.On("AdjustCredits", mock.Anything, snowflake.ID(42), creditdomain.Targets{Paid: &paid}, "support").
			Return(creditdomain.Balance{UserID: "42", Total: 150}, nil)

		resp := ts.do(http.MethodPost, "/v1/admin/users/42/credits/adjust", body, map[string]string{"Authorization": "Bearer s3cret"})
		assert.Equal(t, http.StatusOK, resp.Code)
		ts.billing.AssertExpectations(t)
	})
}

func TestCreateCheckout(t *testing.T) {
	t.Run("requires price or plan", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})

		resp := ts.do(http.MethodPost, "/v1/checkout", `{"user_id":"42"}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("live subscription conflicts", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})
		ts.billing.On("CreateCheckout", mock.Anything, billingdomain.CheckoutRequest{UserID: 42, PriceID: "price_monthly"}).
			Return(nil, subscriptiondomain.ErrSubscriptionActive)

		resp := ts.do(http.MethodPost, "/v1/checkout", `{"user_id":"42","price_id":"price_monthly"}`, nil)
		assert.Equal(t, http.StatusConflict, resp.Code)
	})

	t.Run("returns the session", func(t *testing.T) {
		ts := newTestServer(t, config.Config{})
		ts.billing.On("CreateCheckout", mock.Anything, billingdomain.CheckoutRequest{UserID: 42, Plan: "pro", BillingCycle: "monthly"}).
			Return(&billingdomain.CheckoutResult{OrderID: "ord_1", SessionID: "cs_ord_1", URL: "https://pay.example/cs_ord_1"}, nil)

		resp := ts.do(http.MethodPost, "/v1/checkout", `{"user_id":"42","plan":"pro","billing_cycle":"monthly"}`, nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			Data billingdomain.CheckoutResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "cs_ord_1", body.Data.SessionID)
	})
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(creditdomain.ErrInsufficientLimit)
	assert.Equal(t, "insufficient_limit", typ)
	assert.Equal(t, "insufficient_limit", code)

	typ, code = classifyErrorForLog(assert.AnError)
	assert.Equal(t, "internal_error", typ)
	assert.Empty(t, code)
}
