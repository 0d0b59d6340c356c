package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/creditledger/internal/clock"
	transactiondomain "github.com/smallbiznis/creditledger/internal/transaction/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"github.com/smallbiznis/creditledger/pkg/db/option"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/smallbiznis/creditledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID           *snowflake.Node
	clock           clock.Clock
	repo            transactiondomain.Repository
	transactionRepo repository.Repository[transactiondomain.Transaction]
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  transactiondomain.Repository
}

func NewService(p ServiceParam) transactiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("transaction.service"),

		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		transactionRepo: repository.ProvideStore[transactiondomain.Transaction](p.DB),
	}
}

// NewOrderID returns a sortable business key for a purchase attempt.
func NewOrderID() string {
	return "ord_" + ulid.Make().String()
}

func (s *Service) WithTx(tx *gorm.DB) transactiondomain.Service {
	clone := *s
	clone.db = tx
	clone.transactionRepo = s.transactionRepo.WithTrx(tx)
	return &clone
}

func (s *Service) Create(ctx context.Context, req transactiondomain.CreateRequest) (*transactiondomain.Transaction, error) {
	if req.UserID == 0 {
		return nil, transactiondomain.ErrInvalidUser
	}
	switch req.Type {
	case transactiondomain.TypeSubscription, transactiondomain.TypeOneTime:
	default:
		return nil, transactiondomain.ErrInvalidType
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = NewOrderID()
	}
	orderStatus := req.OrderStatus
	if orderStatus == "" {
		orderStatus = transactiondomain.OrderStatusCreated
	}
	paymentStatus := req.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = transactiondomain.PaymentStatusUnpaid
	}

	now := s.clock.Now()
	t := &transactiondomain.Transaction{
		ID:                s.genID.Generate(),
		OrderID:           orderID,
		UserID:            req.UserID,
		Type:              req.Type,
		OrderStatus:       orderStatus,
		PaymentStatus:     paymentStatus,
		PriceID:           req.PriceID,
		PriceName:         req.PriceName,
		Amount:            req.Amount,
		Currency:          strings.ToLower(req.Currency),
		CreditsGranted:    req.CreditsGranted,
		BillingReason:     req.BillingReason,
		PaySessionID:      optionalString(req.PaySessionID),
		PaySubscriptionID: optionalString(req.PaySubscriptionID),
		PayTransactionID:  optionalString(req.PayTransactionID),
		PayInvoiceID:      optionalString(req.PayInvoiceID),
		SubPeriodStart:    req.SubPeriodStart,
		SubPeriodEnd:      req.SubPeriodEnd,
		PaidAt:            req.PaidAt,
		FailureReason:     optionalString(req.FailureReason),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if len(req.Metadata) > 0 {
		t.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.repo.Insert(ctx, s.db, t); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, transactiondomain.ErrDuplicateTransaction
		}
		return nil, err
	}
	return t, nil
}

func (s *Service) Update(ctx context.Context, orderID string, patch transactiondomain.Patch) (*transactiondomain.Transaction, error) {
	var out *transactiondomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if t.OrderStatus.IsTerminal() && touchesBusinessFields(patch) {
			return transactiondomain.ErrTransactionImmutable
		}

		fields := s.fields(t, patch)
		if err := s.repo.UpdateFields(ctx, tx, t.OrderID, fields); err != nil {
			return err
		}
		out, err = s.repo.FindByOrderID(ctx, tx, t.OrderID)
		return err
	})
	return out, err
}

// UpdateStatus moves the order along its state machine and merges patch in the
// same write. Repeating the current status is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, status transactiondomain.OrderStatus, patch *transactiondomain.Patch) (*transactiondomain.Transaction, error) {
	var out *transactiondomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if t.OrderStatus == status {
			out = t
			return nil
		}
		if !transactiondomain.CanTransition(t.OrderStatus, status) {
			return transactiondomain.ErrInvalidTransition
		}

		var p transactiondomain.Patch
		if patch != nil {
			p = *patch
		}
		fields := s.fields(t, p)
		fields["order_status"] = status

		if err := s.repo.UpdateFields(ctx, tx, t.OrderID, fields); err != nil {
			return err
		}
		s.log.Debug("transaction status changed",
			zap.String("order_id", t.OrderID),
			zap.String("from", string(t.OrderStatus)),
			zap.String("to", string(status)),
		)
		out, err = s.repo.FindByOrderID(ctx, tx, t.OrderID)
		return err
	})
	return out, err
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, orderID string) (*transactiondomain.Transaction, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, transactiondomain.ErrInvalidOrderID
	}
	t, err := s.repo.FindByOrderIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, transactiondomain.ErrTransactionNotFound
	}
	return t, nil
}

func (s *Service) fields(t *transactiondomain.Transaction, p transactiondomain.Patch) map[string]any {
	fields := map[string]any{"updated_at": s.clock.Now()}
	if p.PaymentStatus != nil {
		fields["payment_status"] = *p.PaymentStatus
	}
	if p.PaySessionID != nil {
		fields["pay_session_id"] = *p.PaySessionID
	}
	if p.PaySubscriptionID != nil {
		fields["pay_subscription_id"] = *p.PaySubscriptionID
	}
	if p.PayTransactionID != nil {
		fields["pay_transaction_id"] = *p.PayTransactionID
	}
	if p.PayInvoiceID != nil {
		fields["pay_invoice_id"] = *p.PayInvoiceID
	}
	if p.SubPeriodStart != nil {
		fields["sub_period_start"] = *p.SubPeriodStart
	}
	if p.SubPeriodEnd != nil {
		fields["sub_period_end"] = *p.SubPeriodEnd
	}
	if p.PaidAt != nil {
		fields["paid_at"] = *p.PaidAt
	}
	if p.RefundedAt != nil {
		fields["refunded_at"] = *p.RefundedAt
	}
	if p.FailureReason != nil {
		fields["failure_reason"] = *p.FailureReason
	}
	if p.CanceledAt != nil {
		fields["canceled_at"] = *p.CanceledAt
	}
	if p.CancelReason != nil {
		fields["cancel_reason"] = *p.CancelReason
	}
	if len(p.Metadata) > 0 {
		merged := datatypes.JSONMap{}
		for k, v := range t.Metadata {
			merged[k] = v
		}
		for k, v := range p.Metadata {
			merged[k] = v
		}
		fields["metadata"] = merged
	}
	return fields
}

func touchesBusinessFields(p transactiondomain.Patch) bool {
	return p.PaymentStatus != nil ||
		p.PaySessionID != nil ||
		p.PaySubscriptionID != nil ||
		p.PayTransactionID != nil ||
		p.PayInvoiceID != nil ||
		p.SubPeriodStart != nil ||
		p.SubPeriodEnd != nil ||
		p.PaidAt != nil ||
		p.RefundedAt != nil ||
		p.FailureReason != nil
}

func (s *Service) FindByOrderID(ctx context.Context, orderID string) (*transactiondomain.Transaction, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, transactiondomain.ErrInvalidOrderID
	}
	return found(s.repo.FindByOrderID(ctx, s.db, orderID))
}

func (s *Service) FindByOrderIDForUpdate(ctx context.Context, orderID string) (*transactiondomain.Transaction, error) {
	return s.lock(ctx, s.db, orderID)
}

func (s *Service) FindByProviderSessionID(ctx context.Context, sessionID string) (*transactiondomain.Transaction, error) {
	return s.findBy(ctx, "pay_session_id", sessionID)
}

func (s *Service) FindByProviderTransactionID(ctx context.Context, transactionID string) (*transactiondomain.Transaction, error) {
	return s.findBy(ctx, "pay_transaction_id", transactionID)
}

func (s *Service) FindByProviderInvoiceID(ctx context.Context, invoiceID string) (*transactiondomain.Transaction, error) {
	return s.findBy(ctx, "pay_invoice_id", invoiceID)
}

func (s *Service) findBy(ctx context.Context, column, value string) (*transactiondomain.Transaction, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, transactiondomain.ErrInvalidProviderID
	}
	return found(s.repo.FindLatestBy(ctx, s.db, column, value))
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID, page pagination.Pagination) (transactiondomain.ListResponse, error) {
	if userID == 0 {
		return transactiondomain.ListResponse{}, transactiondomain.ErrInvalidUser
	}
	pageSize := page.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	page.PageSize = pageSize

	items, err := s.transactionRepo.Find(ctx, &transactiondomain.Transaction{UserID: userID},
		option.ApplyPagination(page),
		option.WithSortBy(option.QuerySortBy{Field: "id", Desc: true, Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return transactiondomain.ListResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(t *transactiondomain.Transaction) string {
		return t.ID.String()
	})
	out := make([]transactiondomain.Transaction, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return transactiondomain.ListResponse{Transactions: out, PageInfo: pageInfo}, nil
}

func found(t *transactiondomain.Transaction, err error) (*transactiondomain.Transaction, error) {
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, transactiondomain.ErrTransactionNotFound
	}
	return t, nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
