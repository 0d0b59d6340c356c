package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/pkg/db/option"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/smallbiznis/creditledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      creditdomain.Repository
	usageRepo repository.Repository[creditdomain.CreditUsage]
	metrics   *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    creditdomain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) creditdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("credit.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		usageRepo: repository.ProvideStore[creditdomain.CreditUsage](p.DB),
		metrics:   p.Metrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) creditdomain.Service {
	clone := *s
	clone.db = tx
	clone.usageRepo = s.usageRepo.WithTrx(tx)
	return &clone
}

// mutation computes the new bucket values on a locked row and the audit rows
// describing the change.
type mutation func(credit *creditdomain.Credit, now time.Time) ([]creditdomain.CreditUsage, error)

func (s *Service) mutate(ctx context.Context, userID snowflake.ID, fn mutation) (*creditdomain.Credit, error) {
	if userID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}

	var (
		out    *creditdomain.Credit
		usages []creditdomain.CreditUsage
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if credit == nil {
			return creditdomain.ErrCreditNotFound
		}

		now := s.clock.Now()
		usages, err = fn(credit, now)
		if err != nil {
			return err
		}

		credit.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, credit); err != nil {
			return err
		}
		if err := s.insertUsages(ctx, tx, userID, now, usages); err != nil {
			return err
		}
		out = credit
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, usages)
	return out, nil
}

func (s *Service) insertUsages(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time, usages []creditdomain.CreditUsage) error {
	for i := range usages {
		usages[i].ID = s.genID.Generate()
		usages[i].UserID = userID
		usages[i].CreatedAt = now
	}
	return s.repo.InsertUsages(ctx, tx, usages)
}

func (s *Service) record(ctx context.Context, usages []creditdomain.CreditUsage) {
	for _, u := range usages {
		s.metrics.RecordCreditMutation(ctx, string(u.CreditType), string(u.OperationType), u.CreditsUsed)
	}
}

func usage(ct creditdomain.CreditType, op creditdomain.OperationType, n int64, feature, orderID string) creditdomain.CreditUsage {
	u := creditdomain.CreditUsage{
		CreditType:    ct,
		OperationType: op,
		CreditsUsed:   n,
		Feature:       strings.TrimSpace(feature),
	}
	if id := strings.TrimSpace(orderID); id != "" {
		u.OrderID = &id
	}
	return u
}

func (s *Service) InitAnonymousFree(ctx context.Context, userID snowflake.ID, grant creditdomain.FreeGrant) (*creditdomain.Credit, error) {
	return s.grantFree(ctx, userID, grant, false)
}

func (s *Service) ReissueFreeOnUpgrade(ctx context.Context, userID snowflake.ID, grant creditdomain.FreeGrant) (*creditdomain.Credit, error) {
	return s.grantFree(ctx, userID, grant, true)
}

// grantFree upserts the credit row and sets the free bucket from scratch. With
// purgeFirst the previous grant is purged before the new one is recharged, so
// the audit trail shows both steps.
func (s *Service) grantFree(ctx context.Context, userID snowflake.ID, grant creditdomain.FreeGrant, purgeFirst bool) (*creditdomain.Credit, error) {
	if userID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	if grant.Credits < 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	if !grant.Window.End.IsZero() && !grant.Window.End.After(grant.Window.Start) {
		return nil, creditdomain.ErrInvalidWindow
	}

	var (
		out    *creditdomain.Credit
		usages []creditdomain.CreditUsage
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.repo.InsertIfAbsent(ctx, tx, &creditdomain.Credit{
			ID:        s.genID.Generate(),
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		credit, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if credit == nil {
			return creditdomain.ErrCreditNotFound
		}

		prev := credit.Bucket(creditdomain.CreditTypeFree)
		if purgeFirst && prev.Balance > 0 {
			usages = append(usages, usage(creditdomain.CreditTypeFree, creditdomain.OperationPurge, prev.Balance, "free_reissue", ""))
			prev.Balance = 0
		}

		switch delta := grant.Credits - prev.Balance; {
		case delta > 0:
			usages = append(usages, usage(creditdomain.CreditTypeFree, creditdomain.OperationRecharge, delta, "free_grant", ""))
		case delta < 0:
			usages = append(usages, usage(creditdomain.CreditTypeFree, creditdomain.OperationAdjustDecrease, -delta, "free_grant", ""))
		}

		next := creditdomain.Bucket{Balance: grant.Credits, Limit: grant.Credits}
		if !grant.Window.Start.IsZero() {
			start := grant.Window.Start
			next.Start = &start
		}
		if !grant.Window.End.IsZero() {
			end := grant.Window.End
			next.End = &end
		}
		credit.SetBucket(creditdomain.CreditTypeFree, next)
		credit.UpdatedAt = now

		if err := s.repo.Save(ctx, tx, credit); err != nil {
			return err
		}
		if err := s.insertUsages(ctx, tx, userID, now, usages); err != nil {
			return err
		}
		out = credit
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, usages)
	return out, nil
}

func (s *Service) Recharge(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, opts creditdomain.RechargeOptions) (*creditdomain.Credit, error) {
	deltas, err := amounts.Normalize()
	if err != nil {
		return nil, err
	}
	limits := deltas
	if opts.LimitAdjustments != nil {
		limits, err = normalizeLimits(*opts.LimitAdjustments)
		if err != nil {
			return nil, err
		}
	}
	if opts.Window != nil && !opts.Window.End.After(opts.Window.Start) {
		return nil, creditdomain.ErrInvalidWindow
	}

	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, _ time.Time) ([]creditdomain.CreditUsage, error) {
		var rows []creditdomain.CreditUsage
		for _, ct := range creditdomain.CreditTypes {
			n := deltas.Get(ct)
			b := credit.Bucket(ct)
			if n == 0 {
				// A limit adjustment alone widens the bucket without crediting it.
				if l := limits.Get(ct); l > 0 {
					b.Limit += l
					credit.SetBucket(ct, b)
				}
				continue
			}
			b.Balance += n
			b.Limit += limits.Get(ct)
			if b.Limit < b.Balance {
				b.Limit = b.Balance
			}
			if opts.Window != nil {
				start, end := opts.Window.Start, opts.Window.End
				b.Start, b.End = &start, &end
			}
			credit.SetBucket(ct, b)
			rows = append(rows, usage(ct, creditdomain.OperationRecharge, n, opts.Feature, opts.OrderID))
		}
		return rows, nil
	})
}

func (s *Service) Consume(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, opts creditdomain.ConsumeOptions) (*creditdomain.Credit, error) {
	deltas, err := amounts.Normalize()
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, now time.Time) ([]creditdomain.CreditUsage, error) {
		return decrement(credit, now, deltas, creditdomain.OperationConsume, opts.Feature, opts.OrderID)
	})
}

func (s *Service) Freeze(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, reason string) (*creditdomain.Credit, error) {
	deltas, err := amounts.Normalize()
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, now time.Time) ([]creditdomain.CreditUsage, error) {
		return decrement(credit, now, deltas, creditdomain.OperationFreeze, reason, "")
	})
}

// decrement lowers balances without touching limits. Every requested bucket is
// checked against its effective balance before any is written.
func decrement(credit *creditdomain.Credit, now time.Time, deltas creditdomain.Deltas, op creditdomain.OperationType, feature, orderID string) ([]creditdomain.CreditUsage, error) {
	for _, ct := range creditdomain.CreditTypes {
		if n := deltas.Get(ct); n > credit.Bucket(ct).Effective(now) {
			return nil, creditdomain.ErrInsufficientBalance
		}
	}

	var rows []creditdomain.CreditUsage
	for _, ct := range creditdomain.CreditTypes {
		n := deltas.Get(ct)
		if n == 0 {
			continue
		}
		b := credit.Bucket(ct)
		b.Balance -= n
		credit.SetBucket(ct, b)
		rows = append(rows, usage(ct, op, n, feature, orderID))
	}
	return rows, nil
}

func (s *Service) Spend(ctx context.Context, userID snowflake.ID, amount float64, feature string) (*creditdomain.Credit, error) {
	n, err := creditdomain.NormalizeAmount(amount)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, creditdomain.ErrNoOpRequest
	}

	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, now time.Time) ([]creditdomain.CreditUsage, error) {
		var plan creditdomain.Deltas
		remaining := n
		for _, ct := range creditdomain.CreditTypes {
			if remaining == 0 {
				break
			}
			take := min(credit.Bucket(ct).Effective(now), remaining)
			switch ct {
			case creditdomain.CreditTypeFree:
				plan.Free = take
			case creditdomain.CreditTypePaid:
				plan.Paid = take
			case creditdomain.CreditTypeOneTimePaid:
				plan.OneTimePaid = take
			}
			remaining -= take
		}
		if remaining > 0 {
			return nil, creditdomain.ErrInsufficientBalance
		}
		return decrement(credit, now, plan, creditdomain.OperationConsume, feature, "")
	})
}

func (s *Service) Unfreeze(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, reason string) (*creditdomain.Credit, error) {
	deltas, err := amounts.Normalize()
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, _ time.Time) ([]creditdomain.CreditUsage, error) {
		for _, ct := range creditdomain.CreditTypes {
			b := credit.Bucket(ct)
			if b.Balance+deltas.Get(ct) > b.Limit {
				return nil, creditdomain.ErrInsufficientLimit
			}
		}

		var rows []creditdomain.CreditUsage
		for _, ct := range creditdomain.CreditTypes {
			n := deltas.Get(ct)
			if n == 0 {
				continue
			}
			b := credit.Bucket(ct)
			b.Balance += n
			credit.SetBucket(ct, b)
			rows = append(rows, usage(ct, creditdomain.OperationUnfreeze, n, reason, ""))
		}
		return rows, nil
	})
}

func (s *Service) Refund(ctx context.Context, userID snowflake.ID, amounts creditdomain.Amounts, orderID string, opts creditdomain.RefundOptions) (*creditdomain.Credit, error) {
	deltas, err := amounts.Normalize()
	if err != nil {
		return nil, err
	}
	limits := deltas
	if opts.LimitAdjustments != nil {
		limits, err = normalizeLimits(*opts.LimitAdjustments)
		if err != nil {
			return nil, err
		}
	}

	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, _ time.Time) ([]creditdomain.CreditUsage, error) {
		for _, ct := range creditdomain.CreditTypes {
			b := credit.Bucket(ct)
			if limits.Get(ct) > b.Limit {
				return nil, creditdomain.ErrInsufficientLimit
			}
			if deltas.Get(ct) > b.Balance {
				return nil, creditdomain.ErrInsufficientBalance
			}
			if b.Balance-deltas.Get(ct) > b.Limit-limits.Get(ct) {
				return nil, creditdomain.ErrInsufficientLimit
			}
		}

		var rows []creditdomain.CreditUsage
		for _, ct := range creditdomain.CreditTypes {
			n := deltas.Get(ct)
			l := limits.Get(ct)
			if n == 0 && l == 0 {
				continue
			}
			b := credit.Bucket(ct)
			b.Balance -= n
			b.Limit -= l
			credit.SetBucket(ct, b)
			if n > 0 {
				rows = append(rows, usage(ct, creditdomain.OperationRefund, n, "refund", orderID))
			}
		}
		return rows, nil
	})
}

func (s *Service) AdjustAbsolute(ctx context.Context, userID snowflake.ID, targets creditdomain.Targets, reason string) (*creditdomain.Credit, error) {
	values, err := targets.Normalize()
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, _ time.Time) ([]creditdomain.CreditUsage, error) {
		var rows []creditdomain.CreditUsage
		for _, ct := range creditdomain.CreditTypes {
			target, ok := values[ct]
			if !ok {
				continue
			}
			b := credit.Bucket(ct)
			delta := target - b.Balance
			if delta == 0 {
				continue
			}
			b.Balance = target
			if b.Limit < target {
				b.Limit = target
			}
			credit.SetBucket(ct, b)

			op := creditdomain.OperationAdjustIncrease
			if delta < 0 {
				op, delta = creditdomain.OperationAdjustDecrease, -delta
			}
			rows = append(rows, usage(ct, op, delta, reason, ""))
		}
		if len(rows) == 0 {
			return nil, creditdomain.ErrNoOpRequest
		}
		return rows, nil
	})
}

func (s *Service) PurgeFree(ctx context.Context, userID snowflake.ID, reason string) (*creditdomain.Credit, error) {
	return s.purge(ctx, userID, reason, creditdomain.CreditTypeFree)
}

func (s *Service) PurgePaid(ctx context.Context, userID snowflake.ID, reason string) (*creditdomain.Credit, error) {
	return s.purge(ctx, userID, reason, creditdomain.CreditTypePaid)
}

func (s *Service) PurgeAll(ctx context.Context, userID snowflake.ID, reason string) (*creditdomain.Credit, error) {
	return s.purge(ctx, userID, reason, creditdomain.CreditTypes...)
}

func (s *Service) purge(ctx context.Context, userID snowflake.ID, reason string, types ...creditdomain.CreditType) (*creditdomain.Credit, error) {
	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, _ time.Time) ([]creditdomain.CreditUsage, error) {
		var rows []creditdomain.CreditUsage
		for _, ct := range types {
			b := credit.Bucket(ct)
			if b.Balance > 0 {
				rows = append(rows, usage(ct, creditdomain.OperationPurge, b.Balance, reason, ""))
			}
			credit.SetBucket(ct, creditdomain.Bucket{})
		}
		return rows, nil
	})
}

func (s *Service) StampWindow(ctx context.Context, userID snowflake.ID, creditType creditdomain.CreditType, window creditdomain.Window) (*creditdomain.Credit, error) {
	if !validCreditType(creditType) {
		return nil, creditdomain.ErrInvalidCreditType
	}
	if !window.End.After(window.Start) {
		return nil, creditdomain.ErrInvalidWindow
	}

	return s.mutate(ctx, userID, func(credit *creditdomain.Credit, _ time.Time) ([]creditdomain.CreditUsage, error) {
		b := credit.Bucket(creditType)
		start, end := window.Start, window.End
		b.Start, b.End = &start, &end
		credit.SetBucket(creditType, b)
		return nil, nil
	})
}

// RecordWatcher appends a zero-amount marker row, used to flag events such as
// a failed renewal without moving any balance.
func (s *Service) RecordWatcher(ctx context.Context, userID snowflake.ID, creditType creditdomain.CreditType, orderID, feature string) error {
	if userID == 0 {
		return creditdomain.ErrInvalidUser
	}
	if !validCreditType(creditType) {
		return creditdomain.ErrInvalidCreditType
	}

	rows := []creditdomain.CreditUsage{usage(creditType, creditdomain.OperationWatcher, 0, feature, orderID)}
	if err := s.insertUsages(ctx, s.db, userID, s.clock.Now(), rows); err != nil {
		return err
	}
	s.record(ctx, rows)
	return nil
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (creditdomain.Balance, error) {
	credit, err := s.find(ctx, userID)
	if err != nil {
		return creditdomain.Balance{}, err
	}
	return creditdomain.BalanceOf(credit, s.clock.Now()), nil
}

func (s *Service) GetTotalBalance(ctx context.Context, userID snowflake.ID) (int64, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return balance.Total, nil
}

func (s *Service) HasEnoughCredits(ctx context.Context, userID snowflake.ID, amount float64) (bool, error) {
	n, err := creditdomain.NormalizeAmount(amount)
	if err != nil {
		return false, err
	}
	total, err := s.GetTotalBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return total >= n, nil
}

func (s *Service) ListUsage(ctx context.Context, userID snowflake.ID, page pagination.Pagination) (creditdomain.ListUsageResponse, error) {
	if userID == 0 {
		return creditdomain.ListUsageResponse{}, creditdomain.ErrInvalidUser
	}

	pageSize := page.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	page.PageSize = pageSize

	items, err := s.usageRepo.Find(ctx, &creditdomain.CreditUsage{UserID: userID},
		option.ApplyPagination(page),
		option.WithSortBy(option.QuerySortBy{Field: "id", Desc: true, Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return creditdomain.ListUsageResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(u *creditdomain.CreditUsage) string {
		return u.ID.String()
	})

	usages := make([]creditdomain.CreditUsage, 0, len(items))
	for _, item := range items {
		usages = append(usages, *item)
	}
	return creditdomain.ListUsageResponse{Usages: usages, PageInfo: pageInfo}, nil
}

func (s *Service) find(ctx context.Context, userID snowflake.ID) (*creditdomain.Credit, error) {
	if userID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	credit, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if credit == nil {
		return nil, creditdomain.ErrCreditNotFound
	}
	return credit, nil
}

// normalizeLimits accepts an all-zero adjustment, which means "leave limits alone".
func normalizeLimits(a creditdomain.Amounts) (creditdomain.Deltas, error) {
	d, err := a.Normalize()
	if err == creditdomain.ErrNoOpRequest {
		return creditdomain.Deltas{}, nil
	}
	return d, err
}

func validCreditType(t creditdomain.CreditType) bool {
	for _, ct := range creditdomain.CreditTypes {
		if ct == t {
			return true
		}
	}
	return false
}
