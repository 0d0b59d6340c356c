package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) WithTx(tx *gorm.DB) subscriptiondomain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) InitializePlaceholder(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if existing == nil {
			item := &subscriptiondomain.Subscription{
				ID:        s.genID.Generate(),
				UserID:    userID,
				Status:    subscriptiondomain.SubscriptionStatusIncomplete,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.repo.Insert(ctx, tx, item); err != nil {
				return err
			}
			out = item
			return nil
		}

		switch {
		case existing.IsPlaceholder():
			out = existing
			return nil
		case existing.Status != subscriptiondomain.SubscriptionStatusCanceled:
			return subscriptiondomain.ErrSubscriptionActive
		}

		// A canceled row becomes the next placeholder; history lives on the transactions.
		if err := s.repo.UpdateFields(ctx, tx, existing.ID, map[string]any{
			"status":               subscriptiondomain.SubscriptionStatusIncomplete,
			"pay_subscription_id":  gorm.Expr("NULL"),
			"price_id":             "",
			"price_name":           "",
			"credits_allocated":    0,
			"sub_period_start":     gorm.Expr("NULL"),
			"sub_period_end":       gorm.Expr("NULL"),
			"cancel_at_period_end": false,
			"canceled_at":          gorm.Expr("NULL"),
			"order_id":             gorm.Expr("NULL"),
			"updated_at":           now,
		}); err != nil {
			return err
		}
		out, err = s.repo.FindByID(ctx, tx, existing.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Update(ctx context.Context, id snowflake.ID, patch subscriptiondomain.Patch) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateFields(ctx, tx, item.ID, s.fields(patch)); err != nil {
			return err
		}
		out, err = s.repo.FindByID(ctx, tx, item.ID)
		return err
	})
	return out, err
}

func (s *Service) UpdateStatus(ctx context.Context, id snowflake.ID, status subscriptiondomain.SubscriptionStatus, patch *subscriptiondomain.Patch) (*subscriptiondomain.Subscription, error) {
	if _, ok := subscriptiondomain.ParseStatus(string(status)); !ok {
		return nil, subscriptiondomain.ErrInvalidStatus
	}

	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status != status && !subscriptiondomain.CanTransition(item.Status, status) {
			return subscriptiondomain.ErrInvalidTransition
		}

		var p subscriptiondomain.Patch
		if patch != nil {
			p = *patch
		}
		fields := s.fields(p)
		fields["status"] = status
		if status == subscriptiondomain.SubscriptionStatusCanceled && p.CanceledAt == nil {
			fields["canceled_at"] = s.clock.Now()
		}

		if err := s.repo.UpdateFields(ctx, tx, item.ID, fields); err != nil {
			return err
		}
		if item.Status != status {
			s.log.Info("subscription status changed",
				zap.String("subscription_id", item.ID.String()),
				zap.String("from", string(item.Status)),
				zap.String("to", string(status)),
			)
		}
		out, err = s.repo.FindByID(ctx, tx, item.ID)
		return err
	})
	return out, err
}

// Cancel ends the subscription now, or flags it to end with the current period.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID, atPeriodEnd bool) (*subscriptiondomain.Subscription, error) {
	if atPeriodEnd {
		flag := true
		return s.Update(ctx, id, subscriptiondomain.Patch{CancelAtPeriodEnd: &flag})
	}
	return s.UpdateStatus(ctx, id, subscriptiondomain.SubscriptionStatusCanceled, nil)
}

func (s *Service) GetByUserID(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	item, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return item, nil
}

func (s *Service) GetActive(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	item, err := s.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !item.Status.IsLive() {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return item, nil
}

func (s *Service) FindAnonymousPlaceholder(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	item, err := s.repo.FindByUserIDForUpdate(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if item == nil || !item.IsPlaceholder() {
		return nil, subscriptiondomain.ErrPlaceholderNotFound
	}
	return item, nil
}

func (s *Service) FindByProviderSubscriptionID(ctx context.Context, paySubscriptionID string) (*subscriptiondomain.Subscription, error) {
	paySubscriptionID = strings.TrimSpace(paySubscriptionID)
	if paySubscriptionID == "" {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	item, err := s.repo.FindByProviderSubscriptionID(ctx, s.db, paySubscriptionID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return item, nil
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if id == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	item, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return item, nil
}

func (s *Service) fields(p subscriptiondomain.Patch) map[string]any {
	fields := map[string]any{"updated_at": s.clock.Now()}
	if p.PaySubscriptionID != nil {
		fields["pay_subscription_id"] = *p.PaySubscriptionID
	}
	if p.PayCustomerID != nil {
		fields["pay_customer_id"] = *p.PayCustomerID
	}
	if p.PriceID != nil {
		fields["price_id"] = *p.PriceID
	}
	if p.PriceName != nil {
		fields["price_name"] = *p.PriceName
	}
	if p.CreditsAllocated != nil {
		fields["credits_allocated"] = *p.CreditsAllocated
	}
	if p.SubPeriodStart != nil {
		fields["sub_period_start"] = *p.SubPeriodStart
	}
	if p.SubPeriodEnd != nil {
		fields["sub_period_end"] = *p.SubPeriodEnd
	}
	if p.CancelAtPeriodEnd != nil {
		fields["cancel_at_period_end"] = *p.CancelAtPeriodEnd
	}
	if p.CanceledAt != nil {
		fields["canceled_at"] = *p.CanceledAt
	}
	if p.OrderID != nil {
		fields["order_id"] = *p.OrderID
	}
	return fields
}
