package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, status, pay_subscription_id, pay_customer_id, price_id, price_name,
			credits_allocated, sub_period_start, sub_period_end, cancel_at_period_end,
			canceled_at, order_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.UserID,
		subscription.Status,
		subscription.PaySubscriptionID,
		subscription.PayCustomerID,
		subscription.PriceID,
		subscription.PriceName,
		subscription.CreditsAllocated,
		subscription.SubPeriodStart,
		subscription.SubPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.OrderID,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) UpdateFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return take(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return take(pkgdb.ForUpdate(db.WithContext(ctx)).Where("id = ?", id))
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return take(db.WithContext(ctx).Where("user_id = ?", userID))
}

func (r *repo) FindByUserIDForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return take(pkgdb.ForUpdate(db.WithContext(ctx)).Where("user_id = ?", userID))
}

func (r *repo) FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, paySubscriptionID string) (*subscriptiondomain.Subscription, error) {
	return take(pkgdb.ForUpdate(db.WithContext(ctx)).Where("pay_subscription_id = ?", paySubscriptionID))
}

func take(db *gorm.DB) (*subscriptiondomain.Subscription, error) {
	var item subscriptiondomain.Subscription
	if err := db.Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}
