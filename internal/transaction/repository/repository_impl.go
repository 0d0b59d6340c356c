package repository

import (
	"context"
	"errors"

	transactiondomain "github.com/smallbiznis/creditledger/internal/transaction/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() transactiondomain.Repository {
	return &repo{}
}

var lookupColumns = map[string]bool{
	"pay_session_id":      true,
	"pay_subscription_id": true,
	"pay_transaction_id":  true,
	"pay_invoice_id":      true,
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, t *transactiondomain.Transaction) error {
	return db.WithContext(ctx).Create(t).Error
}

func (r *repo) UpdateFields(ctx context.Context, db *gorm.DB, orderID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&transactiondomain.Transaction{}).
		Where("order_id = ?", orderID).
		Updates(fields).Error
}

func (r *repo) FindByOrderID(ctx context.Context, db *gorm.DB, orderID string) (*transactiondomain.Transaction, error) {
	return first(db.WithContext(ctx).Where("order_id = ?", orderID))
}

func (r *repo) FindByOrderIDForUpdate(ctx context.Context, db *gorm.DB, orderID string) (*transactiondomain.Transaction, error) {
	return first(pkgdb.ForUpdate(db.WithContext(ctx)).Where("order_id = ?", orderID))
}

func (r *repo) FindLatestBy(ctx context.Context, db *gorm.DB, column, value string) (*transactiondomain.Transaction, error) {
	if !lookupColumns[column] {
		return nil, transactiondomain.ErrInvalidProviderID
	}
	return first(db.WithContext(ctx).Where(column+" = ?", value).Order("created_at desc, id desc"))
}

func first(db *gorm.DB) (*transactiondomain.Transaction, error) {
	var t transactiondomain.Transaction
	if err := db.Take(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
