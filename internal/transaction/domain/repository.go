package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, t *Transaction) error
	UpdateFields(ctx context.Context, db *gorm.DB, orderID string, fields map[string]any) error
	FindByOrderID(ctx context.Context, db *gorm.DB, orderID string) (*Transaction, error)
	FindByOrderIDForUpdate(ctx context.Context, db *gorm.DB, orderID string) (*Transaction, error)
	// FindLatestBy returns the newest row whose column equals value.
	FindLatestBy(ctx context.Context, db *gorm.DB, column, value string) (*Transaction, error)
}
