package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIfAbsent creates the row unless the user already has one.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, credit *Credit) error
	FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Credit, error)
	FindByUserIDForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Credit, error)
	Save(ctx context.Context, db *gorm.DB, credit *Credit) error
	InsertUsages(ctx context.Context, db *gorm.DB, usages []CreditUsage) error
	ListUsagesByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]CreditUsage, error)
}
