package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, credit *creditdomain.Credit) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(credit).Error
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*creditdomain.Credit, error) {
	return r.findByUserID(db.WithContext(ctx), userID)
}

func (r *repo) FindByUserIDForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*creditdomain.Credit, error) {
	return r.findByUserID(pkgdb.ForUpdate(db.WithContext(ctx)), userID)
}

func (r *repo) findByUserID(db *gorm.DB, userID snowflake.ID) (*creditdomain.Credit, error) {
	var credit creditdomain.Credit
	err := db.Where("user_id = ?", userID).Take(&credit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &credit, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, credit *creditdomain.Credit) error {
	return db.WithContext(ctx).Model(&creditdomain.Credit{}).
		Where("id = ?", credit.ID).
		Updates(map[string]any{
			"balance_free":             credit.BalanceFree,
			"total_free_limit":         credit.TotalFreeLimit,
			"free_start":               credit.FreeStart,
			"free_end":                 credit.FreeEnd,
			"balance_paid":             credit.BalancePaid,
			"total_paid_limit":         credit.TotalPaidLimit,
			"paid_start":               credit.PaidStart,
			"paid_end":                 credit.PaidEnd,
			"balance_onetime_paid":     credit.BalanceOneTimePaid,
			"total_onetime_paid_limit": credit.TotalOneTimePaidLimit,
			"onetime_paid_start":       credit.OneTimePaidStart,
			"onetime_paid_end":         credit.OneTimePaidEnd,
			"updated_at":               credit.UpdatedAt,
		}).Error
}

func (r *repo) InsertUsages(ctx context.Context, db *gorm.DB, usages []creditdomain.CreditUsage) error {
	if len(usages) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&usages).Error
}

func (r *repo) ListUsagesByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]creditdomain.CreditUsage, error) {
	var items []creditdomain.CreditUsage
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc, id asc").
		Find(&items).Error
	return items, err
}
