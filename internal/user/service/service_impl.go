package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/creditledger/internal/clock"
	userdomain "github.com/smallbiznis/creditledger/internal/user/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"github.com/smallbiznis/creditledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	validate *validator.Validate
	userRepo repository.Repository[userdomain.User]
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) userdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("user.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		validate: validator.New(),
		userRepo: repository.ProvideStore[userdomain.User](p.DB),
	}
}

func (s *Service) WithTx(tx *gorm.DB) userdomain.Service {
	clone := *s
	clone.db = tx
	clone.userRepo = s.userRepo.WithTrx(tx)
	return &clone
}

func (s *Service) CreateAnonymous(ctx context.Context, fingerprint string) (*userdomain.User, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, userdomain.ErrInvalidFingerprint
	}

	now := s.clock.Now()
	user := &userdomain.User{
		ID:          s.genID.Generate(),
		Fingerprint: &fingerprint,
		Status:      userdomain.UserStatusAnonymous,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*userdomain.User, error) {
	if id == 0 {
		return nil, userdomain.ErrInvalidUser
	}
	user, err := s.userRepo.FindOne(ctx, &userdomain.User{ID: id})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, userdomain.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) GetByIDForUpdate(ctx context.Context, id snowflake.ID) (*userdomain.User, error) {
	if id == 0 {
		return nil, userdomain.ErrInvalidUser
	}
	var user userdomain.User
	err := pkgdb.ForUpdate(s.db.WithContext(ctx)).Where("id = ?", id).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, userdomain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindByFingerprint returns nil, nil when no user holds the fingerprint.
func (s *Service) FindByFingerprint(ctx context.Context, fingerprint string) (*userdomain.User, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, userdomain.ErrInvalidFingerprint
	}
	return s.userRepo.FindOne(ctx, &userdomain.User{Fingerprint: &fingerprint})
}

func (s *Service) Register(ctx context.Context, id snowflake.ID, req userdomain.RegisterRequest) (*userdomain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, userdomain.ErrInvalidEmail
	}

	user, err := s.GetByIDForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	switch user.Status {
	case userdomain.UserStatusDeleted:
		return nil, userdomain.ErrUserDeleted
	case userdomain.UserStatusActive:
		return nil, userdomain.ErrAlreadyRegistered
	}

	now := s.clock.Now()
	fields := map[string]any{
		"email":         email,
		"status":        userdomain.UserStatusActive,
		"registered_at": now,
		"updated_at":    now,
	}
	name := strings.TrimSpace(req.Name)
	if name != "" {
		fields["name"] = name
	}
	if err := s.userRepo.Update(ctx, id, fields); err != nil {
		return nil, err
	}

	user.Email = &email
	if name != "" {
		user.Name = &name
	}
	user.Status = userdomain.UserStatusActive
	user.RegisteredAt = &now
	user.UpdatedAt = now
	return user, nil
}

func (s *Service) SetPayCustomerID(ctx context.Context, id snowflake.ID, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if id == 0 || customerID == "" {
		return userdomain.ErrInvalidUser
	}
	return s.userRepo.Update(ctx, id, map[string]any{
		"pay_customer_id": customerID,
		"updated_at":      s.clock.Now(),
	})
}

// SoftDelete keeps the row for ledger references but drops every personal field.
func (s *Service) SoftDelete(ctx context.Context, id snowflake.ID) (*userdomain.User, error) {
	user, err := s.GetByIDForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.IsDeleted() {
		return user, nil
	}

	now := s.clock.Now()
	if err := s.userRepo.Update(ctx, id, map[string]any{
		"status":      userdomain.UserStatusDeleted,
		"fingerprint": gorm.Expr("NULL"),
		"email":       gorm.Expr("NULL"),
		"name":        gorm.Expr("NULL"),
		"deleted_at":  now,
		"updated_at":  now,
	}); err != nil {
		return nil, err
	}

	s.log.Info("user soft deleted", zap.String("user_id", id.String()))
	user.Status = userdomain.UserStatusDeleted
	user.Fingerprint, user.Email, user.Name = nil, nil, nil
	user.DeletedAt = &now
	user.UpdatedAt = now
	return user, nil
}
