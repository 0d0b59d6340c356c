package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type RegisterRequest struct {
	Email string
	Name  string
}

type Service interface {
	WithTx(tx *gorm.DB) Service

	CreateAnonymous(ctx context.Context, fingerprint string) (*User, error)
	GetByID(ctx context.Context, id snowflake.ID) (*User, error)
	GetByIDForUpdate(ctx context.Context, id snowflake.ID) (*User, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*User, error)
	Register(ctx context.Context, id snowflake.ID, req RegisterRequest) (*User, error)
	SetPayCustomerID(ctx context.Context, id snowflake.ID, customerID string) error
	SoftDelete(ctx context.Context, id snowflake.ID) (*User, error)
}

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidFingerprint = errors.New("invalid_fingerprint")
	ErrInvalidEmail       = errors.New("invalid_email")
	ErrUserNotFound       = errors.New("user_not_found")
	ErrUserDeleted        = errors.New("user_deleted")
	ErrAlreadyRegistered  = errors.New("user_already_registered")
)
