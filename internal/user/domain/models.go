// Package domain contains the user account model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	UserStatusAnonymous UserStatus = "anonymous"
	UserStatusActive    UserStatus = "active"
	UserStatusDeleted   UserStatus = "deleted"
)

// User is an account. Anonymous users are keyed by device fingerprint until
// they register; deleted users keep their row with PII cleared.
type User struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	Fingerprint   *string      `gorm:"type:text;uniqueIndex"`
	Email         *string      `gorm:"type:text;index"`
	Name          *string      `gorm:"type:text"`
	Status        UserStatus   `gorm:"type:text;not null"`
	PayCustomerID *string      `gorm:"type:text;index"`
	RegisteredAt  *time.Time   `gorm:""`
	DeletedAt     *time.Time   `gorm:""`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

func (u *User) IsDeleted() bool { return u.Status == UserStatusDeleted }
