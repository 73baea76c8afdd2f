package models

import "time"

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`
	IsActive     bool   `gorm:"not null;default:true" json:"is_active"`
	IsAdmin      bool   `gorm:"not null;default:false" json:"is_admin"`

	// Coins is the legacy purse; the subscription ledger is authoritative
	// and the purse is kept in step as a view of it.
	Coins int64 `gorm:"not null;default:0" json:"coins"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

type RefreshToken struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    uint64    `gorm:"index;not null"`
	TokenHash string    `gorm:"type:char(64);uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

type EmailVerificationCode struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    uint64    `gorm:"index;not null"`
	Code      string    `gorm:"type:char(6);not null"`
	ExpiresAt time.Time `gorm:"not null"`
	Used      bool      `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (EmailVerificationCode) TableName() string { return "email_verification_codes" }
