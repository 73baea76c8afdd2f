package models

import "time"

type SubscriptionTier string

const (
	TierBase     SubscriptionTier = "base"
	TierStandard SubscriptionTier = "standard"
	TierPremium  SubscriptionTier = "premium"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

type Subscription struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID uint64 `gorm:"uniqueIndex;not null" json:"user_id"`

	Tier   SubscriptionTier   `gorm:"type:varchar(16);not null" json:"tier"`
	Status SubscriptionStatus `gorm:"type:varchar(16);not null" json:"status"`

	CreditAllowance  int `gorm:"not null" json:"credit_allowance"`
	PhotoAllowance   int `gorm:"not null" json:"photo_allowance"`
	MessageLengthCap int `gorm:"not null" json:"message_length_cap"`

	CreditsUsed int `gorm:"not null;default:0" json:"credits_used"`
	PhotosUsed  int `gorm:"not null;default:0" json:"photos_used"`

	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastResetAt time.Time `json:"last_reset_at"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (Subscription) TableName() string { return "user_subscriptions" }

func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}

// NeedsReset reports whether now falls in a later calendar month than the
// last reset.
func (s *Subscription) NeedsReset(now time.Time) bool {
	ry, rm, _ := s.LastResetAt.Date()
	ny, nm, _ := now.Date()
	return ny > ry || (ny == ry && nm > rm)
}
