package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/models"
)

// MessageCost is the credit price of one chat turn.
const MessageCost = 2

var ErrUnknownTier = errors.New("unknown subscription tier")

// DenyReason is the machine-readable sub-reason attached to quota errors.
type DenyReason string

const (
	DenyNoSubscription   DenyReason = "no_subscription"
	DenyMessageTooLong   DenyReason = "message_too_long"
	DenyCreditsExhausted DenyReason = "credits_exhausted"
	DenyPhotosExhausted  DenyReason = "photos_exhausted"
)

// QuotaError reports a capability denial from the ledger.
type QuotaError struct {
	Reason DenyReason
}

func (e *QuotaError) Error() string { return fmt.Sprintf("quota exceeded: %s", e.Reason) }

type tierParams struct {
	creditAllowance  int
	photoAllowance   int
	messageLengthCap int
}

var tiers = map[models.SubscriptionTier]tierParams{
	models.TierBase:     {creditAllowance: 100, photoAllowance: 10, messageLengthCap: 100},
	models.TierStandard: {creditAllowance: 2000, photoAllowance: 0, messageLengthCap: 200},
	models.TierPremium:  {creditAllowance: 6000, photoAllowance: 50, messageLengthCap: 300},
}

// Capabilities is what the policy gate derives for one request.
type Capabilities struct {
	CanSendMessage   bool
	CanGeneratePhoto bool
	MessageLengthCap int
	Reason           DenyReason // set when CanSendMessage is false
}

// Snapshot is the subscription state reported to the caller.
type Snapshot struct {
	Tier             models.SubscriptionTier   `json:"tier"`
	Status           models.SubscriptionStatus `json:"status"`
	CreditAllowance  int                       `json:"credit_allowance"`
	PhotoAllowance   int                       `json:"photo_allowance"`
	CreditsUsed      int                       `json:"credits_used"`
	PhotosUsed       int                       `json:"photos_used"`
	MessageLengthCap int                       `json:"message_length_cap"`
	ExpiresAt        *time.Time                `json:"expires_at"`
	LastResetAt      *time.Time                `json:"last_reset_at"`
}

// Service is the per-user credit and photo ledger.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

func (s *Service) get(ctx context.Context, userID uint64) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// resetIfStale zeroes the monthly counters when the wall clock has moved
// into a later calendar month than last_reset_at. Persisted before any
// capability check or debit proceeds.
func (s *Service) resetIfStale(ctx context.Context, sub *models.Subscription) error {
	now := s.now()
	if !sub.NeedsReset(now) {
		return nil
	}
	sub.CreditsUsed = 0
	sub.PhotosUsed = 0
	sub.LastResetAt = now
	return s.db.WithContext(ctx).Model(sub).Updates(map[string]any{
		"credits_used":  0,
		"photos_used":   0,
		"last_reset_at": now,
	}).Error
}

// Capabilities resolves what the user may do right now. A user without a
// subscription can do nothing.
func (s *Service) Capabilities(ctx context.Context, userID uint64, messageLength int) (Capabilities, error) {
	sub, err := s.get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Capabilities{Reason: DenyNoSubscription}, nil
		}
		return Capabilities{}, err
	}
	if err := s.resetIfStale(ctx, sub); err != nil {
		return Capabilities{}, err
	}

	caps := Capabilities{MessageLengthCap: sub.MessageLengthCap}
	if !sub.IsActive() {
		caps.Reason = DenyNoSubscription
		return caps, nil
	}
	caps.CanGeneratePhoto = sub.PhotosUsed < sub.PhotoAllowance

	switch {
	case messageLength > sub.MessageLengthCap:
		caps.Reason = DenyMessageTooLong
	case sub.CreditsUsed+MessageCost > sub.CreditAllowance:
		caps.Reason = DenyCreditsExhausted
	default:
		caps.CanSendMessage = true
	}
	return caps, nil
}

// CanMessage reports whether the user may send a message of the given length.
func (s *Service) CanMessage(ctx context.Context, userID uint64, messageLength int) (bool, error) {
	caps, err := s.Capabilities(ctx, userID, messageLength)
	if err != nil {
		return false, err
	}
	return caps.CanSendMessage, nil
}

// CanPhoto reports whether the user may generate a photo.
func (s *Service) CanPhoto(ctx context.Context, userID uint64) (bool, error) {
	caps, err := s.Capabilities(ctx, userID, 0)
	if err != nil {
		return false, err
	}
	return caps.CanGeneratePhoto, nil
}

// DebitMessage spends MessageCost credits. The increment is guarded so
// concurrent turns cannot overdraw; false means no headroom.
func (s *Service) DebitMessage(ctx context.Context, userID uint64) (bool, error) {
	sub, err := s.get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.resetIfStale(ctx, sub); err != nil {
		return false, err
	}
	if !sub.IsActive() {
		return false, nil
	}

	debited := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// guarded increment; zero rows means another turn won the race
		res := tx.Model(&models.Subscription{}).
			Where("user_id = ? AND status = ? AND credits_used + ? <= credit_allowance",
				userID, models.SubscriptionActive, MessageCost).
			Update("credits_used", gorm.Expr("credits_used + ?", MessageCost))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		// keep the legacy coin purse in step
		if err := tx.Model(&models.User{}).
			Where("id = ? AND coins >= ?", userID, MessageCost).
			Update("coins", gorm.Expr("coins - ?", MessageCost)).Error; err != nil {
			return err
		}
		debited = true
		return nil
	})
	return debited, err
}

// DebitPhoto spends one photo generation iff below the allowance.
func (s *Service) DebitPhoto(ctx context.Context, userID uint64) (bool, error) {
	sub, err := s.get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.resetIfStale(ctx, sub); err != nil {
		return false, err
	}
	if !sub.IsActive() {
		return false, nil
	}

	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND status = ? AND photos_used < photo_allowance",
			userID, models.SubscriptionActive).
		Update("photos_used", gorm.Expr("photos_used + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Activate creates or upgrades the user's subscription at the given tier
// and credits the allowance to the user's coin purse.
func (s *Service) Activate(ctx context.Context, userID uint64, tier models.SubscriptionTier) (*models.Subscription, error) {
	params, ok := tiers[tier]
	if !ok {
		return nil, ErrUnknownTier
	}
	now := s.now()

	var result *models.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		err := tx.Where("user_id = ?", userID).First(&sub).Error
		switch {
		case err == nil:
			sub.Tier = tier
			sub.Status = models.SubscriptionActive
			sub.CreditAllowance = params.creditAllowance
			sub.PhotoAllowance = params.photoAllowance
			sub.MessageLengthCap = params.messageLengthCap
			sub.CreditsUsed = 0
			sub.PhotosUsed = 0
			sub.ActivatedAt = now
			sub.ExpiresAt = now.AddDate(0, 0, 30)
			sub.LastResetAt = now
			if err := tx.Save(&sub).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			sub = models.Subscription{
				UserID:           userID,
				Tier:             tier,
				Status:           models.SubscriptionActive,
				CreditAllowance:  params.creditAllowance,
				PhotoAllowance:   params.photoAllowance,
				MessageLengthCap: params.messageLengthCap,
				ActivatedAt:      now,
				ExpiresAt:        now.AddDate(0, 0, 30),
				LastResetAt:      now,
			}
			if err := tx.Create(&sub).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if err := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("coins", gorm.Expr("coins + ?", params.creditAllowance)).Error; err != nil {
			return err
		}
		result = &sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"user_id": userID, "tier": tier}).Info("subscription activated")
	return result, nil
}

// EnsureBase activates a base subscription when the user has none.
func (s *Service) EnsureBase(ctx context.Context, userID uint64) error {
	_, err := s.get(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	_, err = s.Activate(ctx, userID, models.TierBase)
	return err
}

// Snapshot returns the ledger state after applying any pending monthly reset.
// A user without a subscription gets a zero snapshot.
func (s *Service) Snapshot(ctx context.Context, userID uint64) (Snapshot, error) {
	sub, err := s.get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{Tier: "none", Status: models.SubscriptionInactive}, nil
		}
		return Snapshot{}, err
	}
	if err := s.resetIfStale(ctx, sub); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Tier:             sub.Tier,
		Status:           sub.Status,
		CreditAllowance:  sub.CreditAllowance,
		PhotoAllowance:   sub.PhotoAllowance,
		CreditsUsed:      sub.CreditsUsed,
		PhotosUsed:       sub.PhotosUsed,
		MessageLengthCap: sub.MessageLengthCap,
		ExpiresAt:        &sub.ExpiresAt,
		LastResetAt:      &sub.LastResetAt,
	}, nil
}

// CanPersistHistory reports whether the user's tier permits writing chat
// history to disk. Base users chat but their history stays ephemeral.
func (s *Service) CanPersistHistory(ctx context.Context, userID uint64) (bool, error) {
	sub, err := s.get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return sub.IsActive() && sub.Tier != models.TierBase, nil
}
