package email

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/models"
)

var ErrCodeInvalid = errors.New("verification code invalid or expired")

const codeTTL = 15 * time.Minute

// Mailer is the delivery half of the verification flow; faked in tests.
type Mailer interface {
	SendText(to, subject, body string) error
}

// VerificationService issues and checks six-digit email codes.
type VerificationService struct {
	db     *gorm.DB
	mailer Mailer
}

func NewVerificationService(db *gorm.DB, mailer Mailer) *VerificationService {
	return &VerificationService{db: db, mailer: mailer}
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// SendCode stores a fresh code for the user and mails it. A delivery
// failure is logged but does not fail the caller's flow.
func (s *VerificationService) SendCode(ctx context.Context, userID uint64, to string) error {
	code, err := newCode()
	if err != nil {
		return err
	}
	rec := models.EmailVerificationCode{
		UserID:    userID,
		Code:      code,
		ExpiresAt: time.Now().Add(codeTTL),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return err
	}
	if err := s.mailer.SendText(to, "Your verification code", "Your verification code is "+code); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("sending verification code")
	}
	return nil
}

// Verify consumes a code: the match must be unused and unexpired, and
// is marked used so it cannot be replayed.
func (s *VerificationService) Verify(ctx context.Context, userID uint64, code string) error {
	var rec models.EmailVerificationCode
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND code = ? AND used = ?", userID, code, false).
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrCodeInvalid
	}
	if err != nil {
		return err
	}
	if time.Now().After(rec.ExpiresAt) {
		return ErrCodeInvalid
	}
	if err := s.db.WithContext(ctx).Model(&rec).Update("used", true).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).Update("is_active", true).Error
}
