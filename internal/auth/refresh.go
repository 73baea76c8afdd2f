package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/models"
)

var ErrRefreshToken = errors.New("invalid or expired refresh token")

// RefreshStore persists hashed refresh tokens and rotates them.
type RefreshStore struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewRefreshStore(db *gorm.DB, ttl time.Duration) *RefreshStore {
	return &RefreshStore{db: db, ttl: ttl}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue mints a new opaque refresh token for the user. Only the sha256 of
// the token is stored.
func (s *RefreshStore) Issue(ctx context.Context, userID uint64) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	row := &models.RefreshToken{
		UserID:    userID,
		TokenHash: hashToken(token),
		ExpiresAt: time.Now().Add(s.ttl),
		Active:    true,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", err
	}
	return token, nil
}

// Rotate deactivates the presented token and issues a replacement.
func (s *RefreshStore) Rotate(ctx context.Context, token string) (uint64, string, error) {
	var row models.RefreshToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND active = ?", hashToken(token), true).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, "", ErrRefreshToken
		}
		return 0, "", err
	}
	if time.Now().After(row.ExpiresAt) {
		return 0, "", ErrRefreshToken
	}

	if err := s.db.WithContext(ctx).Model(&row).Update("active", false).Error; err != nil {
		return 0, "", err
	}
	next, err := s.Issue(ctx, row.UserID)
	if err != nil {
		return 0, "", err
	}
	return row.UserID, next, nil
}

// Revoke deactivates the presented token. Unknown tokens are a no-op.
func (s *RefreshStore) Revoke(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("token_hash = ?", hashToken(token)).
		Update("active", false).Error
}
