package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Repo owns session and message persistence. Callers resolve a session
// once per turn and append both halves through it.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// ResolveOrCreate finds the session for (character, user, key), creating
// it on first use.
func (r *Repo) ResolveOrCreate(ctx context.Context, characterID, userID uint64, key string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("character_id = ? AND user_id = ? AND session_key = ?", characterID, userID, key).
		First(&s).Error
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	s = Session{CharacterID: characterID, UserID: userID, SessionKey: key}
	if err := r.db.WithContext(ctx).Create(&s).Error; err != nil {
		// Lost a concurrent create; re-read.
		var again Session
		if err2 := r.db.WithContext(ctx).
			Where("character_id = ? AND user_id = ? AND session_key = ?", characterID, userID, key).
			First(&again).Error; err2 == nil {
			return &again, nil
		}
		return nil, err
	}
	return &s, nil
}

// LoadHistory returns the most recent limit messages in chronological
// order.
func (r *Repo) LoadHistory(ctx context.Context, sessionID uint64, limit int) ([]Message, error) {
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *Repo) Append(ctx context.Context, msg *Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// FindReceipt returns the user's receipt for turnID, or nil when the
// id is unseen.
func (r *Repo) FindReceipt(ctx context.Context, userID uint64, turnID string) (*TurnReceipt, error) {
	var rec TurnReceipt
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND turn_id = ?", userID, turnID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repo) SaveReceipt(ctx context.Context, rec *TurnReceipt) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// ClearHistory deletes the messages of one session and the session row
// itself. Unknown sessions clear to zero without error.
func (r *Repo) ClearHistory(ctx context.Context, characterID, userID uint64, key string) (int64, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("character_id = ? AND user_id = ? AND session_key = ?", characterID, userID, key).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var removed int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ?", s.ID).Delete(&Message{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return tx.Delete(&Session{}, s.ID).Error
	})
	return removed, err
}

// CharacterIDsWithHistory lists the characters the user has stored
// messages with.
func (r *Repo) CharacterIDsWithHistory(ctx context.Context, userID uint64) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).
		Model(&Session{}).
		Distinct("character_id").
		Where("user_id = ?", userID).
		Pluck("character_id", &ids).Error
	return ids, err
}

// Stats summarizes the user's stored conversation volume.
type Stats struct {
	Sessions   int64 `json:"sessions"`
	Messages   int64 `json:"messages"`
	Characters int64 `json:"characters"`
}

func (r *Repo) Stats(ctx context.Context, userID uint64) (Stats, error) {
	var st Stats
	db := r.db.WithContext(ctx)
	if err := db.Model(&Session{}).Where("user_id = ?", userID).Count(&st.Sessions).Error; err != nil {
		return st, err
	}
	if err := db.Model(&Message{}).Where("user_id = ?", userID).Count(&st.Messages).Error; err != nil {
		return st, err
	}
	err := db.Model(&Session{}).Where("user_id = ?", userID).
		Distinct("character_id").Count(&st.Characters).Error
	return st, err
}
