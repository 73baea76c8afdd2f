package chat

import "time"

// Session groups messages exchanged between one user and one character
// under a caller-chosen key. The same key names different conversations
// for different (user, character) pairs.
type Session struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	CharacterID uint64 `gorm:"uniqueIndex:idx_session_scope;not null"`
	UserID      uint64 `gorm:"uniqueIndex:idx_session_scope;not null"`
	SessionKey  string `gorm:"uniqueIndex:idx_session_scope;type:varchar(128);not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Session) TableName() string { return "chat_sessions" }

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn half.
type Message struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	SessionID     uint64 `gorm:"index;not null"`
	UserID        uint64 `gorm:"index;not null"`
	Role          string `gorm:"type:varchar(16);not null"`
	Content       string `gorm:"type:text"`
	ImageURL      string `gorm:"type:varchar(512)"`
	ImageFilename string `gorm:"type:varchar(255)"`
	CreatedAt     time.Time
}

func (Message) TableName() string { return "chat_messages" }

// TurnReceipt records a completed debit-bearing turn keyed by the
// caller's turn id. A retried id replays the stored reply instead of
// running and spending again, whether or not the turn wrote history.
type TurnReceipt struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    uint64 `gorm:"uniqueIndex:idx_turn_receipt;not null"`
	TurnID    string `gorm:"uniqueIndex:idx_turn_receipt;type:varchar(128);not null"`
	Reply     string `gorm:"type:text"`
	CreatedAt time.Time
}

func (TurnReceipt) TableName() string { return "chat_turn_receipts" }
