package image

import "time"

const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// PhotoJob tracks one asynchronous image generation. The ULID id doubles
// as the idempotency key on the queue.
type PhotoJob struct {
	ID          string `gorm:"primaryKey;type:char(26)"`
	UserID      uint64 `gorm:"index;not null"`
	CharacterID uint64 `gorm:"index;not null"`
	Prompt      string `gorm:"type:text"`
	Status      string `gorm:"type:varchar(16);index;not null"`
	Filename    string `gorm:"type:varchar(255)"`
	URL         string `gorm:"type:varchar(512)"`
	LastError   string `gorm:"type:varchar(512)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PhotoJob) TableName() string { return "photo_jobs" }
