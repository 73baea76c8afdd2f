package character

import (
	"strings"
	"time"
)

// Character is a scripted persona. Prompt is the instruction-format
// template the prompt builder starts from; an empty prompt makes the
// character unusable for chat turns.
type Character struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	Prompt     string `gorm:"type:text;not null" json:"prompt"`
	Appearance string `gorm:"type:text;column:character_appearance" json:"character_appearance"`
	Location   string `gorm:"type:text" json:"location"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Character) TableName() string { return "characters" }

// Misconfigured reports whether the character cannot serve chat turns.
func (c *Character) Misconfigured() bool {
	return strings.TrimSpace(c.Prompt) == ""
}
