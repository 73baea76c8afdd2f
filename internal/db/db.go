package db

import (
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/chat"
	"github.com/velora-ai/companion/internal/image"
	"github.com/velora-ai/companion/internal/models"
)

// Connect opens the relational store and migrates the schema.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		logrus.Fatalf("db connect: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		logrus.Fatalf("db migrate: %v", err)
	}
	return gdb
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Subscription{},
		&models.RefreshToken{},
		&models.EmailVerificationCode{},
		&character.Character{},
		&chat.Session{},
		&chat.Message{},
		&chat.TurnReceipt{},
		&image.PhotoJob{},
	)
}
