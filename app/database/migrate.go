package database

import (
	"plex-kiosk/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.MediaRequest{},
		&model.RequestTransition{},
	)
}
