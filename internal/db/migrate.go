package db

import (
	"metaculus/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.Question{},
		&models.Forecast{},
		&models.AggregateForecast{},
		&models.Task{},
		&models.SystemSetting{},
	); err != nil {
		return err
	}
	return nil
}
