package database

import (
	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"gorm.io/gorm"
)

var AutoMaintainRange = []any{
	&models.Message{},
	&models.ScopeMember{},
	&models.ReadMarker{},
}

func RunMigration(source *gorm.DB) error {
	if err := source.AutoMigrate(AutoMaintainRange...); err != nil {
		return err
	}

	return nil
}
