package database

import (
	"time"

	"git.solsynth.dev/hypernet/courier/pkg/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// PurgeDeletedMessages removes soft deleted messages older than retention.
func PurgeDeletedMessages(source *gorm.DB, retention time.Duration) {
	deadline := time.Now().Add(-retention)
	log.Debug().Time("deadline", deadline).Msg("Now cleaning up deleted messages...")

	tx := source.Unscoped().Where("deleted_at < ?", deadline).Delete(&models.Message{})
	if tx.Error != nil {
		log.Error().Err(tx.Error).Msg("An error occurred when running database cleanup...")
		return
	}

	log.Debug().Int64("affected", tx.RowsAffected).Msg("Clean up deleted messages accomplished.")
}
