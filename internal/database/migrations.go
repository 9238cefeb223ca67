package database

import (
	"errors"
	"time"

	"github.com/donorconnect/backend/internal/donors"
	"github.com/donorconnect/backend/internal/retention"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRetentionRisk = "2026-06-17_backfill_retention_risk"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillRetentionRisk, apply: backfillRetentionRisk},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillRetentionRisk classifies donors still carrying an empty risk value,
// using the same date-only classifier the donation-recording path writes with.
func backfillRetentionRisk(db *gorm.DB) error {
	now := time.Now().UTC()
	var stale []donors.Donor
	if err := db.Where("retention_risk = ''").Find(&stale).Error; err != nil {
		return err
	}
	for _, donor := range stale {
		risk := retention.ClassifyRisk(donor.LastGiftDate, donor.TotalGifts, now)
		if err := db.Model(&donors.Donor{}).
			Where("id = ?", donor.ID).
			Update("retention_risk", string(risk)).Error; err != nil {
			return err
		}
	}
	return nil
}
