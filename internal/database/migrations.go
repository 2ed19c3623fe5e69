package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/versions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillVersionTimestamps = "2026-07-14_backfill_version_timestamps"

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
		{name: migrationBackfillVersionTimestamps, apply: backfillVersionTimestamps},
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

// Rows written before created_at_ms existed carry a zero timestamp; stamp
// them with the migration time so history ordering stays total.
func backfillVersionTimestamps(db *gorm.DB) error {
	nowMillis := time.Now().UTC().UnixMilli()
	return db.Model(&versions.CodeVersion{}).
		Where("created_at_ms = 0").
		Update("created_at_ms", nowMillis).Error
}
