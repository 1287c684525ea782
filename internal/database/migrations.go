package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dealdesk/collab-sync/internal/presence"
)

const migrationNormalizePresenceResourceTypes = "2026-07-18_normalize_presence_resource_types"

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
		{name: migrationNormalizePresenceResourceTypes, apply: normalizePresenceResourceTypes},
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

// normalizePresenceResourceTypes rewrites rows written before resource types
// were validated at the boundary. Lookups compare exact strings, so mixed-case
// rows never matched their heartbeats and lingered until cleanup.
func normalizePresenceResourceTypes(db *gorm.DB) error {
	return db.Model(&presence.Entry{}).
		Where("resource_type <> lower(resource_type)").
		Update("resource_type", gorm.Expr("lower(resource_type)")).Error
}
