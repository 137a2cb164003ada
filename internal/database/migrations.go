package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationLowercaseEmails = "2026-10-01_lowercase_emails"

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
		{name: migrationLowercaseEmails, apply: lowercaseEmails},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// lowercaseEmails normalizes addresses written before lookups became case-insensitive.
func lowercaseEmails(db *gorm.DB) error {
	if err := db.Model(&users.User{}).
		Where("email <> LOWER(email)").
		Update("email", gorm.Expr("LOWER(email)")).Error; err != nil {
		return err
	}
	if err := db.Model(&users.AuthIdentity{}).
		Where("provider = ? AND provider_user_id <> LOWER(provider_user_id)", users.ProviderLocal).
		Update("provider_user_id", gorm.Expr("LOWER(provider_user_id)")).Error; err != nil {
		return err
	}
	return db.Model(&users.StagingUser{}).
		Where("email <> LOWER(email)").
		Update("email", gorm.Expr("LOWER(email)")).Error
}
