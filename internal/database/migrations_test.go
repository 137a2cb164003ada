package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/tidynotes/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsLowercasesEmails(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&users.User{}, &users.AuthIdentity{}, &users.StagingUser{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	user := users.User{ID: "user-1", Username: "mixedcase", Email: "Mixed@Example.COM", CreatedAtMs: 1, UpdatedAtMs: 1}
	if err := database.Create(&user).Error; err != nil {
		testContext.Fatalf("failed to insert user: %v", err)
	}
	identity := users.AuthIdentity{ID: "identity-1", UserID: "user-1", Provider: users.ProviderLocal, ProviderUserID: "Mixed@Example.COM", CreatedAtMs: 1}
	if err := database.Create(&identity).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.User
	if err := database.Where("id = ?", user.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload user: %v", err)
	}
	if stored.Email != "mixed@example.com" {
		testContext.Fatalf("expected lower-cased email, got %q", stored.Email)
	}

	var storedIdentity users.AuthIdentity
	if err := database.Where("id = ?", identity.ID).Take(&storedIdentity).Error; err != nil {
		testContext.Fatalf("failed to reload identity: %v", err)
	}
	if storedIdentity.ProviderUserID != "mixed@example.com" {
		testContext.Fatalf("expected lower-cased provider user id, got %q", storedIdentity.ProviderUserID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationLowercaseEmails).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-running migrations to be a no-op: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "oracle"}, zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: DriverPostgres}, zap.NewNop()); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "schema.db")
	db, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"users", "auth_identities", "staging_users", "pending_email_changes", "folders", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}
