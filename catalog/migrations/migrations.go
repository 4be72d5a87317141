package migrations

import (
	"fmt"
	"log/slog"
	"trapper/catalog/schema"
	"trapper/utils/logging"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Versions lists every schema migration in the order it is applied. IDs must
// never be reused.
func Versions() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID:      "1",
			Migrate: Migration_1_initial_schema,
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(reversed(schema.AllModels())...)
			},
		},
		{
			ID:      "2",
			Migrate: Migration_2_upload_job_summary,
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropColumn(&schema.UploadJob{}, "Summary")
			},
		},
	}
}

// Migrate brings the database up to the latest version. A clean database is
// created directly from the current schema.
func Migrate(db *gorm.DB) error {
	migration := gormigrate.New(db, gormigrate.DefaultOptions, Versions())

	migration.InitSchema(func(txn *gorm.DB) error {
		slog.Info("clean database detected, running full schema initialization", "code", logging.SYSTEM)
		return Migration_1_initial_schema(txn)
	})

	if err := migration.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Rollback undoes the most recent migration.
func Rollback(db *gorm.DB) error {
	migration := gormigrate.New(db, gormigrate.DefaultOptions, Versions())
	if err := migration.RollbackLast(); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

func reversed(models []interface{}) []interface{} {
	out := make([]interface{}, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		out = append(out, models[i])
	}
	return out
}
