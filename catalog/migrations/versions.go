package migrations

import (
	"trapper/catalog/schema"
	"trapper/catalog/seed"

	"gorm.io/gorm"
)

func Migration_1_initial_schema(txn *gorm.DB) error {
	if err := txn.AutoMigrate(schema.AllModels()...); err != nil {
		return err
	}
	_, err := seed.EnsureResourceTypes(txn)
	return err
}

// Jobs created before workers reported counts have no summary.
func Migration_2_upload_job_summary(txn *gorm.DB) error {
	if txn.Migrator().HasColumn(&schema.UploadJob{}, "Summary") {
		return nil
	}
	return txn.Migrator().AddColumn(&schema.UploadJob{}, "Summary")
}
