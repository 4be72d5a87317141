package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"trapper/catalog/config"
	"trapper/catalog/migrations"
	"trapper/utils/logging"
)

func main() {
	dbUri := flag.String("db_uri", "", "Postgres uri to migrate. If not specified DATABASE_URI or SQLITE_PATH is used.")
	rollback := flag.Bool("rollback", false, "Undo the most recent migration instead of migrating up.")
	flag.Parse()

	logging.Init(os.Stdout, slog.String("service_type", "migration"))

	backend, err := config.LoadBackend()
	if err != nil {
		log.Fatalf("error loading backend config: %v", err)
	}
	if *dbUri != "" {
		backend.Db = config.DbConfig{DatabaseUri: *dbUri}
	}

	db, err := backend.Db.OpenDb()
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}

	if *rollback {
		if err := migrations.Rollback(db); err != nil {
			log.Fatal(err)
		}
		slog.Info("rolled back last migration", "code", logging.SYSTEM)
		return
	}

	if err := migrations.Migrate(db); err != nil {
		log.Fatal(err)
	}
	slog.Info("database migrated", "code", logging.SYSTEM)
}
