package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"trapper/catalog/config"
	"trapper/catalog/migrations"
	"trapper/catalog/seed"
	"trapper/utils/logging"

	"github.com/joho/godotenv"
)

func main() {
	envFile := flag.String("env", "", "File to load env variables from.")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("error loading .env file '%v': %v", *envFile, err)
		}
	}

	logging.Init(os.Stdout, slog.String("service_type", "seed"))

	backend, err := config.LoadBackend()
	if err != nil {
		log.Fatalf("error loading backend config: %v", err)
	}

	db, err := backend.Db.OpenDb()
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}

	if err := migrations.Migrate(db); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	res, err := seed.Run(db)
	if errors.Is(err, seed.ErrAlreadySeeded) {
		slog.Info("database already seeded, nothing to do", "code", logging.CATALOG_SEED)
		return
	}
	if err != nil {
		log.Fatalf("error seeding database: %v", err)
	}

	fmt.Printf("seeded %d users, %d resources, %d collections, project %v\n", len(res.Users), len(res.Resources), len(res.Collections), res.ProjectId)
}
