package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"trapper/catalog/config"
	"trapper/catalog/queue"
	"trapper/catalog/worker"
	"trapper/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
)

type RedisEnv struct {
	Addr     string `env:"REDIS_ADDR"`
	Username string `env:"REDIS_USERNAME"`
	Password string `env:"REDIS_PASSWORD"`
	Db       int    `env:"REDIS_DB" envDefault:"0"`
	Key      string `env:"REDIS_KEY"`
}

type WorkerEnv struct {
	LogDir string   `env:"WORKER_LOG_DIR"`
	Redis  RedisEnv `env:""`
}

/**
 * ==========================================================================
 * ==== All variables used by the upload worker must be loaded here.     ====
 * ==== The database and storage settings are loaded by config.Backend   ====
 * ==== so that they match what the catalog forwards to worker jobs.     ====
 * ==========================================================================
 */
func loadEnv() (*WorkerEnv, config.Backend, error) {
	cfg := &WorkerEnv{}
	if err := env.Parse(cfg); err != nil {
		return nil, config.Backend{}, err
	}
	backend, err := config.LoadBackend()
	if err != nil {
		return nil, config.Backend{}, err
	}
	return cfg, backend, nil
}

func openLogFile(cfg *WorkerEnv, backend config.Backend) (*os.File, error) {
	dir := cfg.LogDir
	if dir == "" {
		if backend.Storage.ShareDir == "" {
			return nil, nil
		}
		dir = filepath.Join(backend.Storage.ShareDir, "logs")
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, fmt.Errorf("error creating log dir: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, "trapper_worker.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
}

// The reason we have a separate runApp function is because the defer calls don't
// run if we exit with log.Fatalf, so instead we return an err here and fail outside
func runApp() error {
	jobFlag := flag.String("job", "", "Process this upload job and exit. If not specified the worker consumes jobs from redis.")

	flag.Parse()

	cfg, backend, err := loadEnv()
	if err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	logFile, err := openLogFile(cfg, backend)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
		logging.Init(logFile, slog.String("service_type", "upload_worker"))
	} else {
		logging.Init(os.Stdout, slog.String("service_type", "upload_worker"))
	}

	db, err := backend.Db.OpenDb()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Storage.OpenStorage(ctx)
	if err != nil {
		return err
	}

	processor := worker.NewProcessor(db, store)

	if *jobFlag != "" {
		jobId, err := uuid.Parse(*jobFlag)
		if err != nil {
			return fmt.Errorf("invalid job id '%v': %w", *jobFlag, err)
		}
		return processor.Process(ctx, jobId)
	}

	client, err := queue.NewRedisClient(queue.RedisArgs{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Db,
	})
	if err != nil {
		return err
	}
	jobs := queue.NewRedisQueue(client, cfg.Redis.Key)
	defer jobs.Close()

	slog.Info("consuming upload jobs from redis", "code", logging.UPLOAD_PROCESS)
	if err := jobs.Consume(ctx, processor.Process); err != nil {
		return err
	}
	slog.Info("shutdown signal received, worker stopped", "code", logging.SYSTEM)
	return nil
}

func main() {
	if err := runApp(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}
