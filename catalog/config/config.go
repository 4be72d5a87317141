// Package config holds the database and storage settings shared by the
// catalog server, the upload worker and the admin commands.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"trapper/catalog/storage"

	"github.com/caarlos0/env/v10"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	StorageDisk = "disk"
	StorageS3   = "s3"
)

type DbConfig struct {
	DatabaseUri string `env:"DATABASE_URI"`
	SqlitePath  string `env:"SQLITE_PATH"`
}

type StorageConfig struct {
	Storage  string `env:"STORAGE" envDefault:"disk"`
	ShareDir string `env:"SHARE_DIR"`

	S3Bucket           string `env:"S3_BUCKET"`
	S3Prefix           string `env:"S3_PREFIX"`
	S3Endpoint         string `env:"S3_ENDPOINT"`
	AwsRegion          string `env:"AWS_REGION"`
	AwsAccessKeyId     string `env:"AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

// Backend is everything a process needs to reach the catalog data.
type Backend struct {
	Db      DbConfig
	Storage StorageConfig
}

func LoadBackend() (Backend, error) {
	var cfg Backend
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing backend env: %w", err)
	}
	return cfg, nil
}

func PostgresDsn(uri string) (string, error) {
	parts, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("error parsing db uri: %w", err)
	}
	if parts.Scheme != "postgres" && parts.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported db uri scheme '%v'", parts.Scheme)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	port := parts.Port()
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, port), nil
}

// OpenDb connects to postgres when DATABASE_URI is set, otherwise to the
// sqlite file at SQLITE_PATH.
func (c DbConfig) OpenDb() (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case c.DatabaseUri != "":
		dsn, err := PostgresDsn(c.DatabaseUri)
		if err != nil {
			return nil, err
		}
		dialector = postgres.Open(dsn)
	case c.SqlitePath != "":
		dialector = sqlite.Open(c.SqlitePath)
	default:
		return nil, fmt.Errorf("one of DATABASE_URI or SQLITE_PATH must be specified")
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	}

	if c.DatabaseUri == "" {
		// sqlite allows a single writer.
		sqlDb, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("error getting sqlite connection: %w", err)
		}
		sqlDb.SetMaxOpenConns(1)
	}

	slog.Info("opened database", "dialect", db.Dialector.Name())
	return db, nil
}

func (c StorageConfig) OpenStorage(ctx context.Context) (storage.Storage, error) {
	switch c.Storage {
	case StorageDisk, "":
		if c.ShareDir == "" {
			return nil, fmt.Errorf("SHARE_DIR must be specified for disk storage")
		}
		return storage.NewSharedDisk(c.ShareDir), nil
	case StorageS3:
		if c.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET must be specified for s3 storage")
		}
		return storage.NewS3Storage(ctx, storage.S3Args{
			Bucket:          c.S3Bucket,
			Prefix:          c.S3Prefix,
			Region:          c.AwsRegion,
			Endpoint:        c.S3Endpoint,
			AccessKeyId:     c.AwsAccessKeyId,
			SecretAccessKey: c.AwsSecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("invalid STORAGE '%v', must be '%v' or '%v'", c.Storage, StorageDisk, StorageS3)
	}
}

// WorkerEnv is the environment forwarded to upload worker containers so they
// reach the same database and storage as the catalog.
func (b Backend) WorkerEnv() map[string]string {
	vars := map[string]string{
		"DATABASE_URI": b.Db.DatabaseUri,
		"SQLITE_PATH":  b.Db.SqlitePath,
		"STORAGE":      b.Storage.Storage,
		"SHARE_DIR":    b.Storage.ShareDir,
		"S3_BUCKET":    b.Storage.S3Bucket,
		"S3_PREFIX":    b.Storage.S3Prefix,
		"S3_ENDPOINT":  b.Storage.S3Endpoint,
		"AWS_REGION":   b.Storage.AwsRegion,

		"AWS_ACCESS_KEY_ID":     b.Storage.AwsAccessKeyId,
		"AWS_SECRET_ACCESS_KEY": b.Storage.AwsSecretAccessKey,
	}
	for key, value := range vars {
		if value == "" {
			delete(vars, key)
		}
	}
	return vars
}
