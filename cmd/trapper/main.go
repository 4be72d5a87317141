package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"trapper/catalog/auth"
	"trapper/catalog/config"
	"trapper/catalog/migrations"
	"trapper/catalog/queue"
	"trapper/catalog/services"
	"trapper/catalog/worker"
	"trapper/utils"
	"trapper/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	queueLocal      = "local"
	queueRedis      = "redis"
	queueKubernetes = "kubernetes"
)

type trapperEnv struct {
	IngressHostname string
	ShareDir        string
	JwtSecret       string

	AdminUsername string
	AdminEmail    string
	AdminPassword string

	IdentityProvider      string
	KeycloakServerUrl     string
	KeycloakRealm         string
	KeycloakAdminUsername string
	keycloakAdminPassword string
	KeycloakVerbose       bool

	Queue        string
	LocalWorkers int

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDb       int
	RedisKey      string

	KubernetesNamespace string
	WorkerImage         string
	WorkerShareClaim    string
	WorkerBackoffLimit  int

	ResubmitInterval time.Duration

	Backend config.Backend
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

/**
 * ==========================================================================
 * ==== All variables that are used by the catalog must be loaded here.  ====
 * ==== This is to make the data flow clear so that a user can see what  ====
 * ==== variables are exposed, and how the values are propagated through ====
 * ==== the system.                                                      ====
 * ==========================================================================
 */
func loadEnv() trapperEnv {
	missingEnvs := []string{}

	requiredEnv := func(key string) string {
		env := os.Getenv(key)
		if env == "" {
			missingEnvs = append(missingEnvs, key)
			slog.Error("missing required env variable", "key", key)
		}
		return env
	}

	backend, err := config.LoadBackend()
	if err != nil {
		log.Fatalf("error loading backend config: %v", err)
	}

	env := trapperEnv{
		IngressHostname: utils.OptionalEnv("INGRESS_HOSTNAME"),
		ShareDir:        requiredEnv("SHARE_DIR"),
		JwtSecret:       requiredEnv("JWT_SECRET"),

		AdminUsername: requiredEnv("ADMIN_USERNAME"),
		AdminEmail:    requiredEnv("ADMIN_MAIL"),
		AdminPassword: requiredEnv("ADMIN_PASSWORD"),

		IdentityProvider:      requiredEnv("IDENTITY_PROVIDER"),
		KeycloakServerUrl:     utils.OptionalEnv("KEYCLOAK_SERVER_URL"),
		KeycloakRealm:         utils.OptionalEnv("KEYCLOAK_REALM"),
		KeycloakAdminUsername: utils.OptionalEnv("KEYCLOAK_ADMIN_USER"),
		keycloakAdminPassword: utils.OptionalEnv("KEYCLOAK_ADMIN_PASSWORD"),
		KeycloakVerbose:       utils.BoolEnvVar("KEYCLOAK_VERBOSE"),

		Queue:        utils.OptionalEnv("QUEUE"),
		LocalWorkers: utils.IntEnvVar("LOCAL_WORKERS", 2),

		RedisAddr:     utils.OptionalEnv("REDIS_ADDR"),
		RedisUsername: utils.OptionalEnv("REDIS_USERNAME"),
		RedisPassword: utils.OptionalEnv("REDIS_PASSWORD"),
		RedisDb:       utils.IntEnvVar("REDIS_DB", 0),
		RedisKey:      utils.OptionalEnv("REDIS_KEY"),

		KubernetesNamespace: utils.OptionalEnv("KUBERNETES_NAMESPACE"),
		WorkerImage:         utils.OptionalEnv("WORKER_IMAGE"),
		WorkerShareClaim:    utils.OptionalEnv("WORKER_SHARE_CLAIM"),
		WorkerBackoffLimit:  utils.IntEnvVar("WORKER_BACKOFF_LIMIT", 0),

		ResubmitInterval: time.Duration(utils.IntEnvVar("RESUBMIT_INTERVAL_SECONDS", 60)) * time.Second,

		Backend: backend,
	}

	if len(missingEnvs) > 0 {
		log.Fatalf("The following required env vars are missing: %s", strings.Join(missingEnvs, ", "))
	}

	if env.Queue == "" {
		env.Queue = queueLocal
	}
	if env.Queue == queueKubernetes && (env.KubernetesNamespace == "" || env.WorkerImage == "") {
		log.Fatal("KUBERNETES_NAMESPACE and WORKER_IMAGE must be specified when QUEUE=kubernetes")
	}
	if env.IdentityProvider == "keycloak" && env.KeycloakServerUrl == "" {
		log.Fatal("KEYCLOAK_SERVER_URL must be specified when IDENTITY_PROVIDER=keycloak")
	}

	return env
}

func initQueue(env trapperEnv, processor *worker.Processor) (queue.Queue, func()) {
	switch env.Queue {
	case queueLocal:
		q := queue.NewLocalQueue(env.LocalWorkers, 100, processor.Process)
		return q, q.Stop

	case queueRedis:
		client, err := queue.NewRedisClient(queue.RedisArgs{
			Addr:     env.RedisAddr,
			Username: env.RedisUsername,
			Password: env.RedisPassword,
			DB:       env.RedisDb,
		})
		if err != nil {
			log.Fatalf("error creating redis queue: %v", err)
		}
		q := queue.NewRedisQueue(client, env.RedisKey)
		return q, func() {
			if err := q.Close(); err != nil {
				slog.Error("error closing redis queue", "error", err)
			}
		}

	case queueKubernetes:
		q, err := queue.NewInClusterKubernetesQueue(queue.KubernetesArgs{
			Namespace:    env.KubernetesNamespace,
			Image:        env.WorkerImage,
			Env:          env.Backend.WorkerEnv(),
			ShareDir:     env.Backend.Storage.ShareDir,
			ShareClaim:   env.WorkerShareClaim,
			BackoffLimit: env.WorkerBackoffLimit,
		})
		if err != nil {
			log.Fatalf("error creating kubernetes queue: %v", err)
		}
		return q, func() {}

	default:
		log.Fatalf("invalid QUEUE '%v', must be one of %v, %v, %v", env.Queue, queueLocal, queueRedis, queueKubernetes)
		return nil, nil
	}
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(filepath.Join(env.ShareDir, "logs/"), 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(env.ShareDir, "logs/trapper.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(env.ShareDir, "logs/audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditLog.Close()

	logging.Init(logFile, slog.String("service_type", "catalog"))
	slog.Info("logging initialized", "log_file", logFile.Name(), "code", logging.SYSTEM)

	db, err := env.Backend.Db.OpenDb()
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}
	if err := migrations.Migrate(db); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	sharedStorage, err := env.Backend.Storage.OpenStorage(context.Background())
	if err != nil {
		log.Fatalf("error opening storage: %v", err)
	}

	var identityProvider auth.IdentityProvider
	if env.IdentityProvider == "keycloak" {
		identityProvider, err = auth.NewKeycloakIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.KeycloakArgs{
				KeycloakServerUrl:     env.KeycloakServerUrl,
				Realm:                 env.KeycloakRealm,
				KeycloakAdminUsername: env.KeycloakAdminUsername,
				KeycloakAdminPassword: env.keycloakAdminPassword,
				AdminUsername:         env.AdminUsername,
				AdminEmail:            env.AdminEmail,
				AdminPassword:         env.AdminPassword,
				PublicHostname:        env.IngressHostname,
				Verbose:               env.KeycloakVerbose,
			},
		)
		if err != nil {
			log.Fatalf("error creating keycloak identity provider: %v", err)
		}
	} else {
		identityProvider, err = auth.NewBasicIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.BasicProviderArgs{
				Secret:        []byte(env.JwtSecret),
				AdminUsername: env.AdminUsername,
				AdminEmail:    env.AdminEmail,
				AdminPassword: env.AdminPassword,
			},
		)
		if err != nil {
			log.Fatalf("error creating basic identity provider: %v", err)
		}
	}

	uploadQueue, stopQueue := initQueue(env, worker.NewProcessor(db, sharedStorage))
	defer stopQueue()

	catalog := services.NewCatalog(db, sharedStorage, uploadQueue, identityProvider)

	go catalog.ResubmitLoop(env.ResubmitInterval)

	r := chi.NewRouter()

	allowedOrigins := []string{"*"}
	if env.IngressHostname != "" {
		allowedOrigins = []string{env.IngressHostname}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300, // Cache preflight response for 5 minutes
	}))
	r.Mount("/api/v1", catalog.Routes())
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: r,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutdown signal received", "code", logging.SYSTEM)
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("HTTP server Shutdown", "err", err)
		}
		close(idleConnsClosed)
	}()

	slog.Info("starting server", "port", *port, "queue", env.Queue, "code", logging.SYSTEM)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}

	<-idleConnsClosed
	catalog.StopResubmitLoop()
}
