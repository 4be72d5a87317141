package services

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"
	"trapper/catalog/auth"
	"trapper/catalog/queue"
	"trapper/catalog/schema"
	"trapper/catalog/storage"
	"trapper/utils"
	"trapper/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

type Catalog struct {
	user       UserService
	resource   ResourceService
	collection CollectionService
	upload     UploadService
	project    ProjectService
	message    MessageService

	db    *gorm.DB
	queue queue.Queue
	stop  chan bool
}

func NewCatalog(db *gorm.DB, storage storage.Storage, queue queue.Queue, userAuth auth.IdentityProvider) Catalog {
	requests := RequestService{db: db}

	return Catalog{
		user: UserService{db: db, userAuth: userAuth},
		resource: ResourceService{
			db:       db,
			storage:  storage,
			userAuth: userAuth,
		},
		collection: CollectionService{
			db:       db,
			userAuth: userAuth,
			requests: requests,
		},
		upload: UploadService{
			db:       db,
			storage:  storage,
			queue:    queue,
			userAuth: userAuth,
		},
		project: ProjectService{db: db, userAuth: userAuth},
		message: MessageService{
			db:       db,
			userAuth: userAuth,
			requests: requests,
		},
		db:    db,
		queue: queue,
		stop:  make(chan bool, 1),
	}
}

func (c *Catalog) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/user", c.user.Routes())
	r.Mount("/resource", c.resource.Routes())
	r.Mount("/collection", c.collection.Routes())
	r.Mount("/upload", c.upload.Routes())
	r.Mount("/project", c.project.Routes())
	r.Mount("/message", c.message.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

// ResubmitStalledJobs hands jobs whose submission failed back to the queue. Only jobs
// that have been waiting for at least minAge are retried so that an upload
// still in the middle of its own submit is left alone.
func (c *Catalog) ResubmitStalledJobs(minAge time.Duration) {
	var jobs []schema.UploadJob
	result := c.db.
		Where("status = ? AND updated_at < ?", schema.UploadArchiveAttached, time.Now().Add(-minAge)).
		Find(&jobs)
	if result.Error != nil {
		slog.Error("resubmit: sql error querying stalled upload jobs", "error", result.Error, "code", logging.UPLOAD_SUBMIT)
		return
	}

	for _, job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.queue.Submit(ctx, job.Id)
		cancel()
		if err != nil {
			metricArchiveSubmissions.WithLabelValues("failed").Inc()
			slog.Error("resubmit: error submitting upload job", "job_id", job.Id, "error", err, "code", logging.UPLOAD_SUBMIT)
			continue
		}
		metricArchiveSubmissions.WithLabelValues("submitted").Inc()
		metricUploadJobsResubmitted.Inc()

		markEnqueued(c.db, job.Id)
		slog.Info("resubmit: upload job resubmitted", "job_id", job.Id, "code", logging.UPLOAD_SUBMIT)
	}
}

func (c *Catalog) ResubmitLoop(interval time.Duration) {
	slog.Info("resubmit: starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.ResubmitStalledJobs(interval)
		case <-c.stop:
			slog.Info("resubmit: process stopped")
			return
		}
	}
}

func (c *Catalog) StopResubmitLoop() {
	close(c.stop)
}
