package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
	"trapper/catalog/definition"
	"trapper/catalog/schema"
	"trapper/catalog/storage"
	"trapper/utils/logging"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrJobNotReady   = errors.New("upload job has no archive attached")
	ErrNoResources   = errors.New("none of the listed resources were found in the archive")
	ErrJobProcessing = errors.New("upload job is already being processed")
)

var (
	metricJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapper_upload_jobs_processed_total",
		Help: "Upload jobs processed by the worker, by final status.",
	}, []string{"status"})

	metricJobDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name:       "trapper_upload_job_duration_seconds",
		Help:       "Time spent processing an upload job.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
)

const (
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

type Summary struct {
	CollectionId     uuid.UUID `json:"collection_id"`
	ResourcesCreated int       `json:"resources_created"`
	ResourcesSkipped int       `json:"resources_skipped"`
}

// Processor turns an upload job with an attached archive into a collection
// and its resources.
type Processor struct {
	db      *gorm.DB
	storage storage.Storage
}

func NewProcessor(db *gorm.DB, storage storage.Storage) *Processor {
	return &Processor{db: db, storage: storage}
}

func (p *Processor) setStatus(jobId uuid.UUID, status string) error {
	result := p.db.Model(&schema.UploadJob{}).Where("id = ?", jobId).Update("status", status)
	if result.Error != nil {
		slog.Error("sql error updating upload job status", "job_id", jobId, "status", status, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}

func (p *Processor) addLog(jobId uuid.UUID, level, message string) {
	entry := schema.JobLog{Id: uuid.New(), UploadJobId: jobId, Level: level, Message: message}
	if err := p.db.Create(&entry).Error; err != nil {
		slog.Error("sql error adding upload job log", "job_id", jobId, "error", err)
	}
}

// claim moves the job into processing. Jobs that are complete, or already
// claimed by another worker, are rejected.
func (p *Processor) claim(jobId uuid.UUID) (schema.UploadJob, error) {
	job, err := schema.GetUploadJob(jobId, p.db, false)
	if err != nil {
		return job, err
	}

	switch job.Status {
	case schema.UploadComplete:
		return job, nil
	case schema.UploadProcessing:
		return job, ErrJobProcessing
	case schema.UploadCreated:
		return job, ErrJobNotReady
	}

	result := p.db.Model(&schema.UploadJob{}).
		Where("id = ? AND status IN ?", jobId, []string{schema.UploadArchiveAttached, schema.UploadEnqueued, schema.UploadFailed}).
		Update("status", schema.UploadProcessing)
	if result.Error != nil {
		slog.Error("sql error claiming upload job", "job_id", jobId, "error", result.Error)
		return job, schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return job, ErrJobProcessing
	}
	job.Status = schema.UploadProcessing

	return job, nil
}

func (p *Processor) Process(ctx context.Context, jobId uuid.UUID) error {
	timer := prometheus.NewTimer(metricJobDuration)
	defer timer.ObserveDuration()

	job, err := p.claim(jobId)
	if err != nil {
		return fmt.Errorf("error claiming upload job %v: %w", jobId, err)
	}
	if job.Status == schema.UploadComplete {
		slog.Info("upload job already complete", "job_id", jobId, "code", logging.UPLOAD_PROCESS)
		return nil
	}

	slog.Info("processing upload job", "job_id", jobId, "code", logging.UPLOAD_PROCESS)

	summary, err := p.process(ctx, job)
	if err != nil {
		p.addLog(jobId, LogLevelError, err.Error())
		if statusErr := p.setStatus(jobId, schema.UploadFailed); statusErr != nil {
			return statusErr
		}
		metricJobsProcessed.WithLabelValues(schema.UploadFailed).Inc()
		slog.Error("upload job failed", "job_id", jobId, "error", err, "code", logging.UPLOAD_PROCESS)
		return err
	}

	metricJobsProcessed.WithLabelValues(schema.UploadComplete).Inc()
	slog.Info("upload job complete", "job_id", jobId, "collection_id", summary.CollectionId, "resources", summary.ResourcesCreated, "code", logging.UPLOAD_PROCESS)
	return nil
}

func (p *Processor) process(ctx context.Context, job schema.UploadJob) (Summary, error) {
	if job.Archive == "" {
		return Summary{}, ErrJobNotReady
	}

	defFile, err := p.storage.Read(job.Definition)
	if err != nil {
		return Summary{}, fmt.Errorf("error reading definition file: %w", err)
	}
	def, err := definition.Parse(defFile)
	defFile.Close()
	if err != nil {
		return Summary{}, fmt.Errorf("definition file error: %w", err)
	}
	if err := def.Validate(job.OwnerId, p.db); err != nil {
		return Summary{}, fmt.Errorf("definition file error: %w", err)
	}

	if err := p.storage.Unzip(job.Archive); err != nil {
		return Summary{}, fmt.Errorf("error extracting archive: %w", err)
	}
	extracted := storage.ExtractedDir(job.Id)
	defer func() {
		if err := p.storage.Delete(extracted); err != nil {
			slog.Warn("unable to clean up extracted archive", "job_id", job.Id, "error", err)
		}
	}()

	resources, copied, skipped, err := p.stageResources(ctx, job, def, extracted)
	if err != nil {
		p.removeFiles(copied)
		return Summary{}, err
	}
	if len(resources) == 0 {
		return Summary{}, ErrNoResources
	}

	collection := schema.Collection{
		Id:          uuid.New(),
		Name:        def.Collection.Name,
		Description: def.Collection.Description,
		OwnerId:     job.OwnerId,
		CreatedAt:   time.Now(),
	}

	summary := Summary{CollectionId: collection.Id, ResourcesCreated: len(resources), ResourcesSkipped: skipped}
	summaryJson, err := json.Marshal(summary)
	if err != nil {
		p.removeFiles(copied)
		return Summary{}, fmt.Errorf("error encoding job summary: %w", err)
	}

	err = p.db.Transaction(func(txn *gorm.DB) error {
		if len(def.Collection.Managers) > 0 {
			if err := txn.Where("username IN ?", def.Collection.Managers).Find(&collection.Managers).Error; err != nil {
				slog.Error("sql error loading collection managers", "job_id", job.Id, "error", err)
				return schema.ErrDbAccessFailed
			}
		}

		if err := txn.Create(&resources).Error; err != nil {
			slog.Error("sql error creating resources", "job_id", job.Id, "error", err)
			return schema.ErrDbAccessFailed
		}

		collection.Resources = resources
		if err := txn.Create(&collection).Error; err != nil {
			slog.Error("sql error creating collection", "job_id", job.Id, "error", err)
			return schema.ErrDbAccessFailed
		}

		result := txn.Model(&schema.UploadJob{}).Where("id = ?", job.Id).Updates(map[string]interface{}{
			"status":        schema.UploadComplete,
			"collection_id": collection.Id,
			"summary":       datatypes.JSON(summaryJson),
		})
		if result.Error != nil {
			slog.Error("sql error completing upload job", "job_id", job.Id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})
	if err != nil {
		p.removeFiles(copied)
		return Summary{}, fmt.Errorf("error registering collection: %w", err)
	}

	return summary, nil
}

// stageResources copies every listed file out of the extracted archive into
// its permanent location. Missing files are logged and skipped.
func (p *Processor) stageResources(ctx context.Context, job schema.UploadJob, def definition.Definition, extracted string) ([]schema.Resource, []string, int, error) {
	var types []schema.ResourceType
	if err := p.db.Find(&types).Error; err != nil {
		slog.Error("sql error listing resource types", "error", err)
		return nil, nil, 0, schema.ErrDbAccessFailed
	}
	typeIds := make(map[string]uuid.UUID, len(types))
	for _, t := range types {
		typeIds[t.Name] = t.Id
	}

	resources := make([]schema.Resource, 0, len(def.Resources))
	copied := make([]string, 0, len(def.Resources))
	skipped := 0
	uploaderId := job.OwnerId

	for _, spec := range def.Resources {
		if ctx.Err() != nil {
			return nil, copied, 0, ctx.Err()
		}

		src := filepath.Join(extracted, spec.File)
		exists, err := p.storage.Exists(src)
		if err != nil {
			return nil, copied, 0, fmt.Errorf("error checking archive contents: %w", err)
		}
		if !exists {
			p.addLog(job.Id, LogLevelWarning, fmt.Sprintf("resource '%v': file '%v' not found in archive", spec.Name, spec.File))
			skipped++
			continue
		}

		resource := schema.Resource{
			Id:             uuid.New(),
			Name:           spec.Name,
			ResourceTypeId: typeIds[spec.Type],
			DateRecorded:   spec.DateRecorded,
			DateUploaded:   time.Now(),
			Public:         spec.Public,
			CsEnabled:      spec.CsEnabled,
			OwnerId:        job.OwnerId,
			UploaderId:     &uploaderId,
		}
		resource.File = storage.ResourcePath(resource.Id, spec.File)

		if err := p.copyFile(src, resource.File); err != nil {
			return nil, copied, 0, err
		}
		copied = append(copied, filepath.Dir(resource.File))
		resources = append(resources, resource)
	}

	return resources, copied, skipped, nil
}

func (p *Processor) copyFile(src, dst string) error {
	data, err := p.storage.Read(src)
	if err != nil {
		return fmt.Errorf("error reading %v from archive: %w", src, err)
	}
	defer data.Close()

	if err := p.storage.Write(dst, data); err != nil {
		return fmt.Errorf("error storing resource file %v: %w", dst, err)
	}
	return nil
}

func (p *Processor) removeFiles(paths []string) {
	for _, path := range paths {
		if err := p.storage.Delete(path); err != nil {
			slog.Warn("unable to remove staged resource file", "path", path, "error", err, "code", logging.DATA_STORAGE)
		}
	}
}
