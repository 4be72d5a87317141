package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"trapper/catalog/auth"
	"trapper/catalog/definition"
	"trapper/catalog/queue"
	"trapper/catalog/schema"
	"trapper/catalog/storage"
	"trapper/utils"
	"trapper/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	definitionField = "definition_file"
	archiveField    = "archive_file"

	maxDefinitionSize = 1 << 20

	definitionAcceptedMessage = "Success! Definition file is valid, please upload the archive file (.zip)"
	archiveAcceptedMessage    = "Resources uploaded! System will process your request soon."
)

type UploadService struct {
	db       *gorm.DB
	storage  storage.Storage
	queue    queue.Queue
	userAuth auth.IdentityProvider
}

func (s *UploadService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.With(checkSufficientStorage(s.storage)).Post("/definition", s.UploadDefinition)
		r.With(checkSufficientStorage(s.storage)).Post("/{job_id}/archive", s.UploadArchive)

		r.Get("/list", s.List)
		r.Get("/{job_id}", s.Info)
	})

	return r
}

type uploadResponse struct {
	JobId    uuid.UUID `json:"job_id"`
	Message  string    `json:"message"`
	Redirect string    `json:"redirect"`
}

func (s *UploadService) UploadDefinition(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var data []byte
	err = withMultipartFile(r, definitionField, func(part *multipart.Part) error {
		var readErr error
		data, readErr = io.ReadAll(io.LimitReader(part, maxDefinitionSize+1))
		if readErr != nil {
			return CodedError(fmt.Errorf("error reading definition file: %w", readErr), http.StatusBadRequest)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error uploading definition file: %v", err), GetResponseCode(err))
		return
	}

	if _, err := definition.Load(bytes.NewReader(data), user.Id, s.db); err != nil {
		if errors.Is(err, definition.ErrInvalidDefinition) {
			metricDefinitionValidations.WithLabelValues("invalid").Inc()
			slog.Info("rejected definition file", "user_id", user.Id, "error", err, "code", logging.UPLOAD_DEFINITION)
			utils.WriteJsonError(w, fmt.Sprintf("Definition file error! %v", err), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, fmt.Sprintf("error validating definition file: %v", err), http.StatusInternalServerError)
		return
	}
	metricDefinitionValidations.WithLabelValues("valid").Inc()

	jobId := uuid.New()
	defPath := storage.DefinitionPath(jobId)
	if err := s.storage.Write(defPath, bytes.NewReader(data)); err != nil {
		slog.Error("error saving definition file", "job_id", jobId, "error", err, "code", logging.DATA_STORAGE)
		http.Error(w, fmt.Sprintf("error saving definition file: %v", err), http.StatusInternalServerError)
		return
	}

	job := schema.UploadJob{
		Id:         jobId,
		OwnerId:    user.Id,
		Definition: defPath,
		Status:     schema.UploadCreated,
	}
	if err := s.db.Create(&job).Error; err != nil {
		slog.Error("sql error creating upload job", "job_id", jobId, "error", err)
		if err := s.storage.Delete(storage.UploadDir(jobId)); err != nil {
			slog.Warn("unable to remove definition file", "job_id", jobId, "error", err, "code", logging.DATA_STORAGE)
		}
		http.Error(w, fmt.Sprintf("error creating upload job: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	slog.Info("accepted definition file", "job_id", jobId, "user_id", user.Id, "code", logging.UPLOAD_DEFINITION)

	utils.WriteJsonResponse(w, uploadResponse{
		JobId:    jobId,
		Message:  definitionAcceptedMessage,
		Redirect: fmt.Sprintf("/upload/%v/archive", jobId),
	})
}

func (s *UploadService) loadJobForAttach(jobId uuid.UUID, user schema.User) (schema.UploadJob, error) {
	job, err := schema.GetUploadJob(jobId, s.db, false)
	if err != nil {
		return job, notFoundOr500(err, schema.ErrUploadJobNotFound)
	}

	if err := authorize(auth.UploadJobAttach, user, auth.UploadJobTarget(job)); err != nil {
		return job, err
	}

	switch job.Status {
	case schema.UploadCreated, schema.UploadArchiveAttached, schema.UploadFailed:
		return job, nil
	default:
		return job, CodedError(fmt.Errorf("upload job %v is already %v", jobId, job.Status), http.StatusConflict)
	}
}

func (s *UploadService) UploadArchive(w http.ResponseWriter, r *http.Request) {
	jobId, err := utils.URLParamUUID(r, "job_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err := s.loadJobForAttach(jobId, user); err != nil {
		http.Error(w, fmt.Sprintf("error uploading archive: %v", err), GetResponseCode(err))
		return
	}

	archivePath := storage.ArchivePath(jobId)
	err = withMultipartFile(r, archiveField, func(part *multipart.Part) error {
		if !strings.EqualFold(filepath.Ext(part.FileName()), ".zip") {
			return CodedError(fmt.Errorf("archive '%v' must be a .zip file", part.FileName()), http.StatusUnprocessableEntity)
		}
		if err := s.storage.Write(archivePath, part); err != nil {
			slog.Error("error saving archive", "job_id", jobId, "error", err, "code", logging.UPLOAD_ARCHIVE)
			return CodedError(fmt.Errorf("error saving archive: %w", err), http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		if GetResponseCode(err) == http.StatusUnprocessableEntity {
			utils.WriteJsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, fmt.Sprintf("error uploading archive: %v", err), GetResponseCode(err))
		return
	}

	result := s.db.Model(&schema.UploadJob{}).
		Where("id = ? AND status IN ?", jobId, []string{schema.UploadCreated, schema.UploadArchiveAttached, schema.UploadFailed}).
		Updates(map[string]interface{}{"archive": archivePath, "status": schema.UploadArchiveAttached})
	if result.Error != nil {
		slog.Error("sql error attaching archive", "job_id", jobId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error uploading archive: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		http.Error(w, fmt.Sprintf("error uploading archive: upload job %v changed state during upload", jobId), http.StatusConflict)
		return
	}

	slog.Info("archive attached", "job_id", jobId, "user_id", user.Id, "code", logging.UPLOAD_ARCHIVE)

	// Processing happens asynchronously, a failed submit is retried by the resubmit loop.
	s.submit(r, jobId)

	utils.WriteJsonResponse(w, uploadResponse{
		JobId:    jobId,
		Message:  archiveAcceptedMessage,
		Redirect: "/upload/list",
	})
}

func (s *UploadService) submit(r *http.Request, jobId uuid.UUID) {
	if err := s.queue.Submit(r.Context(), jobId); err != nil {
		metricArchiveSubmissions.WithLabelValues("failed").Inc()
		slog.Error("error submitting upload job", "job_id", jobId, "error", err, "code", logging.UPLOAD_SUBMIT)
		return
	}
	metricArchiveSubmissions.WithLabelValues("submitted").Inc()

	markEnqueued(s.db, jobId)
}

// markEnqueued moves a job out of archive_attached unless a worker already picked it up.
func markEnqueued(db *gorm.DB, jobId uuid.UUID) {
	result := db.Model(&schema.UploadJob{}).
		Where("id = ? AND status = ?", jobId, schema.UploadArchiveAttached).
		Update("status", schema.UploadEnqueued)
	if result.Error != nil {
		slog.Error("sql error marking upload job enqueued", "job_id", jobId, "error", result.Error, "code", logging.UPLOAD_SUBMIT)
	}
}

type JobLogInfo struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type UploadJobInfo struct {
	Id           uuid.UUID       `json:"id"`
	Status       string          `json:"status"`
	CollectionId *uuid.UUID      `json:"collection_id,omitempty"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Logs         []JobLogInfo    `json:"logs,omitempty"`
}

func convertToUploadJobInfo(job *schema.UploadJob) UploadJobInfo {
	info := UploadJobInfo{
		Id:           job.Id,
		Status:       job.Status,
		CollectionId: job.CollectionId,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if len(job.Summary) > 0 {
		info.Summary = json.RawMessage(job.Summary)
	}
	for _, l := range job.Logs {
		info.Logs = append(info.Logs, JobLogInfo{Level: l.Level, Message: l.Message})
	}
	return info
}

func (s *UploadService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var jobs []schema.UploadJob
	if err := s.db.Where("owner_id = ?", user.Id).Order("created_at DESC").Find(&jobs).Error; err != nil {
		slog.Error("sql error listing upload jobs", "user_id", user.Id, "error", err)
		http.Error(w, fmt.Sprintf("error listing upload jobs: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]UploadJobInfo, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, convertToUploadJobInfo(&job))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *UploadService) Info(w http.ResponseWriter, r *http.Request) {
	jobId, err := utils.URLParamUUID(r, "job_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	job, err := schema.GetUploadJob(jobId, s.db, true)
	if err != nil {
		err = notFoundOr500(err, schema.ErrUploadJobNotFound)
		http.Error(w, fmt.Sprintf("error getting upload job: %v", err), GetResponseCode(err))
		return
	}

	if err := authorize(auth.UploadJobView, user, auth.UploadJobTarget(job)); err != nil {
		http.Error(w, fmt.Sprintf("error getting upload job: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, convertToUploadJobInfo(&job))
}
