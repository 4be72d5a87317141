package services

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"trapper/catalog/auth"
	"trapper/catalog/schema"
	"trapper/catalog/storage"
	"trapper/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// authorize runs the named rule and maps a denial to 403.
func authorize(key auth.RuleKey, user schema.User, target auth.Target) error {
	if err := auth.Authorize(key, user, target); err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			return CodedError(err, http.StatusForbidden)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

// notFoundOr500 maps a schema lookup error to 404 when it is the given sentinel.
func notFoundOr500(err, notFound error) error {
	if errors.Is(err, notFound) {
		return CodedError(err, http.StatusNotFound)
	}
	return CodedError(err, http.StatusInternalServerError)
}

func getMultipartBoundary(r *http.Request) (string, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return "", CodedError(fmt.Errorf("missing 'Content-Type' header"), http.StatusBadRequest)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", CodedError(fmt.Errorf("error parsing media type in request: %w", err), http.StatusBadRequest)
	}
	if mediaType != "multipart/form-data" {
		return "", CodedError(fmt.Errorf("expected media type to be 'multipart/form-data'"), http.StatusBadRequest)
	}

	boundary, ok := params["boundary"]
	if !ok {
		return "", CodedError(fmt.Errorf("missing 'boundary' parameter in 'Content-Type' header"), http.StatusBadRequest)
	}

	return boundary, nil
}

// withMultipartFile streams the named file field of a multipart request to
// handle. Other parts are skipped.
func withMultipartFile(r *http.Request, field string, handle func(part *multipart.Part) error) error {
	boundary, err := getMultipartBoundary(r)
	if err != nil {
		return err
	}

	reader := multipart.NewReader(r.Body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return CodedError(fmt.Errorf("missing file field '%v' in request", field), http.StatusBadRequest)
		}
		if err != nil {
			return CodedError(fmt.Errorf("error parsing multipart request: %w", err), http.StatusBadRequest)
		}

		if part.FormName() != field {
			part.Close()
			continue
		}
		defer part.Close()

		if part.FileName() == "" {
			return CodedError(fmt.Errorf("invalid filename for field '%v': filename cannot be empty", field), http.StatusUnprocessableEntity)
		}

		return handle(part)
	}
}

func checkDiskUsage(storage storage.Storage) error {
	stats, err := storage.Usage()
	if err != nil {
		slog.Error("unable to get disk usage from storage", "error", err)
		return CodedError(errors.New("unable to get disk usage"), http.StatusInternalServerError)
	}
	if stats.TotalBytes == 0 {
		return nil
	}
	oneMib := uint64(1024 * 1024)
	// Either 20% disk needs to be free or 20Gb (in case the disk is very large)
	threshold := min(stats.TotalBytes/5, 20*1024*oneMib)
	if stats.FreeBytes < threshold {
		used := (stats.TotalBytes - stats.FreeBytes) / oneMib
		total := stats.TotalBytes / oneMib
		delta := (threshold - stats.FreeBytes) / oneMib
		return CodedError(fmt.Errorf("insufficient disk space available, usage: %d/%d Mib, please clear %d Mib", used, total, delta), http.StatusInsufficientStorage)
	}
	return nil
}

func checkSufficientStorage(storage storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			if err := checkDiskUsage(storage); err != nil {
				slog.Error(err.Error())
				http.Error(w, err.Error(), GetResponseCode(err))
				return
			}
			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}

func checkUserExists(txn *gorm.DB, userId uuid.UUID) error {
	if _, err := schema.GetUser(userId, txn); err != nil {
		return notFoundOr500(err, schema.ErrUserNotFound)
	}
	return nil
}

// loadUsers returns the users with the given ids, failing with 422 if any is unknown.
func loadUsers(txn *gorm.DB, ids []uuid.UUID) ([]schema.User, error) {
	users := make([]schema.User, 0, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	if err := txn.Where("id IN ?", ids).Find(&users).Error; err != nil {
		slog.Error("sql error loading users", "error", err)
		return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if len(users) != len(uniqueIds(ids)) {
		return nil, CodedError(fmt.Errorf("one or more of the specified users do not exist"), http.StatusUnprocessableEntity)
	}
	return users, nil
}

func loadResources(txn *gorm.DB, ids []uuid.UUID) ([]schema.Resource, error) {
	resources := make([]schema.Resource, 0, len(ids))
	if len(ids) == 0 {
		return resources, nil
	}
	if err := txn.Where("id IN ?", ids).Find(&resources).Error; err != nil {
		slog.Error("sql error loading resources", "error", err)
		return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if len(resources) != len(uniqueIds(ids)) {
		return nil, CodedError(fmt.Errorf("one or more of the specified resources do not exist"), http.StatusUnprocessableEntity)
	}
	return resources, nil
}

func uniqueIds(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

const pageSize = 10

type Page[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// paginate counts the rows matched by query and loads the requested page
// (1-based) into dest with the given associations preloaded.
func paginate(r *http.Request, query *gorm.DB, dest interface{}, preloads ...string) (page int, total int64, pages int, err error) {
	page, err = utils.QueryParamInt(r, "page", 1)
	if err != nil {
		return 0, 0, 0, CodedError(err, http.StatusBadRequest)
	}
	if page < 1 {
		return 0, 0, 0, CodedError(fmt.Errorf("page must be >= 1"), http.StatusBadRequest)
	}

	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		slog.Error("sql error counting page rows", "error", err)
		return 0, 0, 0, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	for _, preload := range preloads {
		query = query.Preload(preload)
	}
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).Find(dest).Error; err != nil {
		slog.Error("sql error loading page", "page", page, "error", err)
		return 0, 0, 0, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	pages = int(math.Ceil(float64(total) / float64(pageSize)))
	return page, total, pages, nil
}

type redirectResponse struct {
	Message  string `json:"message,omitempty"`
	Redirect string `json:"redirect"`
}
