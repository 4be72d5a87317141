package storage

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrUnsafePath = errors.New("path escapes storage root")

// UsageStats reports capacity of the backing store. TotalBytes is zero when the
// store has no fixed capacity.
type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

type Storage interface {
	Read(path string) (io.ReadCloser, error)
	Write(path string, data io.Reader) error
	Delete(path string) error
	List(path string) ([]string, error)
	Exists(path string) (bool, error)

	// Unzip extracts the archive at path into a sibling directory named after
	// the archive without its .zip suffix.
	Unzip(path string) error

	Size(path string) (int64, error)
	Usage() (UsageStats, error)
	Location() string
}

const (
	UploadsDir   = "uploads"
	ResourcesDir = "resources"
)

func UploadDir(jobId uuid.UUID) string {
	return filepath.Join(UploadsDir, jobId.String())
}

func DefinitionPath(jobId uuid.UUID) string {
	return filepath.Join(UploadDir(jobId), "definition.yaml")
}

func ArchivePath(jobId uuid.UUID) string {
	return filepath.Join(UploadDir(jobId), "archive.zip")
}

// ExtractedDir is where Unzip places the contents of ArchivePath.
func ExtractedDir(jobId uuid.UUID) string {
	return filepath.Join(UploadDir(jobId), "archive")
}

// ResourceDir holds the media files copied in for one resource. It is owned by
// that resource and removed with it.
func ResourceDir(resourceId uuid.UUID) string {
	return filepath.Join(ResourcesDir, resourceId.String())
}

func ResourcePath(resourceId uuid.UUID, name string) string {
	return filepath.Join(ResourceDir(resourceId), filepath.Base(name))
}

// CheckRelativePath rejects absolute paths and paths that climb out of their root.
func CheckRelativePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: '%v' is absolute", ErrUnsafePath, path)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%w: '%v' contains '..'", ErrUnsafePath, path)
		}
	}
	return nil
}

// CheckExternalPath is CheckRelativePath for paths supplied by clients. The
// directories the catalog writes to itself are off limits.
func CheckExternalPath(path string) error {
	if err := CheckRelativePath(path); err != nil {
		return err
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, dir := range []string{UploadsDir, ResourcesDir} {
		if clean == dir || strings.HasPrefix(clean, dir+"/") {
			return fmt.Errorf("%w: '%v' is inside %v/", ErrUnsafePath, path, dir)
		}
	}
	return nil
}
