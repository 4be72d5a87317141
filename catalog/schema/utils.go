package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound              = errors.New("user not found")
	ErrResourceNotFound          = errors.New("resource not found")
	ErrResourceTypeNotFound      = errors.New("resource type not found")
	ErrCollectionNotFound        = errors.New("collection not found")
	ErrProjectNotFound           = errors.New("project not found")
	ErrProjectRoleNotFound       = errors.New("project role not found")
	ErrUploadJobNotFound         = errors.New("upload job not found")
	ErrMessageNotFound           = errors.New("message not found")
	ErrCollectionRequestNotFound = errors.New("collection request not found")
	ErrDbAccessFailed            = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetResourceType(name string, db *gorm.DB) (ResourceType, error) {
	var resourceType ResourceType

	result := db.First(&resourceType, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return resourceType, ErrResourceTypeNotFound
		}
		slog.Error("sql error in get resource type", "name", name, "error", result.Error)
		return resourceType, ErrDbAccessFailed
	}

	return resourceType, nil
}

func GetResource(resourceId uuid.UUID, db *gorm.DB, loadManagers bool) (Resource, error) {
	var resource Resource

	query := db.Preload("ResourceType").Preload("Owner").Preload("Uploader")
	if loadManagers {
		query = query.Preload("Managers")
	}

	result := query.First(&resource, "id = ?", resourceId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return resource, ErrResourceNotFound
		}
		slog.Error("sql error in get resource", "resource_id", resourceId, "error", result.Error)
		return resource, ErrDbAccessFailed
	}

	return resource, nil
}

func GetCollection(collectionId uuid.UUID, db *gorm.DB, loadManagers, loadResources bool) (Collection, error) {
	var collection Collection

	query := db.Preload("Owner")
	if loadManagers {
		query = query.Preload("Managers")
	}
	if loadResources {
		query = query.Preload("Resources").Preload("Resources.ResourceType")
	}

	result := query.First(&collection, "id = ?", collectionId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return collection, ErrCollectionNotFound
		}
		slog.Error("sql error in get collection", "collection_id", collectionId, "error", result.Error)
		return collection, ErrDbAccessFailed
	}

	return collection, nil
}

func GetProject(projectId uuid.UUID, db *gorm.DB) (Project, error) {
	var project Project

	result := db.First(&project, "id = ?", projectId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return project, ErrProjectNotFound
		}
		slog.Error("sql error in get project", "project_id", projectId, "error", result.Error)
		return project, ErrDbAccessFailed
	}

	return project, nil
}

func GetProjectRole(projectId, userId uuid.UUID, db *gorm.DB) (ProjectRole, error) {
	var role ProjectRole

	result := db.First(&role, "project_id = ? and user_id = ?", projectId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return role, ErrProjectRoleNotFound
		}
		slog.Error("sql error in get project role", "project_id", projectId, "user_id", userId, "error", result.Error)
		return role, ErrDbAccessFailed
	}

	return role, nil
}

// GetProjectsWithRoles returns the projects where the user holds one of the given roles.
func GetProjectsWithRoles(userId uuid.UUID, roles []string, db *gorm.DB) ([]Project, error) {
	var projectRoles []ProjectRole
	result := db.Preload("Project").Where("user_id = ? AND role IN ?", userId, roles).Find(&projectRoles)
	if result.Error != nil {
		slog.Error("sql error in get projects with roles", "user_id", userId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	projects := make([]Project, 0, len(projectRoles))
	for _, role := range projectRoles {
		if role.Project != nil {
			projects = append(projects, *role.Project)
		}
	}
	return projects, nil
}

func GetUploadJob(jobId uuid.UUID, db *gorm.DB, loadLogs bool) (UploadJob, error) {
	var job UploadJob

	query := db
	if loadLogs {
		query = query.Preload("Logs")
	}

	result := query.First(&job, "id = ?", jobId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return job, ErrUploadJobNotFound
		}
		slog.Error("sql error in get upload job", "job_id", jobId, "error", result.Error)
		return job, ErrDbAccessFailed
	}

	return job, nil
}

func GetMessage(messageId uuid.UUID, db *gorm.DB) (Message, error) {
	var message Message

	result := db.Preload("UserFrom").Preload("UserTo").First(&message, "id = ?", messageId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return message, ErrMessageNotFound
		}
		slog.Error("sql error in get message", "message_id", messageId, "error", result.Error)
		return message, ErrDbAccessFailed
	}

	return message, nil
}

func GetCollectionRequest(requestId uuid.UUID, db *gorm.DB) (CollectionRequest, error) {
	var request CollectionRequest

	result := db.Preload("Message").Preload("Project").Preload("Collection").First(&request, "id = ?", requestId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return request, ErrCollectionRequestNotFound
		}
		slog.Error("sql error in get collection request", "request_id", requestId, "error", result.Error)
		return request, ErrDbAccessFailed
	}

	return request, nil
}
