package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"trapper/catalog/auth"
	"trapper/catalog/schema"
	"trapper/catalog/storage"
	"trapper/utils"
	"trapper/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ResourceService struct {
	db       *gorm.DB
	storage  storage.Storage
	userAuth auth.IdentityProvider
}

func (s *ResourceService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/list", s.List)

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/user/{user_id}", s.ListForUser)
		r.Post("/create", s.Create)

		r.Get("/{resource_id}", s.Info)
		r.Post("/{resource_id}/update", s.Update)
		r.Delete("/{resource_id}", s.Delete)
	})

	return r
}

type ResourceInfo struct {
	Id           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	ResourceType string      `json:"resource_type"`
	File         string      `json:"file,omitempty"`
	DateRecorded *time.Time  `json:"date_recorded,omitempty"`
	DateUploaded time.Time   `json:"date_uploaded"`
	Public       bool        `json:"public"`
	CsEnabled    bool        `json:"cs_enabled"`
	OwnerId      uuid.UUID   `json:"owner_id"`
	Owner        string      `json:"owner"`
	UploaderId   *uuid.UUID  `json:"uploader_id,omitempty"`
	ManagerIds   []uuid.UUID `json:"manager_ids,omitempty"`
}

func convertToResourceInfo(resource *schema.Resource) ResourceInfo {
	info := ResourceInfo{
		Id:           resource.Id,
		Name:         resource.Name,
		File:         resource.File,
		DateRecorded: resource.DateRecorded,
		DateUploaded: resource.DateUploaded,
		Public:       resource.Public,
		CsEnabled:    resource.CsEnabled,
		OwnerId:      resource.OwnerId,
		UploaderId:   resource.UploaderId,
	}
	if resource.ResourceType != nil {
		info.ResourceType = resource.ResourceType.Name
	}
	if resource.Owner != nil {
		info.Owner = resource.Owner.Username
	}
	for _, m := range resource.Managers {
		info.ManagerIds = append(info.ManagerIds, m.Id)
	}
	return info
}

func convertToResourceInfos(resources []schema.Resource) []ResourceInfo {
	infos := make([]ResourceInfo, 0, len(resources))
	for _, res := range resources {
		infos = append(infos, convertToResourceInfo(&res))
	}
	return infos
}

func (s *ResourceService) listQuery(r *http.Request) (*gorm.DB, error) {
	query := s.db.Model(&schema.Resource{}).Order("resources.date_uploaded DESC, resources.name")

	params := r.URL.Query()
	if name := params.Get("name"); name != "" {
		query = query.Where("resources.name LIKE ?", "%"+name+"%")
	}
	if rtype := params.Get("type"); rtype != "" {
		query = query.Joins("JOIN resource_types ON resource_types.id = resources.resource_type_id").Where("resource_types.name = ?", rtype)
	}
	if owner := params.Get("owner"); owner != "" {
		ownerId, err := uuid.Parse(owner)
		if err != nil {
			return nil, CodedError(fmt.Errorf("invalid owner id '%v': %w", owner, err), http.StatusBadRequest)
		}
		query = query.Where("resources.owner_id = ?", ownerId)
	}
	if public := params.Get("public"); public != "" {
		value, err := strconv.ParseBool(public)
		if err != nil {
			return nil, CodedError(fmt.Errorf("invalid public flag '%v': %w", public, err), http.StatusBadRequest)
		}
		query = query.Where("resources.public = ?", value)
	}

	return query, nil
}

func (s *ResourceService) List(w http.ResponseWriter, r *http.Request) {
	query, err := s.listQuery(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing resources: %v", err), GetResponseCode(err))
		return
	}

	var resources []schema.Resource
	page, total, pages, err := paginate(r, query, &resources, "ResourceType", "Owner")
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing resources: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, Page[ResourceInfo]{
		Items: convertToResourceInfos(resources), Page: page, PageSize: pageSize, Total: total, TotalPages: pages,
	})
}

func (s *ResourceService) ListForUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkUserExists(s.db, userId); err != nil {
		http.Error(w, fmt.Sprintf("error listing resources: %v", err), GetResponseCode(err))
		return
	}

	var resources []schema.Resource
	result := s.db.Preload("ResourceType").Preload("Owner").Where("owner_id = ?", userId).Order("name").Find(&resources)
	if result.Error != nil {
		slog.Error("sql error listing user resources", "user_id", userId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing resources: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToResourceInfos(resources))
}

type createResourceRequest struct {
	Name         string      `json:"name"`
	ResourceType string      `json:"resource_type"`
	File         string      `json:"file"`
	DateRecorded *time.Time  `json:"date_recorded"`
	Public       bool        `json:"public"`
	CsEnabled    bool        `json:"cs_enabled"`
	OwnerId      *uuid.UUID  `json:"owner_id"`
	ManagerIds   []uuid.UUID `json:"manager_ids"`
}

func (req *createResourceRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("resource name must be specified")
	}
	if req.ResourceType == "" {
		return fmt.Errorf("resource type must be specified")
	}
	if req.File != "" {
		if err := storage.CheckExternalPath(req.File); err != nil {
			return err
		}
	}
	return nil
}

type createResourceResponse struct {
	ResourceId uuid.UUID `json:"resource_id"`
	Redirect   string    `json:"redirect"`
}

func (s *ResourceService) Create(w http.ResponseWriter, r *http.Request) {
	var params createResourceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := params.validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid resource: %v", err), http.StatusUnprocessableEntity)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ownerId := user.Id
	if params.OwnerId != nil {
		ownerId = *params.OwnerId
	}

	resource := schema.Resource{
		Id:           uuid.New(),
		Name:         strings.TrimSpace(params.Name),
		File:         params.File,
		DateRecorded: params.DateRecorded,
		DateUploaded: time.Now(),
		Public:       params.Public,
		CsEnabled:    params.CsEnabled,
		OwnerId:      ownerId,
		UploaderId:   &user.Id,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if ownerId != user.Id {
			if _, err := schema.GetUser(ownerId, txn); err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					return CodedError(fmt.Errorf("owner %v does not exist", ownerId), http.StatusUnprocessableEntity)
				}
				return CodedError(err, http.StatusInternalServerError)
			}
		}

		rtype, err := schema.GetResourceType(params.ResourceType, txn)
		if err != nil {
			if errors.Is(err, schema.ErrResourceTypeNotFound) {
				return CodedError(fmt.Errorf("resource type '%v' does not exist", params.ResourceType), http.StatusUnprocessableEntity)
			}
			return CodedError(err, http.StatusInternalServerError)
		}
		resource.ResourceTypeId = rtype.Id

		managers, err := loadUsers(txn, params.ManagerIds)
		if err != nil {
			return err
		}
		resource.Managers = managers

		if err := txn.Create(&resource).Error; err != nil {
			slog.Error("sql error creating resource", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating resource: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("created resource", "resource_id", resource.Id, "owner_id", ownerId, "code", logging.CATALOG_RESOURCE)

	utils.WriteJsonResponse(w, createResourceResponse{ResourceId: resource.Id, Redirect: "/resource/" + resource.Id.String()})
}

func (s *ResourceService) Info(w http.ResponseWriter, r *http.Request) {
	resourceId, err := utils.URLParamUUID(r, "resource_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resource, err := schema.GetResource(resourceId, s.db, true)
	if err != nil {
		err = notFoundOr500(err, schema.ErrResourceNotFound)
		http.Error(w, fmt.Sprintf("error getting resource: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, convertToResourceInfo(&resource))
}

type updateResourceRequest struct {
	Name         *string      `json:"name"`
	ResourceType *string      `json:"resource_type"`
	DateRecorded *time.Time   `json:"date_recorded"`
	Public       *bool        `json:"public"`
	CsEnabled    *bool        `json:"cs_enabled"`
	ManagerIds   *[]uuid.UUID `json:"manager_ids"`
}

func (s *ResourceService) Update(w http.ResponseWriter, r *http.Request) {
	resourceId, err := utils.URLParamUUID(r, "resource_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateResourceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		resource, err := schema.GetResource(resourceId, txn, true)
		if err != nil {
			return notFoundOr500(err, schema.ErrResourceNotFound)
		}

		if err := authorize(auth.ResourceUpdate, user, auth.ResourceTarget(resource)); err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if params.Name != nil {
			name := strings.TrimSpace(*params.Name)
			if name == "" {
				return CodedError(fmt.Errorf("resource name cannot be empty"), http.StatusUnprocessableEntity)
			}
			updates["name"] = name
		}
		if params.ResourceType != nil {
			rtype, err := schema.GetResourceType(*params.ResourceType, txn)
			if err != nil {
				if errors.Is(err, schema.ErrResourceTypeNotFound) {
					return CodedError(fmt.Errorf("resource type '%v' does not exist", *params.ResourceType), http.StatusUnprocessableEntity)
				}
				return CodedError(err, http.StatusInternalServerError)
			}
			updates["resource_type_id"] = rtype.Id
		}
		if params.DateRecorded != nil {
			updates["date_recorded"] = *params.DateRecorded
		}
		if params.Public != nil {
			updates["public"] = *params.Public
		}
		if params.CsEnabled != nil {
			updates["cs_enabled"] = *params.CsEnabled
		}

		if len(updates) > 0 {
			if err := txn.Model(&schema.Resource{Id: resourceId}).Updates(updates).Error; err != nil {
				slog.Error("sql error updating resource", "resource_id", resourceId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		if params.ManagerIds != nil {
			managers, err := loadUsers(txn, *params.ManagerIds)
			if err != nil {
				return err
			}
			if err := txn.Model(&resource).Association("Managers").Replace(managers); err != nil {
				slog.Error("sql error replacing resource managers", "resource_id", resourceId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating resource %v: %v", resourceId, err), GetResponseCode(err))
		return
	}

	slog.Info("updated resource", "resource_id", resourceId, "user_id", user.Id, "code", logging.CATALOG_RESOURCE)

	utils.WriteJsonResponse(w, redirectResponse{Message: "Resource updated.", Redirect: "/resource/" + resourceId.String()})
}

func (s *ResourceService) Delete(w http.ResponseWriter, r *http.Request) {
	resourceId, err := utils.URLParamUUID(r, "resource_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var file string
	err = s.db.Transaction(func(txn *gorm.DB) error {
		resource, err := schema.GetResource(resourceId, txn, true)
		if err != nil {
			return notFoundOr500(err, schema.ErrResourceNotFound)
		}

		if err := authorize(auth.ResourceDelete, user, auth.ResourceTarget(resource)); err != nil {
			return err
		}
		file = resource.File

		for _, table := range []string{"resource_managers", "collection_resources", "project_resources"} {
			if err := txn.Exec("DELETE FROM "+table+" WHERE resource_id = ?", resourceId).Error; err != nil {
				slog.Error("sql error unlinking resource", "resource_id", resourceId, "table", table, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		if err := txn.Delete(&schema.Resource{Id: resourceId}).Error; err != nil {
			slog.Error("sql error deleting resource", "resource_id", resourceId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting resource %v: %v", resourceId, err), GetResponseCode(err))
		return
	}

	// Only files the worker copied into this resource's own directory are removed.
	if file != "" && filepath.Dir(file) == storage.ResourceDir(resourceId) {
		if err := s.storage.Delete(storage.ResourceDir(resourceId)); err != nil {
			slog.Warn("unable to delete resource file", "resource_id", resourceId, "file", file, "error", err, "code", logging.DATA_STORAGE)
		}
	}

	slog.Info("deleted resource", "resource_id", resourceId, "user_id", user.Id, "code", logging.CATALOG_RESOURCE)

	utils.WriteJsonResponse(w, redirectResponse{Message: "Resource deleted.", Redirect: "/resource/list"})
}
