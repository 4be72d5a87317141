package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"trapper/catalog/auth"
	"trapper/catalog/schema"
	"trapper/utils"
	"trapper/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CollectionService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	requests RequestService
}

func (s *CollectionService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/list", s.List)
		r.Get("/user/{user_id}", s.ListForUser)
		r.Post("/create", s.Create)

		r.Get("/{collection_id}", s.Info)
		r.Post("/{collection_id}/update", s.Update)
		r.Delete("/{collection_id}", s.Delete)

		r.Get("/{collection_id}/request", s.requests.Form)
		r.Post("/{collection_id}/request", s.requests.Create)
	})

	return r
}

type CollectionInfo struct {
	Id          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	OwnerId     uuid.UUID   `json:"owner_id"`
	Owner       string      `json:"owner"`
	ManagerIds  []uuid.UUID `json:"manager_ids,omitempty"`
	ResourceIds []uuid.UUID `json:"resource_ids,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

func convertToCollectionInfo(collection *schema.Collection) CollectionInfo {
	info := CollectionInfo{
		Id:          collection.Id,
		Name:        collection.Name,
		Description: collection.Description,
		OwnerId:     collection.OwnerId,
		CreatedAt:   collection.CreatedAt,
	}
	if collection.Owner != nil {
		info.Owner = collection.Owner.Username
	}
	for _, m := range collection.Managers {
		info.ManagerIds = append(info.ManagerIds, m.Id)
	}
	for _, res := range collection.Resources {
		info.ResourceIds = append(info.ResourceIds, res.Id)
	}
	return info
}

func convertToCollectionInfos(collections []schema.Collection) []CollectionInfo {
	infos := make([]CollectionInfo, 0, len(collections))
	for _, c := range collections {
		infos = append(infos, convertToCollectionInfo(&c))
	}
	return infos
}

func (s *CollectionService) List(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&schema.Collection{}).Order("created_at DESC, name")
	if name := r.URL.Query().Get("name"); name != "" {
		query = query.Where("name LIKE ?", "%"+name+"%")
	}

	var collections []schema.Collection
	page, total, pages, err := paginate(r, query, &collections, "Owner")
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing collections: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, Page[CollectionInfo]{
		Items: convertToCollectionInfos(collections), Page: page, PageSize: pageSize, Total: total, TotalPages: pages,
	})
}

func (s *CollectionService) ListForUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkUserExists(s.db, userId); err != nil {
		http.Error(w, fmt.Sprintf("error listing collections: %v", err), GetResponseCode(err))
		return
	}

	var collections []schema.Collection
	result := s.db.Preload("Owner").Where("owner_id = ?", userId).Order("name").Find(&collections)
	if result.Error != nil {
		slog.Error("sql error listing user collections", "user_id", userId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing collections: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToCollectionInfos(collections))
}

func checkCollectionNameAvailable(txn *gorm.DB, ownerId uuid.UUID, name string, exclude uuid.UUID) error {
	var count int64
	result := txn.Model(&schema.Collection{}).Where("owner_id = ? AND name = ? AND id != ?", ownerId, name, exclude).Count(&count)
	if result.Error != nil {
		slog.Error("sql error checking collection name", "owner_id", ownerId, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if count > 0 {
		return CodedError(fmt.Errorf("a collection named '%v' already exists", name), http.StatusConflict)
	}
	return nil
}

type createCollectionRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	ManagerIds  []uuid.UUID `json:"manager_ids"`
	ResourceIds []uuid.UUID `json:"resource_ids"`
}

type createCollectionResponse struct {
	CollectionId uuid.UUID `json:"collection_id"`
	Redirect     string    `json:"redirect"`
}

func (s *CollectionService) Create(w http.ResponseWriter, r *http.Request) {
	var params createCollectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	name := strings.TrimSpace(params.Name)
	if name == "" {
		http.Error(w, "collection name must be specified", http.StatusUnprocessableEntity)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	collection := schema.Collection{
		Id:          uuid.New(),
		Name:        name,
		Description: params.Description,
		OwnerId:     user.Id,
		CreatedAt:   time.Now(),
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkCollectionNameAvailable(txn, user.Id, name, uuid.Nil); err != nil {
			return err
		}

		managers, err := loadUsers(txn, params.ManagerIds)
		if err != nil {
			return err
		}
		collection.Managers = managers

		resources, err := loadResources(txn, params.ResourceIds)
		if err != nil {
			return err
		}
		collection.Resources = resources

		if err := txn.Create(&collection).Error; err != nil {
			slog.Error("sql error creating collection", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating collection: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("created collection", "collection_id", collection.Id, "owner_id", user.Id, "code", logging.CATALOG_COLLECTION)

	utils.WriteJsonResponse(w, createCollectionResponse{CollectionId: collection.Id, Redirect: "/collection/" + collection.Id.String()})
}

func (s *CollectionService) Info(w http.ResponseWriter, r *http.Request) {
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	collection, err := schema.GetCollection(collectionId, s.db, true, true)
	if err != nil {
		err = notFoundOr500(err, schema.ErrCollectionNotFound)
		http.Error(w, fmt.Sprintf("error getting collection: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, convertToCollectionInfo(&collection))
}

type updateCollectionRequest struct {
	Name        *string      `json:"name"`
	Description *string      `json:"description"`
	ManagerIds  *[]uuid.UUID `json:"manager_ids"`
	ResourceIds *[]uuid.UUID `json:"resource_ids"`
}

func (s *CollectionService) Update(w http.ResponseWriter, r *http.Request) {
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateCollectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		collection, err := schema.GetCollection(collectionId, txn, true, false)
		if err != nil {
			return notFoundOr500(err, schema.ErrCollectionNotFound)
		}

		if err := authorize(auth.CollectionUpdate, user, auth.CollectionTarget(collection)); err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if params.Name != nil {
			name := strings.TrimSpace(*params.Name)
			if name == "" {
				return CodedError(errors.New("collection name cannot be empty"), http.StatusUnprocessableEntity)
			}
			if err := checkCollectionNameAvailable(txn, collection.OwnerId, name, collection.Id); err != nil {
				return err
			}
			updates["name"] = name
		}
		if params.Description != nil {
			updates["description"] = *params.Description
		}

		if len(updates) > 0 {
			if err := txn.Model(&schema.Collection{Id: collectionId}).Updates(updates).Error; err != nil {
				slog.Error("sql error updating collection", "collection_id", collectionId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		if params.ManagerIds != nil {
			managers, err := loadUsers(txn, *params.ManagerIds)
			if err != nil {
				return err
			}
			if err := txn.Model(&collection).Association("Managers").Replace(managers); err != nil {
				slog.Error("sql error replacing collection managers", "collection_id", collectionId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		if params.ResourceIds != nil {
			resources, err := loadResources(txn, *params.ResourceIds)
			if err != nil {
				return err
			}
			if err := txn.Model(&collection).Association("Resources").Replace(resources); err != nil {
				slog.Error("sql error replacing collection resources", "collection_id", collectionId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating collection %v: %v", collectionId, err), GetResponseCode(err))
		return
	}

	slog.Info("updated collection", "collection_id", collectionId, "user_id", user.Id, "code", logging.CATALOG_COLLECTION)

	utils.WriteJsonResponse(w, redirectResponse{Message: "Collection updated.", Redirect: "/collection/" + collectionId.String()})
}

func (s *CollectionService) Delete(w http.ResponseWriter, r *http.Request) {
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		collection, err := schema.GetCollection(collectionId, txn, true, false)
		if err != nil {
			return notFoundOr500(err, schema.ErrCollectionNotFound)
		}

		if err := authorize(auth.CollectionDelete, user, auth.CollectionTarget(collection)); err != nil {
			return err
		}

		// Resources stay in the catalog, only the links are removed.
		for _, table := range []string{"collection_managers", "collection_resources", "project_collections"} {
			if err := txn.Exec("DELETE FROM "+table+" WHERE collection_id = ?", collectionId).Error; err != nil {
				slog.Error("sql error unlinking collection", "collection_id", collectionId, "table", table, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		if err := txn.Where("collection_id = ?", collectionId).Delete(&schema.CollectionRequest{}).Error; err != nil {
			slog.Error("sql error deleting collection requests", "collection_id", collectionId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if err := txn.Model(&schema.UploadJob{}).Where("collection_id = ?", collectionId).Update("collection_id", nil).Error; err != nil {
			slog.Error("sql error clearing upload job collection", "collection_id", collectionId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if err := txn.Delete(&schema.Collection{Id: collectionId}).Error; err != nil {
			slog.Error("sql error deleting collection", "collection_id", collectionId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting collection %v: %v", collectionId, err), GetResponseCode(err))
		return
	}

	slog.Info("deleted collection", "collection_id", collectionId, "user_id", user.Id, "code", logging.CATALOG_COLLECTION)

	utils.WriteJsonResponse(w, redirectResponse{Message: "Collection deleted.", Redirect: "/collection/list"})
}
