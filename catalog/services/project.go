package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"trapper/catalog/auth"
	"trapper/catalog/schema"
	"trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ProjectService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *ProjectService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.With(auth.AdminOnly(s.db)).Post("/create", s.Create)
		r.Get("/list", s.List)

		r.Get("/{project_id}/roles", s.Roles)

		r.Group(func(r chi.Router) {
			r.Use(auth.AdminOrProjectAdminOnly(s.db))

			r.Post("/{project_id}/roles/{user_id}", s.SetRole)
			r.Delete("/{project_id}/roles/{user_id}", s.RemoveRole)
		})
	})

	return r
}

type createProjectRequest struct {
	Name          string      `json:"name"`
	ResourceIds   []uuid.UUID `json:"resource_ids"`
	CollectionIds []uuid.UUID `json:"collection_ids"`
	FeatureSetIds []uuid.UUID `json:"feature_set_ids"`
}

type createProjectResponse struct {
	ProjectId uuid.UUID `json:"project_id"`
}

func (s *ProjectService) Create(w http.ResponseWriter, r *http.Request) {
	var params createProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	name := strings.TrimSpace(params.Name)
	if name == "" {
		http.Error(w, "project name must be specified", http.StatusUnprocessableEntity)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	project := schema.Project{Id: uuid.New(), Name: name}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var existing int64
		if err := txn.Model(&schema.Project{}).Where("name = ?", name).Count(&existing).Error; err != nil {
			slog.Error("sql error checking project name", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if existing > 0 {
			return CodedError(fmt.Errorf("a project named '%v' already exists", name), http.StatusConflict)
		}

		resources, err := loadResources(txn, params.ResourceIds)
		if err != nil {
			return err
		}
		project.Resources = resources

		if len(params.CollectionIds) > 0 {
			if err := txn.Where("id IN ?", params.CollectionIds).Find(&project.Collections).Error; err != nil {
				slog.Error("sql error loading project collections", "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if len(project.Collections) != len(uniqueIds(params.CollectionIds)) {
				return CodedError(errors.New("one or more of the specified collections do not exist"), http.StatusUnprocessableEntity)
			}
		}

		if len(params.FeatureSetIds) > 0 {
			if err := txn.Where("id IN ?", params.FeatureSetIds).Find(&project.FeatureSets).Error; err != nil {
				slog.Error("sql error loading project feature sets", "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if len(project.FeatureSets) != len(uniqueIds(params.FeatureSetIds)) {
				return CodedError(errors.New("one or more of the specified feature sets do not exist"), http.StatusUnprocessableEntity)
			}
		}

		project.Roles = []schema.ProjectRole{{UserId: user.Id, ProjectId: project.Id, Role: schema.RoleProjectAdmin}}

		if err := txn.Create(&project).Error; err != nil {
			slog.Error("sql error creating project", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating project: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, createProjectResponse{ProjectId: project.Id})
}

type ProjectInfo struct {
	Id            uuid.UUID   `json:"id"`
	Name          string      `json:"name"`
	Role          string      `json:"role,omitempty"`
	ResourceIds   []uuid.UUID `json:"resource_ids"`
	CollectionIds []uuid.UUID `json:"collection_ids"`
	FeatureSetIds []uuid.UUID `json:"feature_set_ids"`
}

func (s *ProjectService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var projects []schema.Project
	result := s.db.Preload("Resources").Preload("Collections").Preload("FeatureSets").Preload("Roles", "user_id = ?", user.Id).Order("name").Find(&projects)
	if result.Error != nil {
		slog.Error("sql error listing projects", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing projects: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ProjectInfo, 0, len(projects))
	for _, p := range projects {
		info := ProjectInfo{
			Id:            p.Id,
			Name:          p.Name,
			ResourceIds:   make([]uuid.UUID, 0, len(p.Resources)),
			CollectionIds: make([]uuid.UUID, 0, len(p.Collections)),
			FeatureSetIds: make([]uuid.UUID, 0, len(p.FeatureSets)),
		}
		if len(p.Roles) > 0 {
			info.Role = p.Roles[0].Role
		}
		for _, res := range p.Resources {
			info.ResourceIds = append(info.ResourceIds, res.Id)
		}
		for _, c := range p.Collections {
			info.CollectionIds = append(info.CollectionIds, c.Id)
		}
		for _, fs := range p.FeatureSets {
			info.FeatureSetIds = append(info.FeatureSetIds, fs.Id)
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}

type ProjectRoleInfo struct {
	UserId   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
}

func (s *ProjectService) Roles(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := schema.GetProject(projectId, s.db); err != nil {
		err = notFoundOr500(err, schema.ErrProjectNotFound)
		http.Error(w, fmt.Sprintf("error listing project roles: %v", err), GetResponseCode(err))
		return
	}

	var roles []schema.ProjectRole
	if err := s.db.Preload("User").Where("project_id = ?", projectId).Find(&roles).Error; err != nil {
		slog.Error("sql error listing project roles", "project_id", projectId, "error", err)
		http.Error(w, fmt.Sprintf("error listing project roles: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ProjectRoleInfo, 0, len(roles))
	for _, role := range roles {
		info := ProjectRoleInfo{UserId: role.UserId, Role: role.Role}
		if role.User != nil {
			info.Username = role.User.Username
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (s *ProjectService) SetRole(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params setRoleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := schema.CheckValidRole(params.Role); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetProject(projectId, txn); err != nil {
			return notFoundOr500(err, schema.ErrProjectNotFound)
		}

		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		role := schema.ProjectRole{UserId: userId, ProjectId: projectId, Role: params.Role}
		if err := txn.Save(&role).Error; err != nil {
			slog.Error("sql error saving project role", "project_id", projectId, "user_id", userId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error setting project role: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *ProjectService) RemoveRole(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetProjectRole(projectId, userId, txn); err != nil {
			return notFoundOr500(err, schema.ErrProjectRoleNotFound)
		}

		if err := txn.Delete(&schema.ProjectRole{UserId: userId, ProjectId: projectId}).Error; err != nil {
			slog.Error("sql error deleting project role", "project_id", projectId, "user_id", userId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error removing project role: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
