package auth

import (
	"errors"
	"fmt"
	"net/http"
	"trapper/catalog/schema"
	"trapper/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func AdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin {
				http.Error(w, fmt.Sprintf("user %v is not an admin", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

func isProjectAdmin(projectId, userId uuid.UUID, db *gorm.DB) (bool, error) {
	role, err := schema.GetProjectRole(projectId, userId, db)
	if err != nil {
		if errors.Is(err, schema.ErrProjectRoleNotFound) {
			return false, nil
		}
		return false, err
	}

	return role.Role == schema.RoleProjectAdmin, nil
}

func AdminOrProjectAdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			projectId, err := utils.URLParamUUID(r, "project_id")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			isAdmin, err := isProjectAdmin(projectId, user.Id, db)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin && !isAdmin {
				http.Error(w, "user must be admin or project admin to access endpoint", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

// EligibleRequestRoles are the project roles that may ask a collection owner
// for access on behalf of the project.
var EligibleRequestRoles = []string{schema.RoleProjectAdmin, schema.RoleExpert}

// EligibleProjects lists the projects the user may attach a collection request to.
func EligibleProjects(user schema.User, db *gorm.DB) ([]schema.Project, error) {
	return schema.GetProjectsWithRoles(user.Id, EligibleRequestRoles, db)
}
