package tests

import (
	"fmt"
	"net/http"
	"testing"
	"trapper/catalog/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProject(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	require.NoError(t, err)
	user, err := env.newUser("abc")
	require.NoError(t, err)

	r1 := newResource(t, user, "r1", "Video", true)
	c1, err := user.createCollection(map[string]interface{}{"name": "c1", "resource_ids": []string{r1}})
	require.NoError(t, err)

	_, err = user.createProject(map[string]interface{}{"name": "PhDProject1"})
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	projectId, err := admin.createProject(map[string]interface{}{
		"name":           "PhDProject1",
		"resource_ids":   []string{r1},
		"collection_ids": []string{c1},
	})
	require.NoError(t, err)

	_, err = admin.createProject(map[string]interface{}{"name": "PhDProject1"})
	assert.Equal(t, http.StatusConflict, statusCode(err))

	_, err = admin.createProject(map[string]interface{}{"name": "p2", "collection_ids": []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	_, err = admin.createProject(map[string]interface{}{"name": "p3", "feature_set_ids": []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	_, err = admin.createProject(map[string]interface{}{"name": ""})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	projects, err := admin.listProjects()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, projectId, projects[0].Id.String())
	assert.Equal(t, schema.RoleProjectAdmin, projects[0].Role)
	assert.Equal(t, []uuid.UUID{uuid.MustParse(r1)}, projects[0].ResourceIds)
	assert.Equal(t, []uuid.UUID{uuid.MustParse(c1)}, projects[0].CollectionIds)
	assert.Empty(t, projects[0].FeatureSetIds)

	projects, err = user.listProjects()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Empty(t, projects[0].Role)
}

func TestProjectRoles(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	require.NoError(t, err)
	lead, err := env.newUser("lead")
	require.NoError(t, err)
	expert, err := env.newUser("expert")
	require.NoError(t, err)
	outsider, err := env.newUser("outsider")
	require.NoError(t, err)

	projectId, err := admin.createProject(map[string]interface{}{"name": "p"})
	require.NoError(t, err)

	err = outsider.setProjectRole(projectId, outsider.userId, schema.RoleProjectAdmin)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	require.NoError(t, admin.setProjectRole(projectId, lead.userId, schema.RoleProjectAdmin))

	// Project admins manage roles without being platform admins.
	require.NoError(t, lead.setProjectRole(projectId, expert.userId, schema.RoleCollaborator))
	require.NoError(t, lead.setProjectRole(projectId, expert.userId, schema.RoleExpert))

	err = lead.setProjectRole(projectId, expert.userId, "owner")
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	err = lead.setProjectRole(projectId, uuid.New().String(), schema.RoleExpert)
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	err = admin.setProjectRole(uuid.New().String(), expert.userId, schema.RoleExpert)
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	err = expert.setProjectRole(projectId, outsider.userId, schema.RoleExpert)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	roles, err := outsider.projectRoles(projectId)
	require.NoError(t, err)
	byUser := make(map[string]string)
	for _, role := range roles {
		byUser[role.Username] = role.Role
	}
	assert.Equal(t, map[string]string{
		adminUsername: schema.RoleProjectAdmin,
		"lead":        schema.RoleProjectAdmin,
		"expert":      schema.RoleExpert,
	}, byUser)

	info, err := expert.userInfo()
	require.NoError(t, err)
	require.Len(t, info.Projects, 1)
	assert.Equal(t, "p", info.Projects[0].ProjectName)
	assert.Equal(t, schema.RoleExpert, info.Projects[0].Role)

	require.NoError(t, lead.removeProjectRole(projectId, expert.userId))

	err = lead.removeProjectRole(projectId, expert.userId)
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	_, err = outsider.projectRoles(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	roles, err = admin.projectRoles(projectId)
	require.NoError(t, err)
	assert.Len(t, roles, 2)
}

func TestProjectRoleGrantsRequestEligibility(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	require.NoError(t, err)
	owner, err := env.newUser("owner")
	require.NoError(t, err)
	member, err := env.newUser("member")
	require.NoError(t, err)

	collectionId, err := owner.createCollection(map[string]interface{}{"name": "c"})
	require.NoError(t, err)

	projectId, err := admin.createProject(map[string]interface{}{"name": "p"})
	require.NoError(t, err)

	body := map[string]interface{}{"project_id": projectId}

	require.NoError(t, admin.setProjectRole(projectId, member.userId, schema.RoleCollaborator))
	_, err = member.requestCollection(collectionId, body)
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err), "collaborators cannot request collections")

	require.NoError(t, admin.setProjectRole(projectId, member.userId, schema.RoleExpert))
	res, err := member.requestCollection(collectionId, body)
	require.NoError(t, err)

	inbox, err := owner.inbox()
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, res.MessageId, inbox[0].Id.String())
	assert.Equal(t, fmt.Sprintf("Dear owner,\nI would like to ask you for the permission to use the c collection.\n\nBest regards,\n%v", "member"), inbox[0].Text)
}
