package tests

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"trapper/catalog/schema"
	"trapper/catalog/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResource(t *testing.T, c client, name, rtype string, public bool) string {
	id, err := c.createResource(map[string]interface{}{"name": name, "resource_type": rtype, "public": public})
	require.NoError(t, err)
	return id
}

func TestResourceListPagination(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		rtype := "Video"
		if i%3 == 0 {
			rtype = "Audio"
		}
		newResource(t, user, fmt.Sprintf("res%02d.mp4", i), rtype, i%2 == 0)
	}

	// The list is public.
	anon := env.newClient()

	page, err := anon.listResources("")
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.PageSize)
	assert.EqualValues(t, 12, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 10)
	assert.Equal(t, "res11.mp4", page.Items[0].Name)
	assert.Equal(t, "abc", page.Items[0].Owner)

	page, err = anon.listResources("?page=2")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, "res00.mp4", page.Items[1].Name)

	page, err = anon.listResources("?page=3")
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = anon.listResources("?page=0")
	assert.Equal(t, http.StatusBadRequest, statusCode(err))

	_, err = anon.listResources("?page=abc")
	assert.Equal(t, http.StatusBadRequest, statusCode(err))
}

func TestResourceListFilters(t *testing.T) {
	env := setupTestEnv(t)

	user1, err := env.newUser("abc")
	require.NoError(t, err)
	user2, err := env.newUser("xyz")
	require.NoError(t, err)

	newResource(t, user1, "VIDEO001.mp4", "Video", true)
	newResource(t, user1, "AUDIO001.mp4", "Audio", false)
	newResource(t, user2, "VIDEO002.mp4", "Video", false)

	anon := env.newClient()

	page, err := anon.listResources("?name=VIDEO")
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	page, err = anon.listResources("?type=Audio")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "AUDIO001.mp4", page.Items[0].Name)
	assert.Equal(t, "Audio", page.Items[0].ResourceType)

	page, err = anon.listResources("?owner=" + user2.userId)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "VIDEO002.mp4", page.Items[0].Name)

	page, err = anon.listResources("?public=true&type=Video")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "VIDEO001.mp4", page.Items[0].Name)

	_, err = anon.listResources("?public=maybe")
	assert.Equal(t, http.StatusBadRequest, statusCode(err))

	_, err = anon.listResources("?owner=not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, statusCode(err))

	owned, err := user2.userResources(user1.userId)
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	_, err = user2.userResources(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, statusCode(err))
}

func TestCreateResourceValidation(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	_, err = user.createResource(map[string]interface{}{"resource_type": "Video"})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	_, err = user.createResource(map[string]interface{}{"name": "r", "resource_type": "Image"})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	_, err = user.createResource(map[string]interface{}{"name": "r", "resource_type": "Video", "file": "../../etc/passwd"})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	_, err = user.createResource(map[string]interface{}{"name": "r", "resource_type": "Video", "owner_id": uuid.New()})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	_, err = user.createResource(map[string]interface{}{"name": "r", "resource_type": "Video", "manager_ids": []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	anonymous := env.newClient()
	_, err = anonymous.createResource(map[string]interface{}{"name": "r", "resource_type": "Video"})
	assert.Equal(t, http.StatusUnauthorized, statusCode(err))

	var res idResponse
	err = user.Post("/resource/create").Json(map[string]interface{}{"name": "r", "resource_type": "Video"}).Do(&res)
	require.NoError(t, err)
	assert.Equal(t, "/resource/"+res.ResourceId, res.Redirect)

	info, err := user.resourceInfo(res.ResourceId)
	require.NoError(t, err)
	assert.Equal(t, user.userId, info.OwnerId.String())
	require.NotNil(t, info.UploaderId)
	assert.Equal(t, user.userId, info.UploaderId.String())
}

func TestResourcePermissions(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)
	uploader, err := env.newUser("uploader")
	require.NoError(t, err)
	manager, err := env.newUser("manager")
	require.NoError(t, err)
	stranger, err := env.newUser("stranger")
	require.NoError(t, err)
	admin, err := env.adminClient()
	require.NoError(t, err)

	// The uploader creates the resource on behalf of the owner.
	resourceId, err := uploader.createResource(map[string]interface{}{
		"name":          "VIDEO001.mp4",
		"resource_type": "Video",
		"owner_id":      owner.userId,
		"manager_ids":   []string{manager.userId},
	})
	require.NoError(t, err)

	info, err := stranger.resourceInfo(resourceId)
	require.NoError(t, err)
	assert.Equal(t, owner.userId, info.OwnerId.String())
	assert.Equal(t, []uuid.UUID{uuid.MustParse(manager.userId)}, info.ManagerIds)

	err = stranger.updateResource(resourceId, map[string]interface{}{"name": "stolen.mp4"})
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	err = admin.updateResource(resourceId, map[string]interface{}{"name": "admin.mp4"})
	assert.Equal(t, http.StatusForbidden, statusCode(err), "admins are not implicitly allowed")

	for i, c := range []client{owner, uploader, manager} {
		name := fmt.Sprintf("renamed%d.mp4", i)
		err := c.updateResource(resourceId, map[string]interface{}{"name": name})
		require.NoError(t, err)

		info, err := c.resourceInfo(resourceId)
		require.NoError(t, err)
		assert.Equal(t, name, info.Name)
	}

	var res redirectResponse
	err = owner.Post(fmt.Sprintf("/resource/%v/update", resourceId)).Json(map[string]interface{}{"public": true, "resource_type": "Audio"}).Do(&res)
	require.NoError(t, err)
	assert.Equal(t, "Resource updated.", res.Message)
	assert.Equal(t, "/resource/"+resourceId, res.Redirect)

	info, err = owner.resourceInfo(resourceId)
	require.NoError(t, err)
	assert.True(t, info.Public)
	assert.Equal(t, "Audio", info.ResourceType)

	err = owner.updateResource(resourceId, map[string]interface{}{"resource_type": "Image"})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	err = owner.updateResource(resourceId, map[string]interface{}{"manager_ids": []string{}})
	require.NoError(t, err)

	err = manager.updateResource(resourceId, map[string]interface{}{"name": "again.mp4"})
	assert.Equal(t, http.StatusForbidden, statusCode(err), "removed manager should lose access")

	err = stranger.deleteResource(resourceId)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	err = owner.updateResource(uuid.New().String(), map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	err = uploader.Delete(fmt.Sprintf("/resource/%v", resourceId)).Do(&res)
	require.NoError(t, err)
	assert.Equal(t, "/resource/list", res.Redirect)

	_, err = owner.resourceInfo(resourceId)
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	err = owner.deleteResource(resourceId)
	assert.Equal(t, http.StatusNotFound, statusCode(err))
}

func TestDeleteResourceUnlinksCollections(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	r1 := newResource(t, user, "r1", "Video", false)
	r2 := newResource(t, user, "r2", "Video", false)

	collectionId, err := user.createCollection(map[string]interface{}{"name": "c", "resource_ids": []string{r1, r2}})
	require.NoError(t, err)

	require.NoError(t, user.deleteResource(r1))

	collection, err := user.collectionInfo(collectionId)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{uuid.MustParse(r2)}, collection.ResourceIds)
}

func TestResourceFilesOutsideOwnDirectorySurviveDelete(t *testing.T) {
	env := setupTestEnv(t)

	victim, err := env.newUser("victim")
	require.NoError(t, err)
	attacker, err := env.newUser("attacker")
	require.NoError(t, err)

	victimRes := newResource(t, victim, "clip.mp4", "Video", false)
	victimFile := storage.ResourcePath(uuid.MustParse(victimRes), "clip.mp4")
	require.NoError(t, env.storage.Write(victimFile, strings.NewReader("media")))
	require.NoError(t, env.db.Model(&schema.Resource{}).Where("id = ?", victimRes).Update("file", victimFile).Error)

	// Clients cannot point a resource into directories the catalog manages.
	for _, file := range []string{
		"resources/whatever",
		"resources/" + victimRes + "/clip.mp4",
		"./resources/x.mp4",
		"resources",
		"uploads/" + uuid.NewString() + "/archive.zip",
	} {
		_, err = attacker.createResource(map[string]interface{}{"name": "r", "resource_type": "Video", "file": file})
		assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err), file)
	}

	external, err := attacker.createResource(map[string]interface{}{"name": "ext", "resource_type": "Video", "file": "media/clip.mp4"})
	require.NoError(t, err)
	require.NoError(t, attacker.deleteResource(external))

	// Rows written before the path check existed must not reach other resources either.
	legacy := newResource(t, attacker, "legacy", "Video", false)
	require.NoError(t, env.db.Model(&schema.Resource{}).Where("id = ?", legacy).Update("file", "resources/whatever").Error)
	require.NoError(t, attacker.deleteResource(legacy))

	exists, err := env.storage.Exists(victimFile)
	require.NoError(t, err)
	assert.True(t, exists)

	// A resource's own directory is removed with it.
	require.NoError(t, victim.deleteResource(victimRes))
	exists, err = env.storage.Exists(victimFile)
	require.NoError(t, err)
	assert.False(t, exists)
}
