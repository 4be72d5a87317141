package tests

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCollection(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)
	other, err := env.newUser("xyz")
	require.NoError(t, err)

	r1 := newResource(t, user, "r1", "Video", false)

	var res idResponse
	err = user.Post("/collection/create").Json(map[string]interface{}{
		"name":         "Spring2013",
		"description":  "spring videos",
		"resource_ids": []string{r1},
		"manager_ids":  []string{other.userId},
	}).Do(&res)
	require.NoError(t, err)
	assert.Equal(t, "/collection/"+res.CollectionId, res.Redirect)

	info, err := other.collectionInfo(res.CollectionId)
	require.NoError(t, err)
	assert.Equal(t, "Spring2013", info.Name)
	assert.Equal(t, "spring videos", info.Description)
	assert.Equal(t, "abc", info.Owner)
	assert.Equal(t, []uuid.UUID{uuid.MustParse(r1)}, info.ResourceIds)
	assert.Equal(t, []uuid.UUID{uuid.MustParse(other.userId)}, info.ManagerIds)

	_, err = user.createCollection(map[string]interface{}{"name": "Spring2013"})
	assert.Equal(t, http.StatusConflict, statusCode(err))

	// Names are unique per owner.
	_, err = other.createCollection(map[string]interface{}{"name": "Spring2013"})
	require.NoError(t, err)

	_, err = user.createCollection(map[string]interface{}{"name": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	_, err = user.createCollection(map[string]interface{}{"name": "c2", "resource_ids": []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	_, err = user.createCollection(map[string]interface{}{"name": "c3", "manager_ids": []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	anonymous := env.newClient()
	_, err = anonymous.createCollection(map[string]interface{}{"name": "c4"})
	assert.Equal(t, http.StatusUnauthorized, statusCode(err))

	_, err = user.collectionInfo(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, statusCode(err))
}

func TestListCollections(t *testing.T) {
	env := setupTestEnv(t)

	user1, err := env.newUser("abc")
	require.NoError(t, err)
	user2, err := env.newUser("xyz")
	require.NoError(t, err)

	for i := 0; i < 11; i++ {
		_, err := user1.createCollection(map[string]interface{}{"name": fmt.Sprintf("Audio%02d", i)})
		require.NoError(t, err)
	}
	_, err = user2.createCollection(map[string]interface{}{"name": "Video"})
	require.NoError(t, err)

	page, err := user2.listCollections("")
	require.NoError(t, err)
	assert.EqualValues(t, 12, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 10)

	page, err = user2.listCollections("?page=2")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	page, err = user2.listCollections("?name=Vid")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "xyz", page.Items[0].Owner)

	var owned []map[string]interface{}
	err = user2.Get(fmt.Sprintf("/collection/user/%v", user1.userId)).Do(&owned)
	require.NoError(t, err)
	assert.Len(t, owned, 11)

	anonymous := env.newClient()
	_, err = anonymous.listCollections("")
	assert.Equal(t, http.StatusUnauthorized, statusCode(err))
}

func TestCollectionPermissions(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)
	manager, err := env.newUser("manager")
	require.NoError(t, err)
	stranger, err := env.newUser("stranger")
	require.NoError(t, err)

	r1 := newResource(t, owner, "r1", "Video", false)
	r2 := newResource(t, owner, "r2", "Audio", false)

	collectionId, err := owner.createCollection(map[string]interface{}{"name": "c", "manager_ids": []string{manager.userId}})
	require.NoError(t, err)

	err = stranger.updateCollection(collectionId, map[string]interface{}{"description": "mine"})
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	err = manager.updateCollection(collectionId, map[string]interface{}{"description": "managed", "resource_ids": []string{r1, r2}})
	require.NoError(t, err)

	var res redirectResponse
	err = owner.Post(fmt.Sprintf("/collection/%v/update", collectionId)).Json(map[string]interface{}{"name": "renamed"}).Do(&res)
	require.NoError(t, err)
	assert.Equal(t, "Collection updated.", res.Message)
	assert.Equal(t, "/collection/"+collectionId, res.Redirect)

	info, err := stranger.collectionInfo(collectionId)
	require.NoError(t, err)
	assert.Equal(t, "renamed", info.Name)
	assert.Equal(t, "managed", info.Description)
	assert.Len(t, info.ResourceIds, 2)

	err = owner.updateCollection(collectionId, map[string]interface{}{"resource_ids": []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	err = owner.updateCollection(uuid.New().String(), map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	err = stranger.deleteCollection(collectionId)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	err = manager.Delete(fmt.Sprintf("/collection/%v", collectionId)).Do(&res)
	require.NoError(t, err)
	assert.Equal(t, "/collection/list", res.Redirect)

	_, err = owner.collectionInfo(collectionId)
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	// Resources outlive the collection.
	_, err = owner.resourceInfo(r1)
	require.NoError(t, err)
}
