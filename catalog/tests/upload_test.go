package tests

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"trapper/catalog/schema"
	"trapper/catalog/storage"
	"trapper/catalog/worker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uploadDefinition = `
collection:
  name: Spring2014
  description: spring survey
resources:
  - name: VIDEO001.mp4
    file: videos/VIDEO001.mp4
    type: Video
    public: true
  - name: AUDIO001.mp4
    file: AUDIO001.mp4
    type: Audio
`

func makeArchive(t *testing.T, files map[string]string) []byte {
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func testArchive(t *testing.T) []byte {
	return makeArchive(t, map[string]string{
		"videos/VIDEO001.mp4": "video",
		"AUDIO001.mp4":        "audio",
	})
}

func countJobs(t *testing.T, env *testEnv) int64 {
	var count int64
	require.NoError(t, env.db.Model(&schema.UploadJob{}).Count(&count).Error)
	return count
}

func TestUploadInvalidDefinition(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	_, err = user.uploadDefinition("collection:\n  name: x\nresources:\n  - name: r\n    file: ../r.mp4\n    type: Image\n")
	require.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(errorContent(err)), &body))
	assert.Contains(t, body["error"], "Definition file error!")
	assert.Contains(t, body["error"], "resource type 'Image' does not exist")
	assert.Contains(t, body["error"], "invalid file path")

	_, err = user.uploadDefinition("collection: [unterminated")
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	assert.EqualValues(t, 0, countJobs(t, env))
	assert.Empty(t, env.queue.Submitted())
}

func TestUploadDefinitionRequestErrors(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	err = user.Post("/upload/definition").File("other_field", "definition.yaml", []byte(uploadDefinition)).Do(nil)
	assert.Equal(t, http.StatusBadRequest, statusCode(err))

	err = user.Post("/upload/definition").File("definition_file", "", []byte(uploadDefinition)).Do(nil)
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))

	err = user.Post("/upload/definition").Json(map[string]string{"definition": uploadDefinition}).Do(nil)
	assert.Equal(t, http.StatusBadRequest, statusCode(err))

	anonymous := env.newClient()
	_, err = anonymous.uploadDefinition(uploadDefinition)
	assert.Equal(t, http.StatusUnauthorized, statusCode(err))

	assert.EqualValues(t, 0, countJobs(t, env))
}

func TestUploadFlow(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	res, err := user.uploadDefinition(uploadDefinition)
	require.NoError(t, err)
	assert.Equal(t, "Success! Definition file is valid, please upload the archive file (.zip)", res.Message)
	assert.Equal(t, "/upload/"+res.JobId+"/archive", res.Redirect)

	job, err := user.uploadJob(res.JobId)
	require.NoError(t, err)
	assert.Equal(t, schema.UploadCreated, job.Status)

	exists, err := env.storage.Exists(storage.DefinitionPath(uuid.MustParse(res.JobId)))
	require.NoError(t, err)
	assert.True(t, exists)

	archiveRes, err := user.uploadArchive(res.JobId, "resources.ZIP", testArchive(t))
	require.NoError(t, err)
	assert.Equal(t, res.JobId, archiveRes.JobId)
	assert.Equal(t, "Resources uploaded! System will process your request soon.", archiveRes.Message)
	assert.Equal(t, "/upload/list", archiveRes.Redirect)

	assert.Equal(t, []uuid.UUID{uuid.MustParse(res.JobId)}, env.queue.Submitted())

	job, err = user.uploadJob(res.JobId)
	require.NoError(t, err)
	assert.Equal(t, schema.UploadEnqueued, job.Status)

	jobs, err := user.listUploadJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, res.JobId, jobs[0].Id.String())

	// Jobs that were handed to the queue cannot take another archive.
	_, err = user.uploadArchive(res.JobId, "resources.zip", testArchive(t))
	assert.Equal(t, http.StatusConflict, statusCode(err))
	assert.Len(t, env.queue.Submitted(), 1)
}

func TestUploadArchiveErrors(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)
	other, err := env.newUser("xyz")
	require.NoError(t, err)

	res, err := user.uploadDefinition(uploadDefinition)
	require.NoError(t, err)

	_, err = user.uploadArchive(uuid.New().String(), "resources.zip", testArchive(t))
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	_, err = other.uploadArchive(res.JobId, "resources.zip", testArchive(t))
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	_, err = user.uploadArchive(res.JobId, "resources.tar.gz", []byte("not a zip"))
	require.Equal(t, http.StatusUnprocessableEntity, statusCode(err))
	assert.Contains(t, errorContent(err), ".zip")

	_, err = other.uploadJob(res.JobId)
	assert.Equal(t, http.StatusForbidden, statusCode(err))

	_, err = user.uploadJob(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, statusCode(err))

	jobs, err := other.listUploadJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)

	job, err := user.uploadJob(res.JobId)
	require.NoError(t, err)
	assert.Equal(t, schema.UploadCreated, job.Status)
	assert.Empty(t, env.queue.Submitted())
}

func TestUploadSubmitFailureIsResubmitted(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	res, err := user.uploadDefinition(uploadDefinition)
	require.NoError(t, err)

	env.queue.Fail(errors.New("queue unavailable"))

	// A failed submit does not fail the upload.
	archiveRes, err := user.uploadArchive(res.JobId, "resources.zip", testArchive(t))
	require.NoError(t, err)
	assert.Equal(t, "Resources uploaded! System will process your request soon.", archiveRes.Message)
	assert.Empty(t, env.queue.Submitted())

	job, err := user.uploadJob(res.JobId)
	require.NoError(t, err)
	assert.Equal(t, schema.UploadArchiveAttached, job.Status)

	env.catalog.ResubmitStalledJobs(0)
	assert.Empty(t, env.queue.Submitted())

	env.queue.Fail(nil)
	env.catalog.ResubmitStalledJobs(0)
	assert.Equal(t, []uuid.UUID{uuid.MustParse(res.JobId)}, env.queue.Submitted())

	job, err = user.uploadJob(res.JobId)
	require.NoError(t, err)
	assert.Equal(t, schema.UploadEnqueued, job.Status)

	// Enqueued jobs are not picked up again.
	env.catalog.ResubmitStalledJobs(0)
	assert.Len(t, env.queue.Submitted(), 1)
}

func TestUploadEndToEnd(t *testing.T) {
	env := setupTestEnv(t)
	env.queue.SetHandler(worker.NewProcessor(env.db, env.storage).Process)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	res, err := user.uploadDefinition(uploadDefinition)
	require.NoError(t, err)

	_, err = user.uploadArchive(res.JobId, "resources.zip", testArchive(t))
	require.NoError(t, err)

	job, err := user.uploadJob(res.JobId)
	require.NoError(t, err)
	require.Equal(t, schema.UploadComplete, job.Status)
	require.NotNil(t, job.CollectionId)

	var summary worker.Summary
	require.NoError(t, json.Unmarshal(job.Summary, &summary))
	assert.Equal(t, *job.CollectionId, summary.CollectionId)
	assert.Equal(t, 2, summary.ResourcesCreated)

	collection, err := user.collectionInfo(job.CollectionId.String())
	require.NoError(t, err)
	assert.Equal(t, "Spring2014", collection.Name)
	assert.Equal(t, user.userId, collection.OwnerId.String())
	assert.Len(t, collection.ResourceIds, 2)

	anonymous := env.newClient()
	page, err := anonymous.listResources("?public=true")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "VIDEO001.mp4", page.Items[0].Name)

	// The same collection name cannot be uploaded twice by one owner.
	_, err = user.uploadDefinition(uploadDefinition)
	assert.Equal(t, http.StatusUnprocessableEntity, statusCode(err))
}
