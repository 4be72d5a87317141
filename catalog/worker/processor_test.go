package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"trapper/catalog/schema"
	"trapper/catalog/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	db      *gorm.DB
	storage storage.Storage
	owner   schema.User
	manager schema.User
}

func setupTestEnv(t *testing.T) testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDb.Close() })

	require.NoError(t, db.AutoMigrate(schema.AllModels()...))

	require.NoError(t, db.Create(&schema.ResourceType{Id: uuid.New(), Name: "Video"}).Error)
	require.NoError(t, db.Create(&schema.ResourceType{Id: uuid.New(), Name: "Audio"}).Error)

	owner := schema.User{Id: uuid.New(), Username: "owner", Email: "owner@mail.com"}
	manager := schema.User{Id: uuid.New(), Username: "manager", Email: "manager@mail.com"}
	require.NoError(t, db.Create(&owner).Error)
	require.NoError(t, db.Create(&manager).Error)

	return testEnv{db: db, storage: storage.NewSharedDisk(t.TempDir()), owner: owner, manager: manager}
}

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

func (env *testEnv) createJob(t *testing.T, def string, archive []byte) uuid.UUID {
	jobId := uuid.New()
	require.NoError(t, env.storage.Write(storage.DefinitionPath(jobId), strings.NewReader(def)))
	require.NoError(t, env.storage.Write(storage.ArchivePath(jobId), bytes.NewReader(archive)))

	job := schema.UploadJob{
		Id:         jobId,
		OwnerId:    env.owner.Id,
		Definition: storage.DefinitionPath(jobId),
		Archive:    storage.ArchivePath(jobId),
		Status:     schema.UploadEnqueued,
	}
	require.NoError(t, env.db.Create(&job).Error)
	return jobId
}

const testDefinition = `
collection:
  name: Spring2014
  description: spring survey
  managers: [manager]
resources:
  - name: VIDEO001.mp4
    file: videos/VIDEO001.mp4
    type: Video
    public: true
  - name: AUDIO001.mp4
    file: AUDIO001.mp4
    type: Audio
  - name: AUDIO002.mp4
    file: missing/AUDIO002.mp4
    type: Audio
`

func TestProcessCreatesCollection(t *testing.T) {
	env := setupTestEnv(t)

	jobId := env.createJob(t, testDefinition, makeArchive(t, map[string]string{
		"videos/VIDEO001.mp4": "video",
		"AUDIO001.mp4":        "audio",
	}))

	processor := NewProcessor(env.db, env.storage)
	require.NoError(t, processor.Process(context.Background(), jobId))

	job, err := schema.GetUploadJob(jobId, env.db, true)
	require.NoError(t, err)
	assert.Equal(t, schema.UploadComplete, job.Status)
	require.NotNil(t, job.CollectionId)

	var summary Summary
	require.NoError(t, json.Unmarshal(job.Summary, &summary))
	assert.Equal(t, *job.CollectionId, summary.CollectionId)
	assert.Equal(t, 2, summary.ResourcesCreated)
	assert.Equal(t, 1, summary.ResourcesSkipped)

	require.Len(t, job.Logs, 1)
	assert.Equal(t, LogLevelWarning, job.Logs[0].Level)
	assert.Contains(t, job.Logs[0].Message, "AUDIO002.mp4")

	collection, err := schema.GetCollection(*job.CollectionId, env.db, true, true)
	require.NoError(t, err)
	assert.Equal(t, "Spring2014", collection.Name)
	assert.Equal(t, env.owner.Id, collection.OwnerId)
	require.Len(t, collection.Managers, 1)
	assert.Equal(t, env.manager.Id, collection.Managers[0].Id)
	require.Len(t, collection.Resources, 2)

	for _, res := range collection.Resources {
		assert.Equal(t, env.owner.Id, res.OwnerId)
		require.NotNil(t, res.UploaderId)
		assert.Equal(t, env.owner.Id, *res.UploaderId)

		file, err := env.storage.Read(res.File)
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		file.Close()
		require.NoError(t, err)
		if res.Name == "VIDEO001.mp4" {
			assert.Equal(t, "video", string(data))
			assert.True(t, res.Public)
		} else {
			assert.Equal(t, "audio", string(data))
		}
	}

	exists, err := env.storage.Exists(storage.ExtractedDir(jobId))
	require.NoError(t, err)
	assert.False(t, exists)

	// Processing a finished job again is a no-op.
	require.NoError(t, processor.Process(context.Background(), jobId))
	var count int64
	require.NoError(t, env.db.Model(&schema.Collection{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProcessFailsWhenNoResourcesFound(t *testing.T) {
	env := setupTestEnv(t)

	jobId := env.createJob(t, testDefinition, makeArchive(t, map[string]string{"other.txt": "x"}))

	processor := NewProcessor(env.db, env.storage)
	err := processor.Process(context.Background(), jobId)
	assert.ErrorIs(t, err, ErrNoResources)

	job, err := schema.GetUploadJob(jobId, env.db, true)
	require.NoError(t, err)
	assert.Equal(t, schema.UploadFailed, job.Status)
	assert.Nil(t, job.CollectionId)

	levels := make([]string, 0)
	for _, l := range job.Logs {
		levels = append(levels, l.Level)
	}
	assert.Contains(t, levels, LogLevelError)

	var count int64
	require.NoError(t, env.db.Model(&schema.Resource{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestProcessRejectsJobWithoutArchive(t *testing.T) {
	env := setupTestEnv(t)

	job := schema.UploadJob{Id: uuid.New(), OwnerId: env.owner.Id, Definition: "x", Status: schema.UploadCreated}
	require.NoError(t, env.db.Create(&job).Error)

	err := NewProcessor(env.db, env.storage).Process(context.Background(), job.Id)
	assert.ErrorIs(t, err, ErrJobNotReady)
}

func TestProcessUnknownJob(t *testing.T) {
	env := setupTestEnv(t)

	err := NewProcessor(env.db, env.storage).Process(context.Background(), uuid.New())
	assert.ErrorIs(t, err, schema.ErrUploadJobNotFound)
}
