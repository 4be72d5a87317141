package definition

import (
	"errors"
	"strings"
	"testing"
	"trapper/catalog/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) (*gorm.DB, schema.User) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// Every connection to file::memory: opens a fresh database.
	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDb.Close() })

	require.NoError(t, db.AutoMigrate(schema.AllModels()...))

	require.NoError(t, db.Create(&schema.ResourceType{Id: uuid.New(), Name: "Video"}).Error)
	require.NoError(t, db.Create(&schema.ResourceType{Id: uuid.New(), Name: "Audio"}).Error)

	owner := schema.User{Id: uuid.New(), Username: "user1", Email: "user1@mail.com"}
	require.NoError(t, db.Create(&owner).Error)
	require.NoError(t, db.Create(&schema.User{Id: uuid.New(), Username: "user2", Email: "user2@mail.com"}).Error)

	return db, owner
}

const validDefinition = `
collection:
  name: Spring2014
  description: spring survey
  managers: [user2]
resources:
  - name: VIDEO001.mp4
    file: videos/VIDEO001.mp4
    type: Video
    date_recorded: 2014-04-01T10:00:00Z
    public: true
  - name: AUDIO001.mp4
    file: AUDIO001.mp4
    type: Audio
    cs_enabled: true
`

func TestLoadValidDefinition(t *testing.T) {
	db, owner := setupDb(t)

	def, err := Load(strings.NewReader(validDefinition), owner.Id, db)
	require.NoError(t, err)

	assert.Equal(t, "Spring2014", def.Collection.Name)
	assert.Equal(t, []string{"user2"}, def.Collection.Managers)
	require.Len(t, def.Resources, 2)
	assert.True(t, def.Resources[0].Public)
	require.NotNil(t, def.Resources[0].DateRecorded)
	assert.Equal(t, 2014, def.Resources[0].DateRecorded.Year())
	assert.Nil(t, def.Resources[1].DateRecorded)
	assert.True(t, def.Resources[1].CsEnabled)
}

func TestParseInvalidYaml(t *testing.T) {
	_, err := Parse(strings.NewReader("collection: [unterminated"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "invalid yaml")

	_, err = Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = Parse(strings.NewReader("collection:\n  name: x\n  colour: red\n"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestValidateReportsAllProblems(t *testing.T) {
	db, owner := setupDb(t)

	data := `
collection:
  name: ""
  managers: [ghost]
resources:
  - name: A
    file: ../a.mp4
    type: Video
  - name: A
    file: a.mp4
    type: Photo
`
	_, err := Load(strings.NewReader(data), owner.Id, db)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	msg := err.Error()
	assert.Contains(t, msg, "collection name is required")
	assert.Contains(t, msg, "duplicate name")
	assert.Contains(t, msg, "invalid file path '../a.mp4'")
	assert.Contains(t, msg, "manager 'ghost' does not exist")
	assert.Contains(t, msg, "resource type 'Photo' does not exist")
	assert.Equal(t, 5, len(verr.Problems))
}

func TestValidateRequiresResources(t *testing.T) {
	db, owner := setupDb(t)

	_, err := Load(strings.NewReader("collection:\n  name: Empty\n"), owner.Id, db)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "at least one resource is required")
}

func TestValidateRejectsDuplicateCollection(t *testing.T) {
	db, owner := setupDb(t)

	require.NoError(t, db.Create(&schema.Collection{Id: uuid.New(), Name: "Spring2014", OwnerId: owner.Id}).Error)

	_, err := Load(strings.NewReader(validDefinition), owner.Id, db)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "already own a collection named 'Spring2014'")

	other := schema.User{Id: uuid.New(), Username: "user3", Email: "user3@mail.com"}
	require.NoError(t, db.Create(&other).Error)
	_, err = Load(strings.NewReader(validDefinition), other.Id, db)
	assert.NoError(t, err)
}
