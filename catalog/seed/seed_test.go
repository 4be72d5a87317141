package seed

import (
	"testing"
	"trapper/catalog/auth"
	"trapper/catalog/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDb.Close() })

	require.NoError(t, db.AutoMigrate(schema.AllModels()...))
	return db
}

func TestSeed(t *testing.T) {
	db := openDb(t)

	res, err := Run(db)
	require.NoError(t, err)

	assert.Len(t, res.Users, 4)
	assert.Len(t, res.Resources, 6)
	assert.Len(t, res.Collections, 2)
	assert.Len(t, res.FeatureSets, 2)

	admin, err := schema.GetUser(res.Users["admin1"], db)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)
	assert.NoError(t, bcrypt.CompareHashAndPassword(admin.Password, []byte("admin1")))

	resource, err := schema.GetResource(res.Resources["VIDEO001.mp4"], db, false)
	require.NoError(t, err)
	assert.Equal(t, res.Users["admin1"], resource.OwnerId)
	require.NotNil(t, resource.UploaderId)
	assert.Equal(t, res.Users["staff1"], *resource.UploaderId)
	assert.True(t, resource.Public)
	assert.Equal(t, "Video", resource.ResourceType.Name)

	all, err := schema.GetCollection(res.Collections["Spring2013_Vid_Aud"], db, false, true)
	require.NoError(t, err)
	assert.Len(t, all.Resources, 6)

	audio, err := schema.GetCollection(res.Collections["2013Audio"], db, false, true)
	require.NoError(t, err)
	assert.Len(t, audio.Resources, 3)
	assert.Equal(t, res.Users["user1"], audio.OwnerId)

	var scopes int64
	require.NoError(t, db.Model(&schema.AnimalFeatureScope{}).Count(&scopes).Error)
	assert.Equal(t, int64(8), scopes)

	// staff1 is an expert and admin1 a project admin, so both may request collections.
	for _, username := range []string{"admin1", "staff1"} {
		projects, err := auth.EligibleProjects(schema.User{Id: res.Users[username]}, db)
		require.NoError(t, err)
		require.Len(t, projects, 1)
		assert.Equal(t, res.ProjectId, projects[0].Id)
	}
	projects, err := auth.EligibleProjects(schema.User{Id: res.Users["user2"]}, db)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestSeedTwice(t *testing.T) {
	db := openDb(t)

	_, err := Run(db)
	require.NoError(t, err)

	_, err = Run(db)
	assert.ErrorIs(t, err, ErrAlreadySeeded)

	var users int64
	require.NoError(t, db.Model(&schema.User{}).Count(&users).Error)
	assert.Equal(t, int64(4), users)
}

func TestEnsureResourceTypes(t *testing.T) {
	db := openDb(t)

	first, err := EnsureResourceTypes(db)
	require.NoError(t, err)
	second, err := EnsureResourceTypes(db)
	require.NoError(t, err)

	assert.Equal(t, first["Video"].Id, second["Video"].Id)

	var count int64
	require.NoError(t, db.Model(&schema.ResourceType{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestSeedReusesExistingResourceTypes(t *testing.T) {
	db := openDb(t)

	// Migrations insert the default types before seeding runs.
	video := schema.ResourceType{Id: uuid.New(), Name: "Video"}
	require.NoError(t, db.Create(&video).Error)

	types, err := EnsureResourceTypes(db)
	require.NoError(t, err)
	assert.Equal(t, video.Id, types["Video"].Id)

	res, err := Run(db)
	require.NoError(t, err)

	resource, err := schema.GetResource(res.Resources["VIDEO001.mp4"], db, false)
	require.NoError(t, err)
	assert.Equal(t, video.Id, resource.ResourceTypeId)

	var count int64
	require.NoError(t, db.Model(&schema.ResourceType{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}
