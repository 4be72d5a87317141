// Package seed loads the sample catalog used for development and demos:
// four users, the animal feature taxonomy, video and audio resources, two
// collections and one classification project.
package seed

import (
	"errors"
	"fmt"
	"log/slog"
	"trapper/catalog/auth"
	"trapper/catalog/schema"
	"trapper/utils/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrAlreadySeeded = errors.New("database already contains seed data")

var DefaultResourceTypes = []string{"Video", "Audio"}

// EnsureResourceTypes creates any missing default resource type.
func EnsureResourceTypes(db *gorm.DB) (map[string]schema.ResourceType, error) {
	types := make(map[string]schema.ResourceType, len(DefaultResourceTypes))
	for _, name := range DefaultResourceTypes {
		var rt schema.ResourceType
		if err := db.Where("name = ?", name).Attrs(schema.ResourceType{Id: uuid.New(), Name: name}).FirstOrCreate(&rt).Error; err != nil {
			slog.Error("sql error creating resource type", "name", name, "error", err)
			return nil, schema.ErrDbAccessFailed
		}
		types[name] = rt
	}
	return types, nil
}

type seedUser struct {
	username, email string
	admin           bool
}

var seedUsers = []seedUser{
	{"admin1", "admin1@trapper.pl", true},
	{"staff1", "staff1@trapper.pl", false},
	{"user1", "user1@gmail.com", false},
	{"user2", "user2@gmail.com", false},
}

type featureDef struct {
	name, shortName, featureType string
	scopes                       []string
}

var seedFeatures = []featureDef{
	{"Age", "Age", schema.FeatureTypeStr, []string{"Young", "Adult", "Old"}},
	{"Gender", "Gender", schema.FeatureTypeStr, []string{"Male", "Female"}},
	{"Count", "Count", schema.FeatureTypeInt, nil},
	{"ApproxCount", "Count", schema.FeatureTypeStr, []string{"1", "2-5", "6+"}},
}

type resourceDef struct {
	name, resourceType string
	owner, uploader    int
	public             bool
}

var seedResources = []resourceDef{
	{"VIDEO001.mp4", "Video", 0, 1, true},
	{"VIDEO002.mp4", "Video", 1, 1, true},
	{"VIDEO003.mp4", "Video", 2, 3, false},
	{"AUDIO001.mp4", "Audio", 0, 2, false},
	{"AUDIO002.mp4", "Audio", 2, 2, false},
	{"AUDIO003.mp4", "Audio", 2, 2, true},
}

// Result holds the ids of the seeded rows, keyed by name.
type Result struct {
	Users       map[string]uuid.UUID
	Resources   map[string]uuid.UUID
	Collections map[string]uuid.UUID
	FeatureSets map[string]uuid.UUID
	ProjectId   uuid.UUID
}

// Run inserts the sample catalog in one transaction. Each seeded user's
// password equals the username.
func Run(db *gorm.DB) (Result, error) {
	res := Result{
		Users:       make(map[string]uuid.UUID),
		Resources:   make(map[string]uuid.UUID),
		Collections: make(map[string]uuid.UUID),
		FeatureSets: make(map[string]uuid.UUID),
	}

	err := db.Transaction(func(txn *gorm.DB) error {
		var existing int64
		if err := txn.Model(&schema.User{}).Where("username IN ?", []string{"admin1", "staff1", "user1", "user2"}).Count(&existing).Error; err != nil {
			slog.Error("sql error checking for seed users", "error", err)
			return schema.ErrDbAccessFailed
		}
		if existing > 0 {
			return ErrAlreadySeeded
		}

		users := make([]schema.User, 0, len(seedUsers))
		for _, su := range seedUsers {
			hashed, err := auth.HashPassword(su.username)
			if err != nil {
				return fmt.Errorf("error hashing password: %w", err)
			}
			user := schema.User{Id: uuid.New(), Username: su.username, Email: su.email, Password: hashed, IsAdmin: su.admin}
			if err := txn.Create(&user).Error; err != nil {
				slog.Error("sql error creating seed user", "username", su.username, "error", err)
				return schema.ErrDbAccessFailed
			}
			users = append(users, user)
			res.Users[user.Username] = user.Id
		}

		features := make(map[string]schema.AnimalFeature)
		for _, fd := range seedFeatures {
			feature := schema.AnimalFeature{Id: uuid.New(), Name: fd.name, ShortName: fd.shortName, FeatureType: fd.featureType}
			for _, scope := range fd.scopes {
				feature.Scopes = append(feature.Scopes, schema.AnimalFeatureScope{Id: uuid.New(), Name: scope})
			}
			if err := txn.Create(&feature).Error; err != nil {
				slog.Error("sql error creating animal feature", "name", fd.name, "error", err)
				return schema.ErrDbAccessFailed
			}
			features[fd.name] = feature
		}

		types, err := EnsureResourceTypes(txn)
		if err != nil {
			return err
		}

		resources := make([]schema.Resource, 0, len(seedResources))
		for _, rd := range seedResources {
			uploaderId := users[rd.uploader].Id
			resource := schema.Resource{
				Id:             uuid.New(),
				Name:           rd.name,
				ResourceTypeId: types[rd.resourceType].Id,
				OwnerId:        users[rd.owner].Id,
				UploaderId:     &uploaderId,
				Public:         rd.public,
				CsEnabled:      rd.public,
			}
			if err := txn.Create(&resource).Error; err != nil {
				slog.Error("sql error creating seed resource", "name", rd.name, "error", err)
				return schema.ErrDbAccessFailed
			}
			resources = append(resources, resource)
			res.Resources[resource.Name] = resource.Id
		}

		collections := []schema.Collection{
			{Id: uuid.New(), Name: "Spring2013_Vid_Aud", OwnerId: users[0].Id, Resources: resources},
			{Id: uuid.New(), Name: "2013Audio", OwnerId: users[2].Id, Resources: resources[3:]},
		}
		for i := range collections {
			if err := txn.Create(&collections[i]).Error; err != nil {
				slog.Error("sql error creating seed collection", "name", collections[i].Name, "error", err)
				return schema.ErrDbAccessFailed
			}
			res.Collections[collections[i].Name] = collections[i].Id
		}

		featureSets := []schema.FeatureSet{
			{Id: uuid.New(), Name: "SimpleMammalVideo", ResourceTypeId: types["Video"].Id, Features: []schema.AnimalFeature{features["Age"], features["Gender"], features["Count"]}},
			{Id: uuid.New(), Name: "SimpleMammalAudio", ResourceTypeId: types["Audio"].Id, Features: []schema.AnimalFeature{features["ApproxCount"]}},
		}
		for i := range featureSets {
			if err := txn.Create(&featureSets[i]).Error; err != nil {
				slog.Error("sql error creating feature set", "name", featureSets[i].Name, "error", err)
				return schema.ErrDbAccessFailed
			}
			res.FeatureSets[featureSets[i].Name] = featureSets[i].Id
		}

		project := schema.Project{
			Id:          uuid.New(),
			Name:        "PhDProject1",
			Resources:   resources[:1],
			Collections: collections[1:],
			FeatureSets: featureSets,
		}
		if err := txn.Create(&project).Error; err != nil {
			slog.Error("sql error creating seed project", "error", err)
			return schema.ErrDbAccessFailed
		}
		res.ProjectId = project.Id

		roles := []schema.ProjectRole{
			{UserId: users[0].Id, ProjectId: project.Id, Role: schema.RoleProjectAdmin},
			{UserId: users[1].Id, ProjectId: project.Id, Role: schema.RoleExpert},
		}
		if err := txn.Create(&roles).Error; err != nil {
			slog.Error("sql error creating seed project roles", "error", err)
			return schema.ErrDbAccessFailed
		}

		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("error seeding database: %w", err)
	}

	slog.Info("seeded database", "users", len(res.Users), "resources", len(res.Resources), "collections", len(res.Collections), "code", logging.CATALOG_SEED)
	return res, nil
}
