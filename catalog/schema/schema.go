package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:150;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	IsAdmin bool `gorm:"not null;default:false"`

	ProjectRoles []ProjectRole `gorm:"constraint:OnDelete:CASCADE"`
}

type ResourceType struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"unique;size:100;not null"`
}

type Resource struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"size:255;not null;index"`

	ResourceTypeId uuid.UUID `gorm:"type:uuid;not null"`
	ResourceType   *ResourceType

	File string `gorm:"size:500"`

	DateRecorded *time.Time
	DateUploaded time.Time

	Public    bool `gorm:"not null;default:false"`
	CsEnabled bool `gorm:"not null;default:false"`

	OwnerId uuid.UUID `gorm:"type:uuid;not null;index"`
	Owner   *User     `gorm:"constraint:OnDelete:CASCADE"`

	UploaderId *uuid.UUID `gorm:"type:uuid"`
	Uploader   *User      `gorm:"constraint:OnDelete:SET NULL"`

	Managers []User `gorm:"many2many:resource_managers;constraint:OnDelete:CASCADE"`
}

type Collection struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:255;not null"`
	Description string

	OwnerId uuid.UUID `gorm:"type:uuid;not null;index"`
	Owner   *User     `gorm:"constraint:OnDelete:CASCADE"`

	Managers  []User     `gorm:"many2many:collection_managers;constraint:OnDelete:CASCADE"`
	Resources []Resource `gorm:"many2many:collection_resources;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
}

type Project struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"unique;size:255;not null"`

	Resources   []Resource   `gorm:"many2many:project_resources;constraint:OnDelete:CASCADE"`
	Collections []Collection `gorm:"many2many:project_collections;constraint:OnDelete:CASCADE"`
	FeatureSets []FeatureSet `gorm:"many2many:project_feature_sets;constraint:OnDelete:CASCADE"`

	Roles []ProjectRole `gorm:"constraint:OnDelete:CASCADE"`
}

const (
	RoleProjectAdmin = "admin"
	RoleExpert       = "expert"
	RoleCollaborator = "collaborator"
)

func CheckValidRole(role string) error {
	switch role {
	case RoleProjectAdmin, RoleExpert, RoleCollaborator:
		return nil
	default:
		return fmt.Errorf("invalid project role '%v', must be one of '%v', '%v', '%v'", role, RoleProjectAdmin, RoleExpert, RoleCollaborator)
	}
}

type ProjectRole struct {
	UserId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Role      string    `gorm:"size:50;not null"`

	User    *User    `gorm:"constraint:OnDelete:CASCADE"`
	Project *Project `gorm:"constraint:OnDelete:CASCADE"`
}

const (
	FeatureTypeStr = "str"
	FeatureTypeInt = "int"
)

type AnimalFeature struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"unique;size:100;not null"`
	ShortName   string    `gorm:"size:50;not null"`
	FeatureType string    `gorm:"size:10;not null"`

	Scopes []AnimalFeatureScope `gorm:"foreignKey:FeatureId;constraint:OnDelete:CASCADE"`
}

type AnimalFeatureScope struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"size:100;not null"`
	FeatureId uuid.UUID `gorm:"type:uuid;not null;index"`
}

type FeatureSet struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"unique;size:100;not null"`

	ResourceTypeId uuid.UUID `gorm:"type:uuid;not null"`
	ResourceType   *ResourceType

	Features []AnimalFeature `gorm:"many2many:feature_set_features;constraint:OnDelete:CASCADE"`
}

const (
	UploadCreated         = "created"
	UploadArchiveAttached = "archive_attached"
	UploadEnqueued        = "enqueued"
	UploadProcessing      = "processing"
	UploadComplete        = "complete"
	UploadFailed          = "failed"
)

type UploadJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	OwnerId uuid.UUID `gorm:"type:uuid;not null;index"`
	Owner   *User     `gorm:"constraint:OnDelete:CASCADE"`

	Definition string `gorm:"size:500;not null"`
	Archive    string `gorm:"size:500"`

	Status string `gorm:"size:50;not null;index"`

	CollectionId *uuid.UUID `gorm:"type:uuid"`
	Collection   *Collection `gorm:"constraint:OnDelete:SET NULL"`

	// Counts reported by the worker once processing finishes.
	Summary datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time

	Logs []JobLog `gorm:"foreignKey:UploadJobId;constraint:OnDelete:CASCADE"`
}

type JobLog struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UploadJobId uuid.UUID `gorm:"type:uuid;index"`
	Level       string    `gorm:"size:50;not null"`
	Message     string
}

type Message struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Subject string `gorm:"size:255;not null"`
	Text    string

	UserFromId uuid.UUID `gorm:"type:uuid;not null;index"`
	UserFrom   *User     `gorm:"constraint:OnDelete:CASCADE"`

	UserToId uuid.UUID `gorm:"type:uuid;not null;index"`
	UserTo   *User     `gorm:"constraint:OnDelete:CASCADE"`

	DateSent time.Time
	Read     bool `gorm:"not null;default:false"`
}

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

type CollectionRequest struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"size:255;not null"`

	// The collection owner, who receives and resolves the request.
	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User     `gorm:"constraint:OnDelete:CASCADE"`

	MessageId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	Message   *Message  `gorm:"constraint:OnDelete:CASCADE"`

	ProjectId uuid.UUID `gorm:"type:uuid;not null"`
	Project   *Project  `gorm:"constraint:OnDelete:CASCADE"`

	CollectionId uuid.UUID   `gorm:"type:uuid;not null"`
	Collection   *Collection `gorm:"constraint:OnDelete:CASCADE"`

	Status     string `gorm:"size:50;not null;default:'pending'"`
	ResolvedAt *time.Time
}

// AllModels is the list of tables managed by the catalog, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &ResourceType{}, &Resource{}, &Collection{},
		&AnimalFeature{}, &AnimalFeatureScope{}, &FeatureSet{},
		&Project{}, &ProjectRole{},
		&UploadJob{}, &JobLog{},
		&Message{}, &CollectionRequest{},
	}
}
