package auth

import (
	"errors"
	"fmt"
	"slices"
	"trapper/catalog/schema"

	"github.com/google/uuid"
)

var (
	ErrForbidden   = errors.New("permission denied")
	ErrUnknownRule = errors.New("unknown authorization rule")
)

type RuleKey struct {
	Entity string
	Action string
}

func (k RuleKey) String() string {
	return k.Entity + ":" + k.Action
}

var (
	ResourceUpdate           = RuleKey{Entity: "resource", Action: "update"}
	ResourceDelete           = RuleKey{Entity: "resource", Action: "delete"}
	CollectionUpdate         = RuleKey{Entity: "collection", Action: "update"}
	CollectionDelete         = RuleKey{Entity: "collection", Action: "delete"}
	UploadJobAttach          = RuleKey{Entity: "upload_job", Action: "attach"}
	UploadJobView            = RuleKey{Entity: "upload_job", Action: "view"}
	CollectionRequestResolve = RuleKey{Entity: "collection_request", Action: "resolve"}
)

// Target is the ownership view of an entity that rule predicates inspect.
type Target struct {
	OwnerId    uuid.UUID
	UploaderId *uuid.UUID
	ManagerIds []uuid.UUID
}

func (t Target) isOwner(userId uuid.UUID) bool {
	return t.OwnerId == userId
}

func (t Target) isUploader(userId uuid.UUID) bool {
	return t.UploaderId != nil && *t.UploaderId == userId
}

func (t Target) isManager(userId uuid.UUID) bool {
	return slices.Contains(t.ManagerIds, userId)
}

func managerIds(managers []schema.User) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(managers))
	for _, m := range managers {
		ids = append(ids, m.Id)
	}
	return ids
}

// ResourceTarget expects the resource managers to be loaded.
func ResourceTarget(resource schema.Resource) Target {
	return Target{OwnerId: resource.OwnerId, UploaderId: resource.UploaderId, ManagerIds: managerIds(resource.Managers)}
}

// CollectionTarget expects the collection managers to be loaded.
func CollectionTarget(collection schema.Collection) Target {
	return Target{OwnerId: collection.OwnerId, ManagerIds: managerIds(collection.Managers)}
}

func UploadJobTarget(job schema.UploadJob) Target {
	return Target{OwnerId: job.OwnerId}
}

func CollectionRequestTarget(request schema.CollectionRequest) Target {
	return Target{OwnerId: request.UserId}
}

type Rule func(user schema.User, target Target) bool

func ownerUploaderOrManager(user schema.User, target Target) bool {
	return target.isOwner(user.Id) || target.isUploader(user.Id) || target.isManager(user.Id)
}

func ownerOrManager(user schema.User, target Target) bool {
	return target.isOwner(user.Id) || target.isManager(user.Id)
}

func ownerOnly(user schema.User, target Target) bool {
	return target.isOwner(user.Id)
}

var Rules = map[RuleKey]Rule{
	ResourceUpdate:           ownerUploaderOrManager,
	ResourceDelete:           ownerUploaderOrManager,
	CollectionUpdate:         ownerOrManager,
	CollectionDelete:         ownerOrManager,
	UploadJobAttach:          ownerOnly,
	UploadJobView:            ownerOnly,
	CollectionRequestResolve: ownerOnly,
}

func Authorize(key RuleKey, user schema.User, target Target) error {
	rule, ok := Rules[key]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownRule, key)
	}
	if !rule(user, target) {
		return fmt.Errorf("%w: user %v cannot perform %v", ErrForbidden, user.Id, key)
	}
	return nil
}
