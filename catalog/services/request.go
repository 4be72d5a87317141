package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"trapper/catalog/auth"
	"trapper/catalog/schema"
	"trapper/utils"
	"trapper/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	requestSubject = "Request for resources"
	requestName    = "Request for resources"

	requestTextTemplate = "Dear %s,\nI would like to ask you for the permission to use the %s collection.\n\nBest regards,\n%s"
)

// RequestService handles requests to use a collection within a project.
// The form and submission endpoints are mounted under /collection, the
// recipient side under /message.
type RequestService struct {
	db *gorm.DB
}

func (s *RequestService) ResolveRoutes(r chi.Router) {
	r.Get("/requests", s.List)
	r.Post("/requests/{request_id}/approve", s.Approve)
	r.Post("/requests/{request_id}/reject", s.Reject)
}

type requestCollectionInfo struct {
	Id    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Owner string    `json:"owner"`
}

type ProjectSummary struct {
	Id   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type requestFormResponse struct {
	Collection requestCollectionInfo `json:"collection"`
	Projects   []ProjectSummary      `json:"projects"`
	Text       string                `json:"text"`
}

func (s *RequestService) Form(w http.ResponseWriter, r *http.Request) {
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	collection, err := schema.GetCollection(collectionId, s.db, false, false)
	if err != nil {
		err = notFoundOr500(err, schema.ErrCollectionNotFound)
		http.Error(w, fmt.Sprintf("error loading collection: %v", err), GetResponseCode(err))
		return
	}

	projects, err := auth.EligibleProjects(user, s.db)
	if err != nil {
		http.Error(w, fmt.Sprintf("error loading projects: %v", err), http.StatusInternalServerError)
		return
	}

	owner := ""
	if collection.Owner != nil {
		owner = collection.Owner.Username
	}

	res := requestFormResponse{
		Collection: requestCollectionInfo{Id: collection.Id, Name: collection.Name, Owner: owner},
		Projects:   make([]ProjectSummary, 0, len(projects)),
		Text:       fmt.Sprintf(requestTextTemplate, owner, collection.Name, user.Username),
	}
	for _, p := range projects {
		res.Projects = append(res.Projects, ProjectSummary{Id: p.Id, Name: p.Name})
	}

	utils.WriteJsonResponse(w, res)
}

type createRequestRequest struct {
	ProjectId    uuid.UUID  `json:"project_id"`
	Text         string     `json:"text"`
	CollectionId *uuid.UUID `json:"collection_id"`
}

type createRequestResponse struct {
	RequestId uuid.UUID `json:"request_id"`
	MessageId uuid.UUID `json:"message_id"`
	Redirect  string    `json:"redirect"`
}

func (s *RequestService) Create(w http.ResponseWriter, r *http.Request) {
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params createRequestRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	// The path names the collection, a body field may only repeat it.
	if params.CollectionId != nil && *params.CollectionId != collectionId {
		http.Error(w, fmt.Sprintf("collection_id %v in body does not match collection %v in path", *params.CollectionId, collectionId), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	message := schema.Message{
		Id:         uuid.New(),
		Subject:    requestSubject,
		Text:       params.Text,
		UserFromId: user.Id,
		DateSent:   time.Now(),
	}
	request := schema.CollectionRequest{
		Id:           uuid.New(),
		Name:         requestName,
		MessageId:    message.Id,
		ProjectId:    params.ProjectId,
		CollectionId: collectionId,
		Status:       schema.RequestPending,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		collection, err := schema.GetCollection(collectionId, txn, false, false)
		if err != nil {
			return notFoundOr500(err, schema.ErrCollectionNotFound)
		}

		projects, err := auth.EligibleProjects(user, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		eligible := false
		for _, p := range projects {
			if p.Id == params.ProjectId {
				eligible = true
				break
			}
		}
		if !eligible {
			return CodedError(fmt.Errorf("project %v is not one of the projects you can request collections for", params.ProjectId), http.StatusUnprocessableEntity)
		}

		if strings.TrimSpace(message.Text) == "" {
			owner := ""
			if collection.Owner != nil {
				owner = collection.Owner.Username
			}
			message.Text = fmt.Sprintf(requestTextTemplate, owner, collection.Name, user.Username)
		}
		message.UserToId = collection.OwnerId
		request.UserId = collection.OwnerId

		if err := txn.Create(&message).Error; err != nil {
			slog.Error("sql error creating request message", "collection_id", collectionId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if err := txn.Create(&request).Error; err != nil {
			slog.Error("sql error creating collection request", "collection_id", collectionId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error requesting collection %v: %v", collectionId, err), GetResponseCode(err))
		return
	}

	metricCollectionRequests.WithLabelValues("created").Inc()
	slog.Info("collection requested", "request_id", request.Id, "collection_id", collectionId, "project_id", params.ProjectId, "user_id", user.Id, "code", logging.CATALOG_REQUEST)

	utils.WriteJsonResponse(w, createRequestResponse{RequestId: request.Id, MessageId: message.Id, Redirect: "/collection/list"})
}

type CollectionRequestInfo struct {
	Id           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	MessageId    uuid.UUID  `json:"message_id"`
	Text         string     `json:"text"`
	From         uuid.UUID  `json:"from"`
	ProjectId    uuid.UUID  `json:"project_id"`
	Project      string     `json:"project"`
	CollectionId uuid.UUID  `json:"collection_id"`
	Collection   string     `json:"collection"`
	Status       string     `json:"status"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

func convertToRequestInfo(request *schema.CollectionRequest) CollectionRequestInfo {
	info := CollectionRequestInfo{
		Id:           request.Id,
		Name:         request.Name,
		MessageId:    request.MessageId,
		ProjectId:    request.ProjectId,
		CollectionId: request.CollectionId,
		Status:       request.Status,
		ResolvedAt:   request.ResolvedAt,
	}
	if request.Message != nil {
		info.Text = request.Message.Text
		info.From = request.Message.UserFromId
	}
	if request.Project != nil {
		info.Project = request.Project.Name
	}
	if request.Collection != nil {
		info.Collection = request.Collection.Name
	}
	return info
}

func (s *RequestService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Preload("Message").Preload("Project").Preload("Collection").Where("user_id = ?", user.Id)
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var requests []schema.CollectionRequest
	if err := query.Find(&requests).Error; err != nil {
		slog.Error("sql error listing collection requests", "user_id", user.Id, "error", err)
		http.Error(w, fmt.Sprintf("error listing requests: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]CollectionRequestInfo, 0, len(requests))
	for _, req := range requests {
		infos = append(infos, convertToRequestInfo(&req))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *RequestService) Approve(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, schema.RequestApproved)
}

func (s *RequestService) Reject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, schema.RequestRejected)
}

func (s *RequestService) resolve(w http.ResponseWriter, r *http.Request, status string) {
	requestId, err := utils.URLParamUUID(r, "request_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		request, err := schema.GetCollectionRequest(requestId, txn)
		if err != nil {
			return notFoundOr500(err, schema.ErrCollectionRequestNotFound)
		}

		if err := authorize(auth.CollectionRequestResolve, user, auth.CollectionRequestTarget(request)); err != nil {
			return err
		}

		if request.Status != schema.RequestPending {
			return CodedError(fmt.Errorf("request %v is already %v", requestId, request.Status), http.StatusUnprocessableEntity)
		}

		if status == schema.RequestApproved {
			if request.Project == nil || request.Collection == nil {
				return CodedError(errors.New("request project or collection no longer exists"), http.StatusUnprocessableEntity)
			}
			if err := txn.Model(request.Project).Association("Collections").Append(request.Collection); err != nil {
				slog.Error("sql error adding collection to project", "request_id", requestId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		now := time.Now()
		result := txn.Model(&schema.CollectionRequest{}).
			Where("id = ? AND status = ?", requestId, schema.RequestPending).
			Updates(map[string]interface{}{"status": status, "resolved_at": now})
		if result.Error != nil {
			slog.Error("sql error resolving collection request", "request_id", requestId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(fmt.Errorf("request %v was resolved concurrently", requestId), http.StatusConflict)
		}

		if request.Message != nil {
			collectionName := ""
			if request.Collection != nil {
				collectionName = request.Collection.Name
			}
			reply := schema.Message{
				Id:         uuid.New(),
				Subject:    "Re: " + request.Message.Subject,
				Text:       fmt.Sprintf("Your request to use the %s collection was %s.", collectionName, status),
				UserFromId: user.Id,
				UserToId:   request.Message.UserFromId,
				DateSent:   now,
			}
			if err := txn.Create(&reply).Error; err != nil {
				slog.Error("sql error creating request reply", "request_id", requestId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error resolving request %v: %v", requestId, err), GetResponseCode(err))
		return
	}

	metricCollectionRequests.WithLabelValues(status).Inc()
	slog.Info("collection request resolved", "request_id", requestId, "status", status, "user_id", user.Id, "code", logging.CATALOG_REQUEST)

	utils.WriteSuccess(w)
}
