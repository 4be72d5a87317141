package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"trapper/catalog/auth"
	"trapper/catalog/schema"
	"trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
	requests RequestService
}

func (s *MessageService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/inbox", s.Inbox)
		r.Get("/sent", s.Sent)
		r.Post("/{message_id}/read", s.MarkRead)

		s.requests.ResolveRoutes(r)
	})

	return r
}

type MessageInfo struct {
	Id         uuid.UUID `json:"id"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text"`
	UserFromId uuid.UUID `json:"user_from_id"`
	UserFrom   string    `json:"user_from"`
	UserToId   uuid.UUID `json:"user_to_id"`
	UserTo     string    `json:"user_to"`
	DateSent   time.Time `json:"date_sent"`
	Read       bool      `json:"read"`
}

func convertToMessageInfo(message *schema.Message) MessageInfo {
	info := MessageInfo{
		Id:         message.Id,
		Subject:    message.Subject,
		Text:       message.Text,
		UserFromId: message.UserFromId,
		UserToId:   message.UserToId,
		DateSent:   message.DateSent,
		Read:       message.Read,
	}
	if message.UserFrom != nil {
		info.UserFrom = message.UserFrom.Username
	}
	if message.UserTo != nil {
		info.UserTo = message.UserTo.Username
	}
	return info
}

func (s *MessageService) list(w http.ResponseWriter, r *http.Request, column string) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var messages []schema.Message
	result := s.db.Preload("UserFrom").Preload("UserTo").Where(column+" = ?", user.Id).Order("date_sent DESC").Find(&messages)
	if result.Error != nil {
		slog.Error("sql error listing messages", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing messages: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]MessageInfo, 0, len(messages))
	for _, m := range messages {
		infos = append(infos, convertToMessageInfo(&m))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *MessageService) Inbox(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "user_to_id")
}

func (s *MessageService) Sent(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, "user_from_id")
}

func (s *MessageService) MarkRead(w http.ResponseWriter, r *http.Request) {
	messageId, err := utils.URLParamUUID(r, "message_id")
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
		message, err := schema.GetMessage(messageId, txn)
		if err != nil {
			return notFoundOr500(err, schema.ErrMessageNotFound)
		}

		if message.UserToId != user.Id {
			return CodedError(fmt.Errorf("only the recipient can mark message %v as read", messageId), http.StatusForbidden)
		}

		if err := txn.Model(&schema.Message{Id: messageId}).Update("read", true).Error; err != nil {
			slog.Error("sql error marking message read", "message_id", messageId, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error reading message %v: %v", messageId, err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
