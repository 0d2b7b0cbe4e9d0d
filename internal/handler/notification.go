package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/model"
	"github.com/notisync/internal/repository"
	"github.com/notisync/internal/ws"
)

type NotificationHandler struct {
	repo *repository.NotificationRepository
	hub  *ws.Hub
}

func NewNotificationHandler(repo *repository.NotificationRepository, hub *ws.Hub) *NotificationHandler {
	return &NotificationHandler{repo: repo, hub: hub}
}

// List отдаёт полный снапшот. Клиентские поллеры зовут его каждый tick —
// ответ обязан быть полной заменой, никаких дельт.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("NotificationHandler.List", time.Now())()
	notifications, err := h.repo.List(r.Context())
	if err != nil {
		logger.Errorf("list notifications: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	n, err := h.repo.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		logger.Errorf("get notification %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get notification")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type createRequest struct {
	Title string `json:"title"`
}

func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title required")
		return
	}
	id, err := h.repo.Create(r.Context(), req.Title)
	if err != nil {
		logger.Errorf("create notification: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create notification")
		return
	}
	n, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load created notification")
		return
	}
	h.hub.BroadcastUpdated(n)
	writeJSON(w, http.StatusCreated, n)
}

// patchRequest — частичное обновление: присутствующие поля применяются,
// остальные не трогаются.
type patchRequest struct {
	Title          *string             `json:"title"`
	IsReadByUser   *bool               `json:"is_read_by_user"`
	IsClosed       *bool               `json:"is_closed"`
	Archived       *model.ArchivedFlag `json:"archived"`
	Pinned         *bool               `json:"pinned"`
	Favorite       *bool               `json:"favorite"`
	IsMuted        *bool               `json:"is_muted"`
	MuteExpiryDate *time.Time          `json:"mute_expiry_date"`
	ChatLeft       *bool               `json:"chat_left"`
	UserID         string              `json:"user_id,omitempty"`
	UserName       string              `json:"user_name,omitempty"`
}

func (h *NotificationHandler) Patch(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("NotificationHandler.Patch", time.Now())()
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ctx := r.Context()
	apply := func(err error) bool {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return false
		}
		if err != nil {
			logger.Errorf("patch notification %d: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to update notification")
			return false
		}
		return true
	}

	if req.Title != nil && !apply(h.repo.SetTitle(ctx, id, *req.Title)) {
		return
	}
	if req.IsReadByUser != nil && !apply(h.repo.SetRead(ctx, id, *req.IsReadByUser)) {
		return
	}
	if req.IsClosed != nil && !apply(h.repo.SetClosed(ctx, id, *req.IsClosed)) {
		return
	}
	if req.Archived != nil && !apply(h.repo.SetArchived(ctx, id, *req.Archived)) {
		return
	}
	if req.Pinned != nil && !apply(h.repo.SetPinned(ctx, id, *req.Pinned)) {
		return
	}
	if req.Favorite != nil && !apply(h.repo.SetFavorite(ctx, id, *req.Favorite)) {
		return
	}
	if req.IsMuted != nil && !apply(h.repo.SetMuted(ctx, id, *req.IsMuted, req.MuteExpiryDate)) {
		return
	}
	if req.ChatLeft != nil && *req.ChatLeft {
		if !apply(h.repo.LeaveChat(ctx, id, req.UserID, req.UserName)) {
			return
		}
	}

	n, err := h.repo.GetByID(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load notification")
		return
	}
	h.hub.BroadcastUpdated(n)
	writeJSON(w, http.StatusOK, n)
}

type postMessageRequest struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Message    string `json:"message"`
}

// PostMessage добавляет сообщение в тред; тред снова становится непрочитанным,
// поллеры растащат это на следующем tick'е.
func (h *NotificationHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("NotificationHandler.PostMessage", time.Now())()
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.SenderID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "sender_id and message required")
		return
	}
	m, err := h.repo.AddMessage(r.Context(), id, req.SenderID, req.SenderName, req.Message)
	if err != nil {
		logger.Errorf("post message to %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	h.hub.BroadcastNewMessage(id, m)
	writeJSON(w, http.StatusCreated, m)
}
