package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/model"
	"github.com/notisync/internal/syncer"
)

// MutedKey — локальная карта mute-статусов (фолбэк, когда сервер недоступен).
const MutedKey = "notisync:muted"

// ErrStandaloneOpen возвращается, когда чат уже открыт в отдельном окне —
// вызывающий фокусирует существующее окно вместо открытия дубликата.
var ErrStandaloneOpen = errors.New("agent: chat already open in a standalone window")

// Пейлоады бродкастов. Одни и те же структуры ходят в обе стороны:
// локальный диспатч сериализует, удалённый реплей раскодирует.
type idPayload struct {
	NotificationID int64 `json:"notification_id"`
}

type readPayload struct {
	NotificationID int64 `json:"notification_id"`
	IsReadByUser   bool  `json:"is_read_by_user"`
}

type flagPayload struct {
	NotificationID int64 `json:"notification_id"`
	Value          bool  `json:"value"`
}

type mutePayload struct {
	NotificationID int64      `json:"notification_id"`
	IsMuted        bool       `json:"is_muted"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
}

type titlePayload struct {
	NotificationID int64  `json:"notification_id"`
	Title          string `json:"title"`
}

type leavePayload struct {
	NotificationID int64  `json:"notification_id"`
	UserID         string `json:"user_id"`
}

// Reload просит немедленный внеочередной fetch. high пробивает троттлинг.
func (a *Agent) Reload(high bool) {
	a.wrk.Reload(a.cfg.Token, a.cfg.APIBaseURL, high)
}

// MarkRead переключает прочитанность: локальное состояние, сервер
// (best-effort, ошибка видима пользователю), бродкаст соседям.
func (a *Agent) MarkRead(ctx context.Context, id int64, isRead bool) {
	a.st.ToggleReadUnread(id, isRead)
	a.patchServer(ctx, id, map[string]any{"is_read_by_user": isRead}, "failed to mark as read")
	a.broadcast(ctx, syncer.ActionToggleRead, readPayload{NotificationID: id, IsReadByUser: isRead})
}

// SetArchived архивирует/разархивирует.
func (a *Agent) SetArchived(ctx context.Context, id int64, archived bool) {
	a.st.SetArchived(id, archived)
	flag := model.ArchivedNo
	if archived {
		flag = model.ArchivedYes
	}
	a.patchServer(ctx, id, map[string]any{"archived": flag}, "failed to archive")
	a.broadcast(ctx, syncer.ActionArchive, flagPayload{NotificationID: id, Value: archived})
}

// SetPinned закрепляет уведомление.
func (a *Agent) SetPinned(ctx context.Context, id int64, pinned bool) {
	a.st.SetPinned(id, pinned)
	a.patchServer(ctx, id, map[string]any{"pinned": pinned}, "failed to pin")
	a.broadcast(ctx, syncer.ActionPin, flagPayload{NotificationID: id, Value: pinned})
}

// SetFavorite помечает избранным.
func (a *Agent) SetFavorite(ctx context.Context, id int64, favorite bool) {
	a.st.SetFavorite(id, favorite)
	a.patchServer(ctx, id, map[string]any{"favorite": favorite}, "failed to favorite")
	a.broadcast(ctx, syncer.ActionFavorite, flagPayload{NotificationID: id, Value: favorite})
}

// SetMuted переключает mute с опциональной длительностью. Статус дублируется
// в локальную карту: при недоступном сервере mute продолжает работать.
func (a *Agent) SetMuted(ctx context.Context, id int64, muted bool, duration time.Duration) {
	var expiry *time.Time
	if muted && duration > 0 {
		t := time.Now().Add(duration)
		expiry = &t
	}
	a.st.SetMuted(id, muted, expiry)
	a.persistMuted(ctx, id, model.MutedEntry{IsMuted: muted, ExpiryDate: expiry})
	a.patchServer(ctx, id, map[string]any{"is_muted": muted, "mute_expiry_date": expiry}, "failed to mute")
	a.broadcast(ctx, syncer.ActionMute, mutePayload{NotificationID: id, IsMuted: muted, ExpiryDate: expiry})
}

// SetClosed закрывает/переоткрывает тред.
func (a *Agent) SetClosed(ctx context.Context, id int64, closed bool) {
	a.st.SetClosed(id, closed)
	a.patchServer(ctx, id, map[string]any{"is_closed": closed}, "failed to close")
	a.broadcast(ctx, syncer.ActionToggleClosed, flagPayload{NotificationID: id, Value: closed})
}

// UpdateTitle переименовывает тред.
func (a *Agent) UpdateTitle(ctx context.Context, id int64, title string) {
	a.st.SetTitle(id, title)
	a.patchServer(ctx, id, map[string]any{"title": title}, "failed to rename")
	a.broadcast(ctx, syncer.ActionUpdateTitle, titlePayload{NotificationID: id, Title: title})
}

// LeaveChat — выход из чата: история режется по системному сообщению.
func (a *Agent) LeaveChat(ctx context.Context, id int64) {
	a.st.LeaveChat(id, a.cfg.UserID)
	a.patchServer(ctx, id, map[string]any{"chat_left": true, "user_id": a.cfg.UserID}, "failed to leave chat")
	a.broadcast(ctx, syncer.ActionLeaveChat, leavePayload{NotificationID: id, UserID: a.cfg.UserID})
}

// MarkChatOpen/MarkChatClosed — открытие чата в UI этого окна.
func (a *Agent) MarkChatOpen(ctx context.Context, id int64) {
	a.st.MarkChatOpen(id)
	a.broadcast(ctx, syncer.ActionChatOpened, idPayload{NotificationID: id})
}

func (a *Agent) MarkChatClosed(ctx context.Context, id int64) {
	a.st.MarkChatClosed(id)
	a.broadcast(ctx, syncer.ActionChatClosed, idPayload{NotificationID: id})
}

// OpenStandalone — последовательность register-then-open: регистрация до
// открытия ловит гонку быстрого повторного клика, а при неудаче открытия
// (попап заблокирован) регистрация откатывается.
func (a *Agent) OpenStandalone(ctx context.Context, id int64, open func() error) error {
	if a.reg.IsOpen(id) {
		return ErrStandaloneOpen
	}
	a.reg.Register(ctx, id)
	a.st.MarkChatOpen(id)
	if open != nil {
		if err := open(); err != nil {
			a.reg.Unregister(ctx, id)
			a.st.MarkChatClosed(id)
			return err
		}
	}
	a.broadcast(ctx, syncer.ActionStandaloneAdded, idPayload{NotificationID: id})
	return nil
}

// CloseStandalone снимает чат с учёта standalone-окон.
func (a *Agent) CloseStandalone(ctx context.Context, id int64) {
	a.reg.Unregister(ctx, id)
	a.st.MarkChatClosed(id)
	a.broadcast(ctx, syncer.ActionStandaloneGone, idPayload{NotificationID: id})
}

func (a *Agent) broadcast(ctx context.Context, actionType string, payload any) {
	if err := a.sync.Broadcast(ctx, actionType, payload); err != nil {
		// Не-бродкастный тип — ошибка программиста, остальное глотает syncer.
		logger.Errorf("broadcast %s: %v", actionType, err)
	}
}

// applyRemote реплеит действие соседа против локального состояния ровно так,
// как если бы оно было диспатчено локально, но без ре-бродкаста и без
// запросов к серверу (сосед уже сходил).
func (a *Agent) applyRemote(act syncer.Action) {
	switch act.Type {
	case syncer.ActionSetSnapshot:
		var snap []model.Notification
		if err := json.Unmarshal(act.Payload, &snap); err != nil {
			return
		}
		if a.cfg.Detector.HasChanges(a.st.Notifications(), snap) {
			a.st.SetSnapshot(snap, true)
		}
	case syncer.ActionToggleRead:
		var p readPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.ToggleReadUnread(p.NotificationID, p.IsReadByUser)
	case syncer.ActionArchive:
		var p flagPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.SetArchived(p.NotificationID, p.Value)
	case syncer.ActionPin:
		var p flagPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.SetPinned(p.NotificationID, p.Value)
	case syncer.ActionFavorite:
		var p flagPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.SetFavorite(p.NotificationID, p.Value)
	case syncer.ActionMute:
		var p mutePayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.SetMuted(p.NotificationID, p.IsMuted, p.ExpiryDate)
	case syncer.ActionToggleClosed:
		var p flagPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.SetClosed(p.NotificationID, p.Value)
	case syncer.ActionLeaveChat:
		var p leavePayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.LeaveChat(p.NotificationID, p.UserID)
	case syncer.ActionUpdateTitle:
		var p titlePayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.SetTitle(p.NotificationID, p.Title)
	case syncer.ActionChatOpened:
		var p idPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.MarkChatOpen(p.NotificationID)
	case syncer.ActionChatClosed:
		var p idPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.MarkChatClosed(p.NotificationID)
	case syncer.ActionStandaloneAdded:
		var p idPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.MarkStandalone(p.NotificationID)
		a.st.MarkChatOpen(p.NotificationID)
	case syncer.ActionStandaloneGone:
		var p idPayload
		if err := json.Unmarshal(act.Payload, &p); err != nil {
			return
		}
		a.st.UnmarkStandalone(p.NotificationID)
		a.st.MarkChatClosed(p.NotificationID)
	}
}

// patchServer — best-effort PATCH на сервер. Неудача пользовательского
// действия видима (в отличие от фоновых сбоев синка).
func (a *Agent) patchServer(ctx context.Context, id int64, fields map[string]any, errMsg string) {
	if a.cfg.APIBaseURL == "" {
		return
	}
	a.st.SetSending(true)
	defer a.st.SetSending(false)

	body, err := json.Marshal(fields)
	if err != nil {
		return
	}
	url := fmt.Sprintf("%s/api/notifications/%d", a.cfg.APIBaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		a.st.SetError(errMsg)
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Errorf("patch notification %d: %v", id, err)
		a.st.SetError(errMsg)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Errorf("patch notification %d: status %d", id, resp.StatusCode)
		a.st.SetError(errMsg)
		return
	}
	a.st.SetError("")
}

// persistMuted обновляет локальную карту mute-статусов в общем хранилище.
func (a *Agent) persistMuted(ctx context.Context, id int64, entry model.MutedEntry) {
	m := a.mutedMap(ctx)
	m[formatID(id)] = entry
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := a.kv.Set(ctx, MutedKey, string(raw)); err != nil {
		logger.Debugf("persist muted map: %v", err)
	}
}

func (a *Agent) mutedMap(ctx context.Context) map[string]model.MutedEntry {
	m := make(map[string]model.MutedEntry)
	raw, err := a.kv.Get(ctx, MutedKey)
	if err != nil || raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		// Битая карта — начинаем с пустой.
		return make(map[string]model.MutedEntry)
	}
	return m
}

// isMutedNow проверяет mute по состоянию, с фолбэком на локальную карту.
func (a *Agent) isMutedNow(ctx context.Context, n *model.Notification) bool {
	muted, expiry := n.IsMuted, n.MuteExpiryDate
	if !muted {
		if e, ok := a.mutedMap(ctx)[formatID(n.NotificationID)]; ok {
			muted, expiry = e.IsMuted, e.ExpiryDate
		}
	}
	if !muted {
		return false
	}
	if expiry != nil && time.Now().After(*expiry) {
		return false
	}
	return true
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
