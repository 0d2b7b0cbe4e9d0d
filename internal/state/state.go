// Package state — реактивный контейнер состояния уведомлений одного окна.
// Единственный потребитель — UI-коллабораторы: они диспатчат действия и
// рендерят то, что здесь лежит. Подписчики получают события через буферные
// каналы; медленный подписчик теряет события, но не блокирует мутации.
package state

import (
	"sync"
	"time"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/model"
)

// EventKind — вид события для слабосвязанных реакций UI.
type EventKind string

const (
	EventUpdated     EventKind = "notifications_updated"
	EventNewMessage  EventKind = "new_message"
	EventAuthExpired EventKind = "auth_expired"
)

// Event несёт минимальный detail-пейлоад.
type Event struct {
	Kind           EventKind `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	UnreadCount    int       `json:"unread_count,omitempty"`
	HasChanges     bool      `json:"has_changes,omitempty"`
	NotificationID int64     `json:"notification_id,omitempty"`
}

const eventBufSize = 64

// Store хранит снапшот уведомлений и производные наборы. Все мутации
// однопоточны с точки зрения вызывающего окна: порядок применения локальных
// действий = порядок диспатча.
type Store struct {
	mu            sync.RWMutex
	notifications []model.Notification
	byID          map[int64]int
	openChats     map[int64]struct{}
	standalone    map[int64]struct{}
	loading       bool
	sending       bool
	lastError     string

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func New() *Store {
	return &Store{
		byID:       make(map[int64]int),
		openChats:  make(map[int64]struct{}),
		standalone: make(map[int64]struct{}),
		subs:       make(map[int]chan Event),
	}
}

// Subscribe возвращает канал событий и функцию отписки.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, eventBufSize)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Store) emit(ev Event) {
	ev.Timestamp = time.Now()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Подписчик не читает — событие теряется, мутация не ждёт.
			logger.Debugf("state: subscriber buffer full, dropping %s", ev.Kind)
		}
	}
}

// Notifications возвращает копию текущего снапшота.
func (s *Store) Notifications() []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// Get возвращает уведомление по id.
func (s *Store) Get(id int64) (model.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return model.Notification{}, false
	}
	return s.notifications[i], true
}

// UnreadCount — количество непрочитанных неархивированных уведомлений.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked()
}

func (s *Store) unreadLocked() int {
	n := 0
	for i := range s.notifications {
		if !s.notifications[i].IsReadByUser && !s.notifications[i].IsArchived() {
			n++
		}
	}
	return n
}

// OpenChatIDs — копия набора открытых чатов.
func (s *Store) OpenChatIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSlice(s.openChats)
}

// StandaloneChatIDs — копия набора standalone-чатов.
func (s *Store) StandaloneChatIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSlice(s.standalone)
}

func setToSlice(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Flags — снимок сервисных флагов для UI.
type Flags struct {
	Loading bool   `json:"loading"`
	Sending bool   `json:"sending"`
	Error   string `json:"error,omitempty"`
}

func (s *Store) Flags() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Flags{Loading: s.loading, Sending: s.sending, Error: s.lastError}
}

func (s *Store) SetLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Store) SetSending(v bool) {
	s.mu.Lock()
	s.sending = v
	s.mu.Unlock()
}

// SetError выставляет видимую пользователю ошибку действия ("failed to mark
// as read" и т.п.). Фоновые сбои синка сюда не попадают.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// SetSnapshot заменяет снапшот целиком (снапшот — полный список, не дельта).
// Уведомления, пропавшие из снапшота, просто исчезают из памяти.
func (s *Store) SetSnapshot(snapshot []model.Notification, hasChanges bool) {
	s.mu.Lock()
	s.notifications = make([]model.Notification, len(snapshot))
	copy(s.notifications, snapshot)
	s.byID = make(map[int64]int, len(snapshot))
	for i := range s.notifications {
		s.byID[s.notifications[i].NotificationID] = i
	}
	s.loading = false
	unread := s.unreadLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, UnreadCount: unread, HasChanges: hasChanges})
}

// mutate применяет fn к уведомлению и шлёт updated-событие.
// Неизвестный id молча игнорируется: бродкаст соседа мог обогнать наш fetch.
func (s *Store) mutate(id int64, fn func(n *model.Notification)) {
	s.mu.Lock()
	i, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	fn(&s.notifications[i])
	unread := s.unreadLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, UnreadCount: unread, HasChanges: true})
}

func (s *Store) ToggleReadUnread(id int64, isRead bool) {
	s.mutate(id, func(n *model.Notification) { n.IsReadByUser = isRead })
}

func (s *Store) SetArchived(id int64, archived bool) {
	s.mutate(id, func(n *model.Notification) {
		if archived {
			n.Archived = model.ArchivedYes
		} else {
			n.Archived = model.ArchivedNo
		}
	})
}

func (s *Store) SetPinned(id int64, pinned bool) {
	s.mutate(id, func(n *model.Notification) { n.Pinned = pinned })
}

func (s *Store) SetFavorite(id int64, favorite bool) {
	s.mutate(id, func(n *model.Notification) { n.Favorite = favorite })
}

func (s *Store) SetMuted(id int64, muted bool, expiry *time.Time) {
	s.mutate(id, func(n *model.Notification) {
		n.IsMuted = muted
		n.MuteExpiryDate = expiry
	})
}

func (s *Store) SetClosed(id int64, closed bool) {
	s.mutate(id, func(n *model.Notification) { n.IsClosed = closed })
}

func (s *Store) SetTitle(id int64, title string) {
	s.mutate(id, func(n *model.Notification) { n.Title = title })
}

// LeaveChat помечает выход и режет историю по системному сообщению о выходе.
func (s *Store) LeaveChat(id int64, userID string) {
	s.mutate(id, func(n *model.Notification) {
		n.ChatLeft = true
		n.Messages = model.TrimAfterLeave(n.Messages, userID)
	})
}

// MarkChatOpen/MarkChatClosed ведут общий набор открытых чатов.
func (s *Store) MarkChatOpen(id int64) {
	s.mu.Lock()
	s.openChats[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) MarkChatClosed(id int64) {
	s.mu.Lock()
	delete(s.openChats, id)
	s.mu.Unlock()
}

// MarkStandalone/UnmarkStandalone зеркалят реестр standalone-чатов для UI.
func (s *Store) MarkStandalone(id int64) {
	s.mu.Lock()
	s.standalone[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) UnmarkStandalone(id int64) {
	s.mu.Lock()
	delete(s.standalone, id)
	s.mu.Unlock()
}

// NotifyNewMessage шлёт событие "пришло новое сообщение" (для системных
// уведомлений; истиной состояния остаётся снапшот).
func (s *Store) NotifyNewMessage(id int64) {
	s.emit(Event{Kind: EventNewMessage, NotificationID: id})
}

// NotifyAuthExpired шлёт событие принудительного логаута.
func (s *Store) NotifyAuthExpired() {
	s.emit(Event{Kind: EventAuthExpired})
}
