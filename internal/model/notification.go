package model

import "time"

// ArchivedFlag хранится строкой "0"/"1" — формат исторический, сервер и клиенты
// обмениваются именно строкой.
type ArchivedFlag string

const (
	ArchivedNo  ArchivedFlag = "0"
	ArchivedYes ArchivedFlag = "1"
)

// Notification — один тред/диалог. Создаётся только на сервере; клиентская
// часть читает и патчит отдельные поля, но никогда не порождает записи сама.
type Notification struct {
	NotificationID int64        `json:"notification_id"`
	Title          string       `json:"title"`
	IsReadByUser   bool         `json:"is_read_by_user"`
	IsClosed       bool         `json:"is_closed"`
	Archived       ArchivedFlag `json:"archived"`
	Pinned         bool         `json:"pinned"`
	Favorite       bool         `json:"favorite"`
	IsMuted        bool         `json:"is_muted"`
	MuteExpiryDate *time.Time   `json:"mute_expiry_date,omitempty"`
	ChatLeft       bool         `json:"chat_left"`
	Messages       MessageList  `json:"messages"`
}

// LastMessage возвращает текст последнего сообщения или "".
func (n *Notification) LastMessage() string {
	if len(n.Messages) == 0 {
		return ""
	}
	return n.Messages[len(n.Messages)-1].Message
}

// MessageCount — количество сообщений после нормализации messages.
func (n *Notification) MessageCount() int {
	return len(n.Messages)
}

// IsArchived — удобный предикат поверх строкового флага.
func (n *Notification) IsArchived() bool {
	return n.Archived == ArchivedYes
}

// MutedEntry — локальный фолбэк состояния mute, когда сервер недоступен.
// Хранится в общем KV-хранилище по ключу на уведомление.
type MutedEntry struct {
	IsMuted    bool       `json:"is_muted"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}
