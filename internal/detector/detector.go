// Package detector решает, стоит ли проталкивать свежевыбранный снапшот
// уведомлений в состояние. Поллинг часто возвращает материально идентичные
// данные; глубокое сравнение объектов слишком дорого и слишком чувствительно
// (таймстемпы, производные поля), поэтому сравниваются только поля с видимыми
// для пользователя последствиями.
package detector

import "github.com/notisync/internal/model"

// Policy задаёт набор сравниваемых полей. Базовый список исторически подобран
// вручную; расширения (title и будущие поля) включаются флагами, чтобы список
// оставался политикой, а не контрактом.
type Policy struct {
	// CompareTitle дополнительно сравнивает заголовок. По умолчанию выключено:
	// переименование треда не считается значимым изменением.
	CompareTitle bool
}

// DefaultPolicy — исторический набор полей.
var DefaultPolicy = Policy{}

// projection — только значимые поля уведомления. messageCount считается после
// нормализации messages к списку.
type projection struct {
	isReadByUser bool
	isClosed     bool
	pinned       bool
	favorite     bool
	isMuted      bool
	archived     model.ArchivedFlag
	chatLeft     bool
	lastMessage  string
	messageCount int
	title        string
}

func (p Policy) project(n *model.Notification) projection {
	pr := projection{
		isReadByUser: n.IsReadByUser,
		isClosed:     n.IsClosed,
		pinned:       n.Pinned,
		favorite:     n.Favorite,
		isMuted:      n.IsMuted,
		archived:     n.Archived,
		chatLeft:     n.ChatLeft,
		lastMessage:  n.LastMessage(),
		messageCount: n.MessageCount(),
	}
	if p.CompareTitle {
		pr.title = n.Title
	}
	return pr
}

// HasChanges сравнивает два полных снапшота (снапшот — полный список, не дельта).
// true: изменился состав (длина или новый id) либо хотя бы одно значимое поле.
// Изменение, не видимое через проекцию, сознательно теряется.
func (p Policy) HasChanges(current, incoming []model.Notification) bool {
	if len(current) != len(incoming) {
		return true
	}
	known := make(map[int64]projection, len(current))
	for i := range current {
		known[current[i].NotificationID] = p.project(&current[i])
	}
	for i := range incoming {
		prev, ok := known[incoming[i].NotificationID]
		if !ok {
			return true
		}
		if prev != p.project(&incoming[i]) {
			return true
		}
	}
	return false
}

// HasChanges — сравнение с DefaultPolicy.
func HasChanges(current, incoming []model.Notification) bool {
	return DefaultPolicy.HasChanges(current, incoming)
}
