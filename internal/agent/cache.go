package agent

import (
	"sync"
	"time"

	"github.com/notisync/internal/model"
)

// dedupCache решает, стоит ли по подсказке new_message показывать системное
// уведомление. Живёт только в памяти окна: после перезагрузки строится заново,
// первая волна подсказок после рестарта гасится воркером (первый fetch не
// шлёт подсказок).
type dedupCache struct {
	mu      sync.Mutex
	entries map[int64]dedupEntry
}

type dedupEntry struct {
	at           time.Time
	messageCount int
	messageID    int64
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[int64]dedupEntry)}
}

// Admit возвращает true, если для уведомления есть реально новый контент
// (другой последний messageId или выросший счётчик) и запоминает увиденное.
func (c *dedupCache) Admit(n *model.Notification) bool {
	var lastID int64
	if len(n.Messages) > 0 {
		lastID = n.Messages[len(n.Messages)-1].MessageID
	}
	count := n.MessageCount()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[n.NotificationID]
	if ok && e.messageID == lastID && e.messageCount >= count {
		return false
	}
	c.entries[n.NotificationID] = dedupEntry{at: time.Now(), messageCount: count, messageID: lastID}
	return true
}
