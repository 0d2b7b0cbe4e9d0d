// Package ws — поток событий notifier -> подключённые UI-клиенты. В отличие
// от кросс-оконного синка (который идёт через общее хранилище), это просто
// живой фид сервера: "тред обновился", "пришло сообщение".
package ws

import (
	"context"
	"sync"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/model"
)

type EventType string

const (
	EventNotificationUpdated EventType = "notification_updated"
	EventNewMessage          EventType = "new_message"
)

// OutgoingMessage — событие клиенту. Payload типизирован, map[string]any
// в hot-path не используется.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// NewMessagePayload — минимальный detail для события о новом сообщении.
type NewMessagePayload struct {
	NotificationID int64         `json:"notification_id"`
	Message        model.Message `json:"message"`
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	maxConns int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 1000
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	// Сетевой I/O вне мьютекса.
	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting", h.maxConns)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

// BroadcastUpdated рассылает обновлённый тред всем клиентам.
func (h *Hub) BroadcastUpdated(n *model.Notification) {
	h.broadcast(OutgoingMessage{Type: EventNotificationUpdated, Payload: n})
}

// BroadcastNewMessage рассылает событие о новом сообщении.
func (h *Hub) BroadcastNewMessage(id int64, m model.Message) {
	h.broadcast(OutgoingMessage{Type: EventNewMessage, Payload: NewMessagePayload{NotificationID: id, Message: m}})
}

func (h *Hub) broadcast(msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		case <-c.done:
		default:
			// Backpressure: буфер полон — закрываем медленного клиента.
			logger.Errorf("ws send buffer full, closing slow client")
			c.Close()
		}
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
