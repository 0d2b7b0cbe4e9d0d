package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/ws"
)

type WSHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *ws.Hub, allowedOrigin string) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// Serve апгрейдит соединение и подключает клиента к фиду событий.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	client := ws.NewClient(h.hub, conn)
	h.hub.Register(client)
	client.Start(ctx, cancel)
}
