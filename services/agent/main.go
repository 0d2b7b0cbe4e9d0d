// Агент одного окна: участвует в выборах мастера, поллит сервер уведомлений
// (если мастер), синхронизируется с соседними окнами через общее хранилище и
// отдаёт локальный HTTP API UI-коллаборатору.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/notisync/internal/agent"
	"github.com/notisync/internal/config"
	"github.com/notisync/internal/election"
	"github.com/notisync/internal/fetcher"
	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/middleware"
	"github.com/notisync/internal/push"
	"github.com/notisync/internal/startup"
)

func main() {
	logger.SetPrefix("agent")
	standaloneChat := flag.Int64("standalone-chat", 0, "run as a standalone window for a single chat id")
	flag.Parse()

	logger.Info("starting window agent")
	cfg := config.Load()
	if cfg.Token == "" {
		logger.Info("NOTISYNC_TOKEN is empty — server requests will be rejected")
	}

	kv := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "agent: ")
	defer kv.Close()
	logger.Info("shared store connected")

	var pushClient *push.Client
	if cfg.PushServiceURL != "" {
		pushClient = push.NewClient(cfg.PushServiceURL)
	}

	proto := cfg.Protocol
	a := agent.New(kv, pushClient, agent.Config{
		Token:            cfg.Token,
		APIBaseURL:       cfg.APIBaseURL,
		UserID:           cfg.UserID,
		Standalone:       *standaloneChat != 0,
		StandaloneChatID: *standaloneChat,
		StandaloneGrace:  config.Seconds(proto.StandaloneGraceSeconds),
		Election: election.Config{
			HeartbeatInterval: config.Seconds(proto.HeartbeatSeconds),
			LivenessTimeout:   config.Seconds(proto.LivenessSeconds),
		},
		Fetcher: fetcher.Config{
			PollInterval:   config.Seconds(proto.PollSeconds),
			ReloadThrottle: config.Seconds(proto.ThrottleSeconds),
		},
		ApplyThrottle:    config.Seconds(proto.ThrottleSeconds),
		SweepInterval:    config.Seconds(proto.SweepSeconds),
		SignalClearAfter: time.Duration(proto.SignalClearMillis) * time.Millisecond,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	a.Start(runCtx)
	logger.Infof("window %s started (standalone=%v)", a.WindowID(), *standaloneChat != 0)

	api := &apiServer{agent: a}
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowedOrigins},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/state", api.handleState)
	r.Get("/api/events", api.handleEvents)
	r.Post("/api/reload", api.handleReload)
	r.Route("/api/notifications/{id}", func(r chi.Router) {
		r.Post("/read", api.flagAction(func(ctx context.Context, id int64, v bool) { a.MarkRead(ctx, id, v) }))
		r.Post("/archive", api.flagAction(func(ctx context.Context, id int64, v bool) { a.SetArchived(ctx, id, v) }))
		r.Post("/pin", api.flagAction(func(ctx context.Context, id int64, v bool) { a.SetPinned(ctx, id, v) }))
		r.Post("/favorite", api.flagAction(func(ctx context.Context, id int64, v bool) { a.SetFavorite(ctx, id, v) }))
		r.Post("/close", api.flagAction(func(ctx context.Context, id int64, v bool) { a.SetClosed(ctx, id, v) }))
		r.Post("/mute", api.handleMute)
		r.Post("/title", api.handleTitle)
		r.Post("/leave", api.handleLeave)
	})
	r.Route("/api/chats/{id}", func(r chi.Router) {
		r.Post("/open", api.idAction(a.MarkChatOpen))
		r.Post("/close", api.idAction(a.MarkChatClosed))
	})
	r.Post("/api/standalone/{id}", api.handleStandaloneOpen)
	r.Delete("/api/standalone/{id}", api.idAction(a.CloseStandalone))

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: 0, // SSE-стрим живёт дольше любого write-таймаута
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("local API listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("local API: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("local API shutdown: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.Stop(stopCtx)
	stopCancel()
	runCancel()
	logger.Info("window agent stopped")
}

type apiServer struct {
	agent *agent.Agent
}

type stateResponse struct {
	WindowID        string  `json:"window_id"`
	IsMaster        bool    `json:"is_master"`
	UnreadCount     int     `json:"unread_count"`
	Notifications   any     `json:"notifications"`
	OpenChats       []int64 `json:"open_chats"`
	StandaloneChats []int64 `json:"standalone_chats"`
	Flags           any     `json:"flags"`
}

func (s *apiServer) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.agent.State()
	writeJSON(w, http.StatusOK, stateResponse{
		WindowID:        s.agent.WindowID(),
		IsMaster:        s.agent.IsMaster(),
		UnreadCount:     st.UnreadCount(),
		Notifications:   st.Notifications(),
		OpenChats:       st.OpenChatIDs(),
		StandaloneChats: st.StandaloneChatIDs(),
		Flags:           st.Flags(),
	})
}

// handleEvents — SSE-стрим событий состояния для локального UI.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, unsubscribe := s.agent.State().Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *apiServer) handleReload(w http.ResponseWriter, r *http.Request) {
	high := r.URL.Query().Get("high") == "true"
	s.agent.Reload(high)
	w.WriteHeader(http.StatusAccepted)
}

type flagRequest struct {
	Value bool `json:"value"`
}

func (s *apiServer) flagAction(fn func(ctx context.Context, id int64, v bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
			return
		}
		var req flagRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
			return
		}
		fn(r.Context(), id, req.Value)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *apiServer) idAction(fn func(ctx context.Context, id int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
			return
		}
		fn(r.Context(), id)
		w.WriteHeader(http.StatusNoContent)
	}
}

type muteRequest struct {
	Muted           bool `json:"muted"`
	DurationSeconds int  `json:"duration_seconds"`
}

func (s *apiServer) handleMute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	s.agent.SetMuted(r.Context(), id, req.Muted, time.Duration(req.DurationSeconds)*time.Second)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleTitle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		http.Error(w, `{"error":"title required"}`, http.StatusBadRequest)
		return
	}
	s.agent.UpdateTitle(r.Context(), id, req.Title)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	s.agent.LeaveChat(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleStandaloneOpen(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}
	if err := s.agent.OpenStandalone(r.Context(), id, nil); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("encode response: %v", err)
	}
}
