// Package registry отслеживает уведомления, открытые в отдельных
// standalone-окнах: главное окно по нему не открывает дубликат, а фокусирует
// существующее окно, и знает, куда маршрутизировать обновления. Набор
// персистится в общее хранилище и переживает перезагрузку страницы.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/store"
)

// Key — персистентный список id standalone-чатов.
const Key = "notisync:standalone"

// Registry — in-memory набор + его персистентная копия. Все мутации пишут
// полный набор одной записью.
type Registry struct {
	kv store.KV

	mu  sync.Mutex
	ids map[int64]struct{}

	// onRegister помечает уведомление открытым в общем наборе open-chat:
	// standalone-чат всегда одновременно открытый чат.
	onRegister   func(id int64)
	onUnregister func(id int64)
}

func New(kv store.KV, onRegister, onUnregister func(id int64)) *Registry {
	return &Registry{
		kv:           kv,
		ids:          make(map[int64]struct{}),
		onRegister:   onRegister,
		onUnregister: onUnregister,
	}
}

// Initialize гидрирует набор из хранилища. Битый JSON в ключе равносилен
// пустому списку.
func (r *Registry) Initialize(ctx context.Context) {
	raw, err := r.kv.Get(ctx, Key)
	if err != nil {
		logger.Errorf("registry: hydrate: %v", err)
		return
	}
	if raw == "" {
		return
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		logger.Errorf("registry: corrupt persisted list, starting empty: %v", err)
		return
	}
	r.mu.Lock()
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	r.mu.Unlock()
}

// Register добавляет id и персистит набор. Вызывается ДО открытия окна:
// гонка быстрого повторного открытия ловится по членству, а при блокировке
// попапа вызывающий откатывает через Unregister.
func (r *Registry) Register(ctx context.Context, id int64) {
	r.mu.Lock()
	r.ids[id] = struct{}{}
	r.mu.Unlock()
	r.persist(ctx)
	if r.onRegister != nil {
		r.onRegister(id)
	}
}

// Unregister убирает id из памяти и из персистентного списка.
func (r *Registry) Unregister(ctx context.Context, id int64) {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
	r.persist(ctx)
	if r.onUnregister != nil {
		r.onUnregister(id)
	}
}

// IsOpen — тест членства.
func (r *Registry) IsOpen(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// IDs возвращает отсортированную копию набора.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Cleanup выбрасывает подтверждённо протухшие id одной записью в хранилище —
// по одному было бы N лишних записей за один sweep.
func (r *Registry) Cleanup(ctx context.Context, stale []int64) {
	if len(stale) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range stale {
		delete(r.ids, id)
	}
	r.mu.Unlock()
	r.persist(ctx)
	if r.onUnregister != nil {
		for _, id := range stale {
			r.onUnregister(id)
		}
	}
}

func (r *Registry) persist(ctx context.Context) {
	ids := r.IDs()
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := r.kv.Set(ctx, Key, string(raw)); err != nil {
		// Хранилище недоступно: набор живёт только в памяти этого окна.
		logger.Errorf("registry: persist: %v", err)
	}
}

// WindowLocator проверяет достижимость standalone-окна по id уведомления
// (детерминированное имя окна выводится из id).
type WindowLocator interface {
	Reachable(ctx context.Context, id int64) bool
}

// Sweep собирает недостижимые id и выбрасывает их одним Cleanup.
func (r *Registry) Sweep(ctx context.Context, loc WindowLocator) {
	var stale []int64
	for _, id := range r.IDs() {
		if !loc.Reachable(ctx, id) {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		logger.Infof("registry: sweep removing %d stale standalone chats", len(stale))
		r.Cleanup(ctx, stale)
	}
}

// RunSweeper гоняет Sweep по таймеру до отмены контекста.
func (r *Registry) RunSweeper(ctx context.Context, loc WindowLocator, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, loc)
		}
	}
}
