// Package election гарантирует, что активный поллинг ведёт не больше одного
// окна сессии. Консенсуса нет: выбор мастера — last-writer-wins по одному
// ключу общего хранилища. Короткий период двойного мастера (двойной tick
// поллинга) допустим и самокорректируется на следующем сравнении heartbeat.
package election

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/store"
)

// MasterKey — ключ записи мастера в общем хранилище.
const MasterKey = "notisync:master"

// Record — запись мастера. Хранится одним JSON-значением, чтобы запись
// id+heartbeat была атомарной (две отдельные записи могли бы переплестись).
type Record struct {
	WindowID    string `json:"window_id"`
	HeartbeatMS int64  `json:"heartbeat_ms"`
}

func (r Record) heartbeat() time.Time {
	return time.UnixMilli(r.HeartbeatMS)
}

// parseRecord терпит мусор в ключе: битый JSON равносилен отсутствию записи.
func parseRecord(raw string) (Record, bool) {
	if raw == "" {
		return Record{}, false
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil || r.WindowID == "" {
		return Record{}, false
	}
	return r, true
}

// Role — текущее состояние окна в протоколе.
type Role int

const (
	Undecided Role = iota
	Master
	Slave
)

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Slave:
		return "slave"
	default:
		return "undecided"
	}
}

// Config — тайминги протокола. Значения подобраны эмпирически и не рассчитаны
// на сильный перекос часов, поэтому вынесены в конфигурацию.
type Config struct {
	HeartbeatInterval time.Duration // период обновления heartbeat мастером
	LivenessTimeout   time.Duration // возраст heartbeat, после которого мастер считается мёртвым
}

// DefaultConfig — 1s heartbeat, 5s liveness.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: time.Second,
		LivenessTimeout:   5 * time.Second,
	}
}

// Callbacks — реакции на смену роли. OnMaster обязан форсировать
// high-priority reload, чтобы новый мастер не остался со стейлом.
type Callbacks struct {
	OnMaster func()
	OnSlave  func()
}

// Elector ведёт state machine UNDECIDED -> MASTER|SLAVE с переходами
// MASTER <-> SLAVE в рантайме. Ошибки хранилища деградируют в режим
// "всегда сам себе мастер": одиночному окну координация не нужна.
type Elector struct {
	kv       store.KV
	windowID string
	cfg      Config
	cbs      Callbacks

	mu        sync.Mutex
	role      Role
	lastWrite int64 // heartbeat нашей последней записи, миллисекунды

	unwatch func()
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func New(kv store.KV, windowID string, cfg Config, cbs Callbacks) *Elector {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 5 * time.Second
	}
	return &Elector{
		kv:       kv,
		windowID: windowID,
		cfg:      cfg,
		cbs:      cbs,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Role возвращает текущую роль окна.
func (e *Elector) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// IsMaster — короткий предикат для hot path.
func (e *Elector) IsMaster() bool {
	return e.Role() == Master
}

// Start оценивает запись мастера, подписывается на её изменения и запускает
// цикл heartbeat/liveness. Повторный Start — no-op.
func (e *Elector) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	unwatch, err := e.kv.Watch(ctx, MasterKey, e.onRecordChange)
	if err != nil {
		// Без watch живём на одном liveness-цикле: демоция придёт позже,
		// но придёт.
		logger.Errorf("election: watch %s: %v", MasterKey, err)
	} else {
		e.unwatch = unwatch
	}

	e.evaluate(ctx)
	go e.run(ctx)
}

// Stop останавливает цикл и best-effort снимает свою запись мастера.
// Отсутствие этого шага тоже переживается — по liveness timeout.
func (e *Elector) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	select {
	case <-e.stop:
		e.mu.Unlock()
		return
	default:
	}
	close(e.stop)
	wasMaster := e.role == Master
	e.role = Slave
	e.mu.Unlock()

	<-e.done
	if e.unwatch != nil {
		e.unwatch()
	}
	if wasMaster {
		if raw, err := e.kv.Get(ctx, MasterKey); err == nil {
			if rec, ok := parseRecord(raw); ok && rec.WindowID == e.windowID {
				if err := e.kv.Delete(ctx, MasterKey); err != nil {
					logger.Errorf("election: clear master record: %v", err)
				}
			}
		}
	}
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.Role() == Master {
				e.writeRecord(ctx)
			} else {
				e.evaluate(ctx)
			}
		}
	}
}

// evaluate — попытка захвата: запись отсутствует, протухла или принадлежит
// нам самим (рестарт окна с тем же id) => пишем себя.
func (e *Elector) evaluate(ctx context.Context) {
	raw, err := e.kv.Get(ctx, MasterKey)
	if err != nil {
		// Хранилище недоступно — работаем как единственное окно.
		logger.Errorf("election: read master record: %v", err)
		e.become(Master, ctx)
		return
	}
	rec, ok := parseRecord(raw)
	if !ok || rec.WindowID == e.windowID || time.Since(rec.heartbeat()) > e.cfg.LivenessTimeout {
		e.become(Master, ctx)
		return
	}
	e.become(Slave, ctx)
}

// onRecordChange — реакция на чужую запись. Мастер, увидевший более свежий
// чужой heartbeat, проиграл гонку и обязан немедленно отменить свой таймер
// (роль меняется, цикл перестаёт писать heartbeat). При ничьей по времени
// побеждает лексикографически больший windowID — иначе оба окна демотируются.
func (e *Elector) onRecordChange(raw string) {
	rec, ok := parseRecord(raw)
	if !ok {
		// Запись очищена: кандидатство решит следующий tick цикла.
		return
	}
	if rec.WindowID == e.windowID {
		return
	}
	e.mu.Lock()
	isMaster := e.role == Master
	lost := rec.HeartbeatMS > e.lastWrite ||
		(rec.HeartbeatMS == e.lastWrite && rec.WindowID > e.windowID)
	e.mu.Unlock()
	if !isMaster {
		return
	}
	if lost {
		e.become(Slave, context.Background())
		return
	}
	// Чужая запись старее нашей — переутверждаем себя, чтобы проигравший
	// увидел свежий heartbeat и демотировался.
	e.writeRecord(context.Background())
}

func (e *Elector) become(role Role, ctx context.Context) {
	e.mu.Lock()
	prev := e.role
	if prev == role {
		e.mu.Unlock()
		if role == Master {
			e.writeRecord(ctx)
		}
		return
	}
	e.role = role
	e.mu.Unlock()

	logger.Debugf("election: window=%s %s -> %s", e.windowID, prev, role)
	switch role {
	case Master:
		e.writeRecord(ctx)
		if e.cbs.OnMaster != nil {
			e.cbs.OnMaster()
		}
	case Slave:
		if e.cbs.OnSlave != nil {
			e.cbs.OnSlave()
		}
	}
}

func (e *Elector) writeRecord(ctx context.Context) {
	now := time.Now().UnixMilli()
	raw, err := json.Marshal(Record{WindowID: e.windowID, HeartbeatMS: now})
	if err != nil {
		return
	}
	e.mu.Lock()
	e.lastWrite = now
	e.mu.Unlock()
	if err := e.kv.Set(ctx, MasterKey, string(raw)); err != nil {
		// Best-effort: без хранилища остаёмся мастером в одиночку.
		logger.Errorf("election: write master record: %v", err)
	}
}

// MasterSeenWithin сообщает, был ли heartbeat какого-либо мастера моложе d.
// Standalone-окна по этому предикату решают, запускать ли собственный поллинг
// (они предпочитают жить на бродкастах мастера).
func MasterSeenWithin(ctx context.Context, kv store.KV, d time.Duration) bool {
	raw, err := kv.Get(ctx, MasterKey)
	if err != nil {
		return false
	}
	rec, ok := parseRecord(raw)
	if !ok {
		return false
	}
	return time.Since(rec.heartbeat()) <= d
}
