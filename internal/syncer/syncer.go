// Package syncer разносит локальные state-changing действия по остальным окнам
// сессии через единственный сигнальный ключ общего хранилища. Хранилище шлёт
// уведомление только при изменении значения, поэтому применяется паттерн
// write-then-clear: без очистки два одинаковых действия подряд не дали бы
// второго сигнала.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/store"
)

// SignalKey — транзитный сигнальный ключ; живёт десятки миллисекунд.
const SignalKey = "notisync:signal"

// Типы действий, допущенные к бродкасту. Read-only/query действия сюда
// не попадают принципиально.
const (
	ActionSetSnapshot     = "set_snapshot"
	ActionToggleRead      = "toggle_read_unread"
	ActionArchive         = "archive"
	ActionPin             = "pin"
	ActionFavorite        = "favorite"
	ActionMute            = "mute"
	ActionToggleClosed    = "toggle_closed"
	ActionLeaveChat       = "leave_chat"
	ActionUpdateTitle     = "update_title"
	ActionChatOpened      = "chat_opened"
	ActionChatClosed      = "chat_closed"
	ActionStandaloneAdded = "standalone_added"
	ActionStandaloneGone  = "standalone_removed"
)

var broadcastable = map[string]struct{}{
	ActionSetSnapshot:     {},
	ActionToggleRead:      {},
	ActionArchive:         {},
	ActionPin:             {},
	ActionFavorite:        {},
	ActionMute:            {},
	ActionToggleClosed:    {},
	ActionLeaveChat:       {},
	ActionUpdateTitle:     {},
	ActionChatOpened:      {},
	ActionChatClosed:      {},
	ActionStandaloneAdded: {},
	ActionStandaloneGone:  {},
}

// ErrNotBroadcastable возвращается для действий вне allow-list.
var ErrNotBroadcastable = errors.New("syncer: action type is not broadcastable")

// Action — сериализуемое действие. Payload остаётся сырым JSON: транспорт
// не знает доменных типов, раскодирует получатель.
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Signal — запись в сигнальном ключе.
type Signal struct {
	Source      string `json:"source"`
	TimestampMS int64  `json:"timestamp_ms"`
	Action      Action `json:"action"`
}

// Syncer пишет и принимает сигналы. Ошибки хранилища глотаются: без него
// каждое окно живёт независимым состоянием, это допустимый деградированный
// режим, а не фатальная ошибка пути dispatch.
type Syncer struct {
	kv         store.KV
	windowID   string
	clearAfter time.Duration
	apply      func(Action)

	mu      sync.Mutex
	unwatch func()
	started bool
}

// New создаёт синхронизатор. apply вызывается для каждого чужого сигнала;
// получатель обязан применять действие как удалённое (без ре-бродкаста,
// иначе окна зациклят друг друга).
func New(kv store.KV, windowID string, clearAfter time.Duration, apply func(Action)) *Syncer {
	if clearAfter <= 0 {
		clearAfter = 50 * time.Millisecond
	}
	return &Syncer{kv: kv, windowID: windowID, clearAfter: clearAfter, apply: apply}
}

// Start подписывается на сигнальный ключ. Повторный Start — no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	unwatch, err := s.kv.Watch(ctx, SignalKey, s.onSignal)
	if err != nil {
		logger.Errorf("syncer: watch %s: %v", SignalKey, err)
		return
	}
	s.unwatch = unwatch
}

// Stop снимает подписку.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
	s.started = false
}

// Broadcast пишет сигнал и планирует очистку ключа. Очистка не трогает ключ,
// если его уже перезаписал сосед (best-effort сравнение, атомарности нет
// и не предполагается).
func (s *Syncer) Broadcast(ctx context.Context, actionType string, payload any) error {
	if _, ok := broadcastable[actionType]; !ok {
		return ErrNotBroadcastable
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	sig := Signal{
		Source:      s.windowID,
		TimestampMS: time.Now().UnixMilli(),
		Action:      Action{Type: actionType, Payload: raw},
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, SignalKey, string(data)); err != nil {
		// Хранилище недоступно — синхронизация деградирует молча.
		logger.Debugf("syncer: broadcast %s dropped: %v", actionType, err)
		return nil
	}
	time.AfterFunc(s.clearAfter, func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cur, err := s.kv.Get(clearCtx, SignalKey)
		if err != nil || cur != string(data) {
			return
		}
		if err := s.kv.Delete(clearCtx, SignalKey); err != nil {
			logger.Debugf("syncer: clear signal: %v", err)
		}
	})
	return nil
}

// onSignal — входящий сигнал: пропускаем очистку, собственное эхо и мусор,
// остальное реплеим локально.
func (s *Syncer) onSignal(raw string) {
	if raw == "" {
		return
	}
	var sig Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		// Битые данные в ключе равносильны отсутствию сигнала.
		return
	}
	if sig.Source == s.windowID {
		return
	}
	if _, ok := broadcastable[sig.Action.Type]; !ok {
		return
	}
	logger.Debugf("syncer: inbound %s from %s", sig.Action.Type, sig.Source)
	s.apply(sig.Action)
}
