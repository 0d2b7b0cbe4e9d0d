package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/notisync/internal/store"
)

// windowKey — детерминированное имя окна standalone-чата в хранилище.
func windowKey(id int64) string {
	return fmt.Sprintf("notisync:standalone:win:%d", id)
}

// StoreLocator реализует WindowLocator поверх общего хранилища: живое
// standalone-окно периодически обновляет свой presence-ключ, sweep сверяет
// возраст отметки.
type StoreLocator struct {
	kv  store.KV
	ttl time.Duration
}

func NewStoreLocator(kv store.KV, ttl time.Duration) *StoreLocator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &StoreLocator{kv: kv, ttl: ttl}
}

func (l *StoreLocator) Reachable(ctx context.Context, id int64) bool {
	raw, err := l.kv.Get(ctx, windowKey(id))
	if err != nil || raw == "" {
		return false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Мусор в presence-ключе — окно считается недостижимым.
		return false
	}
	return time.Since(time.UnixMilli(ms)) <= l.ttl
}

// AnnounceWindow обновляет presence-отметку standalone-окна. Ошибка
// не фатальна: без отметки окно просто вылетит из реестра по sweep.
func AnnounceWindow(ctx context.Context, kv store.KV, id int64) {
	_ = kv.Set(ctx, windowKey(id), strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// ReleaseWindow снимает presence-отметку при чистом закрытии окна.
func ReleaseWindow(ctx context.Context, kv store.KV, id int64) {
	_ = kv.Delete(ctx, windowKey(id))
}
