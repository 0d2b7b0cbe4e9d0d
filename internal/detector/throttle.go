package detector

import (
	"sync"
	"time"
)

// Throttle ограничивает частоту применения даже обнаруженных изменений.
// Детекция и rate limit — отдельные заботы: Throttle ничего не знает про
// содержимое снапшотов и компонуется с Policy снаружи.
type Throttle struct {
	mu   sync.Mutex
	min  time.Duration
	last time.Time
}

// NewThrottle создаёт гейт с минимальным интервалом между применениями.
// min <= 0 отключает троттлинг.
func NewThrottle(min time.Duration) *Throttle {
	return &Throttle{min: min}
}

// Allow возвращает true, если применение разрешено, и фиксирует момент.
// highPriority пробивает окно всегда (например форсированный reload при
// получении мастерства).
func (t *Throttle) Allow(highPriority bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if !highPriority && t.min > 0 && !t.last.IsZero() && now.Sub(t.last) < t.min {
		return false
	}
	t.last = now
	return true
}
