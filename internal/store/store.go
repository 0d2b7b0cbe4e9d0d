package store

import "context"

// KV — общее персистентное хранилище, единственный канал координации между
// окнами (election, broadcast, реестр standalone-чатов). Прямого IPC между
// окнами нет; семантика каждого ключа — last-writer-wins, транзакций по
// нескольким ключам нет.
//
// Реализации: redis.Client (боевая), memory.Client (тесты и один процесс).
type KV interface {
	// Get возвращает значение ключа или "" если ключа нет.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Watch регистрирует callback на изменение значения ключа. Удаление ключа
	// приходит как пустая строка. Подписчик обязан переживать устаревшие и
	// только что очищенные значения. Возвращённая функция снимает подписку.
	Watch(ctx context.Context, key string, fn func(value string)) (func(), error)
	Close() error
}
