package memory

import (
	"context"
	"sync"
)

// Client — in-memory реализация store.KV. Несколько "окон" в одном процессе
// (тесты, режим -dev) делят один экземпляр; каждый watcher получает
// уведомление об изменении, включая собственные записи, поэтому фильтрация
// self-echo лежит на подписчике.
type Client struct {
	mu       sync.Mutex
	values   map[string]string
	watchers map[string]map[int]func(string)
	nextID   int
	closed   bool
}

func New() *Client {
	return &Client{
		values:   make(map[string]string),
		watchers: make(map[string]map[int]func(string)),
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.watchers = make(map[string]map[int]func(string))
	c.mu.Unlock()
	return nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

// Set пишет значение и уведомляет подписчиков. Как и браузерный storage event,
// уведомление уходит только если значение реально изменилось — на этом держится
// паттерн write-then-clear у синхронизатора.
func (c *Client) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	if c.values[key] == value {
		c.mu.Unlock()
		return nil
	}
	c.values[key] = value
	fns := c.snapshotWatchers(key)
	c.mu.Unlock()

	// Callbacks вне мьютекса: подписчик имеет право тут же писать в стор
	// (например election перехватывает мастерство).
	for _, fn := range fns {
		fn(value)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if _, ok := c.values[key]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.values, key)
	fns := c.snapshotWatchers(key)
	c.mu.Unlock()

	for _, fn := range fns {
		fn("")
	}
	return nil
}

func (c *Client) Watch(ctx context.Context, key string, fn func(string)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}, nil
	}
	if c.watchers[key] == nil {
		c.watchers[key] = make(map[int]func(string))
	}
	id := c.nextID
	c.nextID++
	c.watchers[key][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers[key], id)
	}, nil
}

func (c *Client) snapshotWatchers(key string) []func(string) {
	fns := make([]func(string), 0, len(c.watchers[key]))
	for _, fn := range c.watchers[key] {
		fns = append(fns, fn)
	}
	return fns
}
