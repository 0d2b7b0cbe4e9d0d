package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/notisync/internal/logger"
)

// Канал pub/sub для изменений ключа: координация нескольких окон одной сессии
// через один Redis. Значение публикуется вместе с записью, удаление — пустой строкой.
const changeChannelPrefix = "notisync:kv:"

// Client реализует store.KV поверх Redis. Watch работает через pub/sub:
// доставка best-effort, без гарантий порядка между ключами — протокол выше
// обязан это переживать (см. store.KV).
type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.cli.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	if err := c.cli.Set(ctx, key, value, 0).Err(); err != nil {
		return err
	}
	// Публикация после записи: подписчик, прочитавший ключ заново, увидит
	// не старее чем опубликованное значение.
	return c.cli.Publish(ctx, changeChannelPrefix+key, value).Err()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.cli.Del(ctx, key).Err(); err != nil {
		return err
	}
	return c.cli.Publish(ctx, changeChannelPrefix+key, "").Err()
}

// Watch подписывается на изменения ключа. Callback вызывается из выделенной
// горутины подписки последовательно для одного ключа.
func (c *Client) Watch(ctx context.Context, key string, fn func(string)) (func(), error) {
	sub := c.cli.Subscribe(ctx, changeChannelPrefix+key)
	// Дожидаемся подтверждения подписки, иначе первые публикации теряются.
	if _, err := sub.Receive(ctx); err != nil {
		if closeErr := sub.Close(); closeErr != nil {
			logger.Errorf("redis watch close after subscribe fail: %v", closeErr)
		}
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		if err := sub.Close(); err != nil {
			logger.Errorf("redis watch unsubscribe %s: %v", key, err)
		}
	}, nil
}
