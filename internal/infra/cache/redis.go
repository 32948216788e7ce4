package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked возвращается, когда ключ уже занят другой репликой.
var ErrLocked = errors.New("блокировка занята")

// RedisGuard реализует domain.TickGuard через Redis SetNX. Используется,
// чтобы при нескольких репликах поллера проход выполняла только одна.
type RedisGuard struct {
	client *redis.Client
}

// NewRedisGuard создаёт гард.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

// Once выполняет fn, только если ключ ещё не занят. При ошибке fn ключ
// освобождается, чтобы следующий проход мог повторить попытку.
func (g *RedisGuard) Once(key string, ttl time.Duration, fn func() error) error {
	ctx := context.Background()
	ok, err := g.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	if err := fn(); err != nil {
		_ = g.client.Del(ctx, key).Err()
		return err
	}
	return nil
}

// NoopGuard всегда выполняет fn. Применяется, когда Redis не настроен.
type NoopGuard struct{}

// Once выполняет fn без ограничения.
func (NoopGuard) Once(_ string, _ time.Duration, fn func() error) error {
	return fn()
}
