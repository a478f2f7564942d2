// Пакет lock — эксклюзивные блокировки фоновых заданий.
// Redis-реализация исключает параллельный запуск одного задания на
// нескольких экземплярах, локальная работает в пределах процесса.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld — блокировка уже снята или перехвачена по истечении TTL.
var ErrNotHeld = errors.New("блокировка не удерживается")

// Locker выдаёт блокировки по ключу.
type Locker interface {
	// TryLock пытается захватить ключ на ttl. ok=false — ключ занят.
	TryLock(ctx context.Context, key string, ttl time.Duration) (l *Lease, ok bool, err error)
}

// Lease — захваченная блокировка.
type Lease struct {
	key     string
	token   string
	release func(ctx context.Context) error
	extend  func(ctx context.Context, ttl time.Duration) error
}

// Key возвращает ключ блокировки.
func (l *Lease) Key() string { return l.key }

// Token возвращает уникальный токен владельца.
func (l *Lease) Token() string { return l.token }

// Release снимает блокировку.
func (l *Lease) Release(ctx context.Context) error {
	return l.release(ctx)
}

// Extend продлевает блокировку на ttl от текущего момента.
// ErrNotHeld — блокировка уже потеряна.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	return l.extend(ctx, ttl)
}

// releaseScript удаляет ключ, только если он принадлежит владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript продлевает ключ, только если он принадлежит владельцу токена.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker — блокировки через SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisLocker создаёт Redis-блокировщик. prefix добавляется к ключам.
func NewRedisLocker(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		logger: logger.With(slog.String("component", "redis_lock")),
	}
}

// TryLock захватывает ключ без ожидания.
func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("захват блокировки %s: %w", key, err)
	}
	if !ok {
		r.logger.Debug("Блокировка занята", slog.String("key", full))
		return nil, false, nil
	}

	return &Lease{
		key:   key,
		token: token,
		release: func(ctx context.Context) error {
			n, err := releaseScript.Run(ctx, r.client, []string{full}, token).Int()
			if err != nil {
				return fmt.Errorf("снятие блокировки %s: %w", key, err)
			}
			if n == 0 {
				return ErrNotHeld
			}
			return nil
		},
		extend: func(ctx context.Context, ttl time.Duration) error {
			n, err := extendScript.Run(ctx, r.client, []string{full}, token, ttl.Milliseconds()).Int()
			if err != nil {
				return fmt.Errorf("продление блокировки %s: %w", key, err)
			}
			if n == 0 {
				return ErrNotHeld
			}
			return nil
		},
	}, true, nil
}

// Ping проверяет доступность Redis.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// LocalLocker — блокировки в памяти процесса с учётом TTL.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	nowFn func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocker создаёт локальный блокировщик.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), nowFn: time.Now}
}

// TryLock захватывает ключ без ожидания.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}

	return &Lease{
		key:   key,
		token: token,
		release: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.held[key]; !ok || e.token != token {
				return ErrNotHeld
			}
			delete(l.held, key)
			return nil
		},
		extend: func(_ context.Context, ttl time.Duration) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			e, ok := l.held[key]
			if !ok || e.token != token || !l.nowFn().Before(e.expires) {
				return ErrNotHeld
			}
			l.held[key] = localEntry{token: token, expires: l.nowFn().Add(ttl)}
			return nil
		},
	}, true, nil
}
