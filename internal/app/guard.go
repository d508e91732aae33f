package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carry-vault-bot/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrGuardHeld means another open or close sequence is already running.
var ErrGuardHeld = errors.New("strategy guard already held")

const guardKey = "guard:strategy:run"

// Guard serializes position-mutating sequences. Exactly one open or close
// may run at a time; everything else observes ErrGuardHeld and retries on a
// later tick.
type Guard interface {
	Acquire(ctx context.Context) (func(), error)
}

func NewGuard(cfg config.GuardConfig) (Guard, error) {
	switch cfg.Mode {
	case "", "local":
		return &localGuard{}, nil
	case "redis":
		ttl := cfg.LockTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return &redisGuard{rdb: rdb, ttl: ttl, unlockSc: redis.NewScript(unlockLua)}, nil
	default:
		return nil, fmt.Errorf("unknown guard mode %q", cfg.Mode)
	}
}

type localGuard struct {
	mu sync.Mutex
}

func (g *localGuard) Acquire(ctx context.Context) (func(), error) {
	_ = ctx
	if !g.mu.TryLock() {
		return nil, ErrGuardHeld
	}
	var once sync.Once
	return func() { once.Do(g.mu.Unlock) }, nil
}

// unlockLua deletes the guard key only if its value matches the holder's
// token, so a stale holder cannot release a lock it no longer owns.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

type redisGuard struct {
	rdb      *redis.Client
	ttl      time.Duration
	unlockSc *redis.Script
}

func (g *redisGuard) Acquire(ctx context.Context) (func(), error) {
	token := uuid.New().String()
	ok, err := g.rdb.SetNX(ctx, guardKey, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("guard acquire: %w", err)
	}
	if !ok {
		return nil, ErrGuardHeld
	}
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = g.unlockSc.Run(unlockCtx, g.rdb, []string{guardKey}, token).Err()
		})
	}
	return unlock, nil
}
