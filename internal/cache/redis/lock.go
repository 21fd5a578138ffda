package redis

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

var (
	//go:embed scripts/lock_release.lua
	lockReleaseLua string
	//go:embed scripts/lock_renew.lua
	lockRenewLua string
)

// LockManager implements domain.LockManager with SET NX PX. Only the token
// holder can renew or release a lock. While held, the lock's TTL is renewed
// every ttl/3, so a slow settlement keeps it and a crashed process loses it
// after at most ttl.
type LockManager struct {
	c       *Client
	release *redis.Script
	renew   *redis.Script
	logger  *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:       c,
		release: redis.NewScript(lockReleaseLua),
		renew:   redis.NewScript(lockRenewLua),
		logger:  logger.With(slog.String("component", "redis_lock")),
	}
}

// Acquire takes the lock for key. It returns domain.ErrLockHeld if another
// holder has it. The returned unlock func stops renewal, releases the lock
// and is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lm.c.key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go lm.keepAlive(lk, token, ttl, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.release.Run(ctx, lm.c.rdb, []string{lk}, token).Err(); err != nil {
				lm.logger.Warn("release lock failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}

// keepAlive renews the lock until stop closes or the lock is lost.
func (lm *LockManager) keepAlive(lk, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3+time.Second)
			held, err := lm.renew.Run(ctx, lm.c.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				lm.logger.Warn("renew lock failed", slog.String("key", lk), slog.String("error", err.Error()))
			case held == 0:
				lm.logger.Warn("lock lost before release", slog.String("key", lk))
				return
			}
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
