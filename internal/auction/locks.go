package auction

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// LocalLocks is a process-local LockManager. A held key is released only by
// the returned unlock func; the TTL is ignored because the holder cannot
// outlive the process.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocks creates an empty LocalLocks.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]struct{})}
}

// Acquire takes key or returns domain.ErrLockHeld if someone else holds it.
func (l *LocalLocks) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
