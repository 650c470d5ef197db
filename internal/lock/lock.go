// Package lock implements the named distributed lock of spec.md §4.3:
// owner-token based, atomic release/extend via server-side scripts, no
// reentrancy.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/agentstream/internal/store"
)

// ErrNotAcquired is returned by Acquire when the timeout elapses without
// obtaining the lock.
var ErrNotAcquired = errors.New("lock: not acquired")

// ErrNotOwner is returned by Release/Extend when the caller's token no
// longer matches the stored value (lock expired or stolen).
var ErrNotOwner = errors.New("lock: not owner")

const pollInterval = 100 * time.Millisecond

// releaseScript deletes the key only if its value is still our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// extendScript re-applies the TTL only if the value is still our token.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// Lock is a scoped handle on a named lock, returned by Acquire.
type Lock struct {
	s     *store.Store
	name  string
	token string
	ttl   time.Duration
}

// Acquire blocks (polling every 100ms) until the named lock is obtained
// or timeout elapses, per spec.md §4.3.
func Acquire(ctx context.Context, s *store.Store, name string, ttl, timeout time.Duration) (*Lock, error) {
	key := lockKey(name)
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := s.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{s: s, name: name, token: token, ttl: ttl}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release deletes the lock if this handle still owns it. Safe to call
// on all exit paths even if the lock already expired.
func (l *Lock) Release(ctx context.Context) error {
	v, err := l.s.Eval(ctx, releaseScript, []string{lockKey(l.name)}, l.token)
	if err != nil {
		return err
	}
	if n, _ := v.(int64); n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Extend re-applies the TTL if this handle still owns the lock.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	v, err := l.s.Eval(ctx, extendScript, []string{lockKey(l.name)}, l.token, int64(ttl.Seconds()))
	if err != nil {
		return err
	}
	if n, _ := v.(int64); n == 0 {
		return ErrNotOwner
	}
	return nil
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
