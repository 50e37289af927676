// Package redislock implements the global lock manager on Redis for
// clustered coordinator deployments.
package redislock

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/dtx"
)

// Options mirror the redis connection settings of the framework config.
type Options struct {
	Address  string
	Password string
	DB       int
	// TTL guards against locks leaking when a coordinator dies before
	// releasing them. It must exceed the longest allowed global timeout.
	TTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
		TTL:     10 * time.Minute,
	}
}

// Manager is a redis-backed lock.Manager.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
}

func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions().TTL
	}
	return &Manager{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		ttl: opts.TTL,
	}
}

// NewManagerWithClient wraps an existing client; used by tests.
func NewManagerWithClient(c *redis.Client, ttl time.Duration) *Manager {
	return &Manager{client: c, ttl: ttl}
}

// formatLockKey prefixes row keys to keep the lock namespace apart from
// other redis users.
func formatLockKey(rowKey string) string {
	return "Ldtx" + rowKey
}

// holderKey is the per-xid set of row keys held, consulted on release.
func holderKey(xid string) string {
	return "LXdtx" + xid
}

func (m *Manager) Acquire(ctx context.Context, xid string, branchID int64, rowKeys []string) error {
	for _, rk := range rowKeys {
		key := formatLockKey(rk)
		ok, err := m.client.SetNX(ctx, key, xid, m.ttl).Result()
		if err != nil {
			return dtx.Error{Code: dtx.ErrNetwork, Err: err, UserData: rk}
		}
		if !ok {
			// Key exists; check if not ours. Most likely, but check anyway.
			owner, err := m.client.Get(ctx, key).Result()
			if err != nil && err != redis.Nil {
				return dtx.Error{Code: dtx.ErrNetwork, Err: err, UserData: rk}
			}
			if owner != xid {
				return dtx.Error{Code: dtx.ErrLockConflict, UserData: rk,
					Err: fmt.Errorf("row %s held by %s", rk, owner)}
			}
			// Same owner, re-acquisition succeeds; refresh the TTL.
			m.client.Expire(ctx, key, m.ttl)
			continue
		}
		// Use a 2nd "get" to ensure we "won" the lock attempt & fail if not.
		owner, err := m.client.Get(ctx, key).Result()
		if err != nil || owner != xid {
			return dtx.Error{Code: dtx.ErrLockConflict, UserData: rk, Err: err}
		}
		if err := m.client.SAdd(ctx, holderKey(xid), rk).Err(); err != nil {
			// The lock stands even if holder bookkeeping failed; release
			// will fall back to TTL expiry for this row.
			log.Error("lock holder bookkeeping failed", "rowKey", rk, "error", err)
		}
		m.client.Expire(ctx, holderKey(xid), m.ttl)
	}
	return nil
}

func (m *Manager) Release(ctx context.Context, xid string) error {
	rows, err := m.client.SMembers(ctx, holderKey(xid)).Result()
	if err != nil && err != redis.Nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	var lastErr error
	for _, rk := range rows {
		key := formatLockKey(rk)
		owner, err := m.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		// Delete lock key only if we still own it.
		if owner == xid {
			if err := m.client.Del(ctx, key).Err(); err != nil {
				lastErr = err
			}
		}
	}
	if err := m.client.Del(ctx, holderKey(xid)).Err(); err != nil {
		lastErr = err
	}
	if lastErr != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: lastErr}
	}
	return nil
}

func (m *Manager) ReleaseKeys(ctx context.Context, xid string, rowKeys []string) error {
	var lastErr error
	for _, rk := range rowKeys {
		key := formatLockKey(rk)
		owner, err := m.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		if owner != xid {
			continue
		}
		if err := m.client.Del(ctx, key).Err(); err != nil {
			lastErr = err
			continue
		}
		if err := m.client.SRem(ctx, holderKey(xid), rk).Err(); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: lastErr}
	}
	return nil
}

func (m *Manager) Owner(ctx context.Context, rowKey string) (string, error) {
	owner, err := m.client.Get(ctx, formatLockKey(rowKey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return owner, nil
}
