// Package lock defines the global row-lock manager used by the coordinator
// to serialize AT-mode writes across global transactions, plus an in-memory
// implementation. A redis-backed manager for clustered deployments lives in
// the redislock subpackage; a SQL-backed one in store/pg.
package lock

import (
	"context"
	"sync"

	"github.com/sharedcode/dtx"
)

// Manager arbitrates global row locks. Acquisition is all-or-nothing per
// call and idempotent for the same xid: re-acquiring rows already held by
// the same global transaction succeeds.
type Manager interface {
	// Acquire takes every rowKey on behalf of (xid, branchID). On a clash
	// with a different xid it releases nothing it newly took in this call
	// beyond what the backend semantics require, and returns LockConflict
	// carrying the contended row key.
	Acquire(ctx context.Context, xid string, branchID int64, rowKeys []string) error
	// Release drops every lock held by xid.
	Release(ctx context.Context, xid string) error
	// ReleaseKeys drops only the given row keys, and only where xid is the
	// holder. Used to undo a single registration's acquisition without
	// touching locks held for the xid's other branches.
	ReleaseKeys(ctx context.Context, xid string, rowKeys []string) error
	// Owner reports the xid currently holding rowKey ("" when free).
	Owner(ctx context.Context, rowKey string) (string, error)
}

// InMemory is a map-backed Manager for tests and standalone deployments.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]*dtx.GlobalLock
}

func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[string]*dtx.GlobalLock)}
}

func (m *InMemory) Acquire(ctx context.Context, xid string, branchID int64, rowKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Check first so a partial clash does not leave half the set taken.
	for _, rk := range rowKeys {
		if held, ok := m.locks[rk]; ok && held.Xid != xid {
			return dtx.Error{Code: dtx.ErrLockConflict, UserData: rk}
		}
	}
	now := dtx.NowMs()
	for _, rk := range rowKeys {
		if _, ok := m.locks[rk]; ok {
			// Same owner, re-acquisition is a no-op.
			continue
		}
		m.locks[rk] = &dtx.GlobalLock{RowKey: rk, Xid: xid, BranchID: branchID, AcquiredAtMs: now}
	}
	return nil
}

func (m *InMemory) Release(ctx context.Context, xid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rk, held := range m.locks {
		if held.Xid == xid {
			delete(m.locks, rk)
		}
	}
	return nil
}

func (m *InMemory) ReleaseKeys(ctx context.Context, xid string, rowKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rk := range rowKeys {
		if held, ok := m.locks[rk]; ok && held.Xid == xid {
			delete(m.locks, rk)
		}
	}
	return nil
}

func (m *InMemory) Owner(ctx context.Context, rowKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[rowKey]; ok {
		return held.Xid, nil
	}
	return "", nil
}
