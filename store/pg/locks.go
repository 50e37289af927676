package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/sharedcode/dtx"
)

// LockManager arbitrates global row locks on the global_lock table. Used
// when no redis address is configured; the row_key primary key makes the
// insert the arbitration point.
type LockManager struct {
	store *Store
}

func NewLockManager(store *Store) *LockManager {
	return &LockManager{store: store}
}

func (m *LockManager) Acquire(ctx context.Context, xid string, branchID int64, rowKeys []string) error {
	now := dtx.NowMs()
	// All-or-nothing within one local transaction: a clash on any row key
	// rolls back the rows inserted so far.
	tx, err := m.store.pool.Begin(ctx)
	if err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	defer tx.Rollback(ctx)

	for _, rk := range rowKeys {
		tag, err := tx.Exec(ctx,
			`INSERT INTO global_lock (row_key, xid, branch_id, acquired_at_ms)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (row_key) DO NOTHING`,
			rk, xid, branchID, now)
		if err != nil {
			return dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: rk}
		}
		if tag.RowsAffected() == 0 {
			// Row already locked; idempotent when we are the holder.
			var owner string
			err := tx.QueryRow(ctx,
				`SELECT xid FROM global_lock WHERE row_key = $1`, rk).Scan(&owner)
			if err != nil {
				return dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: rk}
			}
			if owner != xid {
				return dtx.Error{Code: dtx.ErrLockConflict, UserData: rk}
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	return nil
}

func (m *LockManager) Release(ctx context.Context, xid string) error {
	if _, err := m.store.pool.Exec(ctx,
		`DELETE FROM global_lock WHERE xid = $1`, xid); err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: xid}
	}
	return nil
}

func (m *LockManager) ReleaseKeys(ctx context.Context, xid string, rowKeys []string) error {
	if len(rowKeys) == 0 {
		return nil
	}
	if _, err := m.store.pool.Exec(ctx,
		`DELETE FROM global_lock WHERE xid = $1 AND row_key = ANY($2)`,
		xid, rowKeys); err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: xid}
	}
	return nil
}

func (m *LockManager) Owner(ctx context.Context, rowKey string) (string, error) {
	var owner string
	err := m.store.pool.QueryRow(ctx,
		`SELECT xid FROM global_lock WHERE row_key = $1`, rowKey).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: rowKey}
	}
	return owner, nil
}
