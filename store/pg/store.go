package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/sharedcode/dtx"
)

// Store is the Postgres-backed metadata store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	return s, nil
}

// NewWithPool wraps an existing pool; the caller owns schema setup.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for the SQL lock manager.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) CreateGlobal(ctx context.Context, g *dtx.GlobalTransaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO global_table
		 (xid, status, application_id, transaction_name, timeout_ms, begin_time_ms, application_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.Xid, int(g.Status), g.ApplicationID, g.TransactionName, g.TimeoutMs, g.BeginTimeMs, g.ApplicationData)
	if err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: g.Xid}
	}
	return nil
}

func (s *Store) GetGlobal(ctx context.Context, xid string) (*dtx.GlobalTransaction, error) {
	g := &dtx.GlobalTransaction{}
	var status int
	err := s.pool.QueryRow(ctx,
		`SELECT xid, status, application_id, transaction_name, timeout_ms, begin_time_ms, application_data
		 FROM global_table WHERE xid = $1`, xid).
		Scan(&g.Xid, &status, &g.ApplicationID, &g.TransactionName, &g.TimeoutMs, &g.BeginTimeMs, &g.ApplicationData)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dtx.Errf(dtx.ErrGlobalNotFound, "global transaction %s not found", xid)
	}
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: xid}
	}
	g.Status = dtx.GlobalStatus(status)
	return g, nil
}

func (s *Store) UpdateGlobalStatus(ctx context.Context, xid string, status dtx.GlobalStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE global_table SET status = $2 WHERE xid = $1`, xid, int(status))
	if err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: xid}
	}
	if tag.RowsAffected() == 0 {
		return dtx.Errf(dtx.ErrGlobalNotFound, "global transaction %s not found", xid)
	}
	return nil
}

// terminalGlobalStatuses lists the GlobalStatus values considered final;
// kept as SQL fragment input so queries stay in one place.
var terminalGlobalStatuses = []int{
	int(dtx.StatusCommitted), int(dtx.StatusCommitFailed),
	int(dtx.StatusRollbacked), int(dtx.StatusRollbackFailed),
	int(dtx.StatusTimeoutRollbacked), int(dtx.StatusFinished),
}

func (s *Store) ListNonTerminalGlobals(ctx context.Context, beforeMs int64) ([]*dtx.GlobalTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT xid, status, application_id, transaction_name, timeout_ms, begin_time_ms, application_data
		 FROM global_table
		 WHERE NOT (status = ANY($1)) AND begin_time_ms <= $2
		 ORDER BY begin_time_ms`,
		terminalGlobalStatuses, beforeMs)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	defer rows.Close()
	var out []*dtx.GlobalTransaction
	for rows.Next() {
		g := &dtx.GlobalTransaction{}
		var status int
		if err := rows.Scan(&g.Xid, &status, &g.ApplicationID, &g.TransactionName,
			&g.TimeoutMs, &g.BeginTimeMs, &g.ApplicationData); err != nil {
			return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
		}
		g.Status = dtx.GlobalStatus(status)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) CreateBranch(ctx context.Context, b *dtx.BranchTransaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO branch_table
		 (branch_id, xid, resource_group_id, resource_id, branch_type, lock_key,
		  status, application_data, begin_time_ms, end_time_ms, timeout_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.BranchID, b.Xid, b.ResourceGroupID, b.ResourceID, b.BranchType.String(), b.LockKey,
		int(b.Status), b.ApplicationData, b.BeginTimeMs, b.EndTimeMs, b.TimeoutMs)
	if err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: b.BranchID}
	}
	return nil
}

func (s *Store) scanBranch(row pgx.Row) (*dtx.BranchTransaction, error) {
	b := &dtx.BranchTransaction{}
	var status int
	var branchType string
	err := row.Scan(&b.BranchID, &b.Xid, &b.ResourceGroupID, &b.ResourceID, &branchType,
		&b.LockKey, &status, &b.ApplicationData, &b.BeginTimeMs, &b.EndTimeMs, &b.TimeoutMs)
	if err != nil {
		return nil, err
	}
	b.Status = dtx.BranchStatus(status)
	bt, err := dtx.ParseBranchType(branchType)
	if err != nil {
		return nil, err
	}
	b.BranchType = bt
	return b, nil
}

const branchColumns = `branch_id, xid, resource_group_id, resource_id, branch_type,
	lock_key, status, application_data, begin_time_ms, end_time_ms, timeout_ms`

func (s *Store) GetBranch(ctx context.Context, branchID int64) (*dtx.BranchTransaction, error) {
	b, err := s.scanBranch(s.pool.QueryRow(ctx,
		`SELECT `+branchColumns+` FROM branch_table WHERE branch_id = $1`, branchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dtx.Errf(dtx.ErrBranchNotFound, "branch %d not found", branchID)
	}
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: branchID}
	}
	return b, nil
}

func (s *Store) UpdateBranchStatus(ctx context.Context, branchID int64, status dtx.BranchStatus, endTimeMs int64) error {
	var err error
	var tag pgconn.CommandTag
	if status.IsTerminal() {
		tag, err = s.pool.Exec(ctx,
			`UPDATE branch_table SET status = $2, end_time_ms = $3 WHERE branch_id = $1`,
			branchID, int(status), endTimeMs)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE branch_table SET status = $2 WHERE branch_id = $1`, branchID, int(status))
	}
	if err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err, UserData: branchID}
	}
	if tag.RowsAffected() == 0 {
		return dtx.Errf(dtx.ErrBranchNotFound, "branch %d not found", branchID)
	}
	return nil
}

func (s *Store) listBranches(ctx context.Context, query string, args ...any) ([]*dtx.BranchTransaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	defer rows.Close()
	var out []*dtx.BranchTransaction
	for rows.Next() {
		b, err := s.scanBranch(rows)
		if err != nil {
			return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListBranches(ctx context.Context, xid string) ([]*dtx.BranchTransaction, error) {
	return s.listBranches(ctx,
		`SELECT `+branchColumns+` FROM branch_table WHERE xid = $1 ORDER BY branch_id`, xid)
}

var terminalBranchStatuses = []int{
	int(dtx.BranchPhaseOneFailed), int(dtx.BranchPhaseTwoCommitted),
	int(dtx.BranchPhaseTwoCommitFailed), int(dtx.BranchPhaseTwoRollbacked),
	int(dtx.BranchPhaseTwoRollbackFailed),
}

func (s *Store) ListNonTerminalBranches(ctx context.Context) ([]*dtx.BranchTransaction, error) {
	return s.listBranches(ctx,
		`SELECT `+branchColumns+` FROM branch_table WHERE NOT (status = ANY($1)) ORDER BY branch_id`,
		terminalBranchStatuses)
}

func (s *Store) ListFailedBranches(ctx context.Context) ([]*dtx.BranchTransaction, error) {
	return s.listBranches(ctx,
		`SELECT `+branchColumns+` FROM branch_table WHERE status = ANY($1) ORDER BY branch_id`,
		[]int{int(dtx.BranchPhaseTwoCommitFailed), int(dtx.BranchPhaseTwoRollbackFailed)})
}

func (s *Store) PurgeTerminal(ctx context.Context, beforeMs int64) (int, error) {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM branch_table WHERE xid IN
		 (SELECT xid FROM global_table WHERE status = ANY($1) AND begin_time_ms < $2)`,
		terminalGlobalStatuses, beforeMs)
	if err != nil {
		return 0, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	gtag, err := s.pool.Exec(ctx,
		`DELETE FROM global_table WHERE status = ANY($1) AND begin_time_ms < $2`,
		terminalGlobalStatuses, beforeMs)
	if err != nil {
		return 0, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	return int(gtag.RowsAffected()), nil
}

func (s *Store) Close() {
	s.pool.Close()
}
