package datasource

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/sharedcode/dtx"
)

// BranchRegistrar is the coordinator surface the interceptor needs. The
// client package's TcClient satisfies it.
type BranchRegistrar interface {
	RegisterBranch(ctx context.Context, xid, resourceID string, branchType dtx.BranchType, lockKey string, applicationData []byte) (int64, error)
	ReportBranchStatus(ctx context.Context, xid string, branchID int64, status dtx.BranchStatus) error
}

// DataSource wraps a business database pool with AT-mode interception.
// Sessions opened while the context carries an xid register branches,
// capture row images and write undo logs; sessions opened outside a global
// transaction behave as plain local transactions.
type DataSource struct {
	db         Beginner
	resourceID string
	tc         BranchRegistrar

	metaMu sync.Mutex
	pkCols map[string][]string
}

func NewDataSource(db Beginner, resourceID string, tc BranchRegistrar) *DataSource {
	return &DataSource{
		db:         db,
		resourceID: resourceID,
		tc:         tc,
		pkCols:     make(map[string][]string),
	}
}

// ResourceID identifies this data source to the coordinator.
func (ds *DataSource) ResourceID() string { return ds.resourceID }

// Begin opens a session. When ctx carries an xid the session intercepts DML.
func (ds *DataSource) Begin(ctx context.Context) (*Session, error) {
	tx, err := ds.db.Begin(ctx)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return &Session{ds: ds, tx: tx, xid: dtx.XidFromContext(ctx)}, nil
}

// Session is one local transaction, possibly enrolled in a global one.
type Session struct {
	ds       *DataSource
	tx       pgx.Tx
	xid      string
	branches []int64
	done     bool
}

// Branches returns the branch ids registered by this session.
func (s *Session) Branches() []int64 { return s.branches }

// Query and QueryRow pass straight through; reads are not intercepted.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.tx.Query(ctx, sql, args...)
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.tx.QueryRow(ctx, sql, args...)
}

// Exec runs a statement. DML inside a global transaction goes through the
// interception sequence: parse, before image, execute, after image, branch
// registration with row locks, undo log in the same local transaction. Any
// failure in that sequence, lock conflicts included, surfaces to the caller,
// who is expected to roll back the session.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.xid == "" {
		return s.tx.Exec(ctx, sql, args...)
	}
	p, err := Parse(sql)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	if p.Type != SQLInsert && p.Type != SQLUpdate && p.Type != SQLDelete {
		return s.tx.Exec(ctx, sql, args...)
	}
	return s.execIntercepted(ctx, p, sql, args)
}

func (s *Session) execIntercepted(ctx context.Context, p *ParsedSQL, sql string, args []any) (pgconn.CommandTag, error) {
	pkCols, err := s.ds.primaryKeyColumns(ctx, s.tx, p.Table)
	if err != nil {
		return nil, err
	}

	var before *TableRecords
	if p.Type == SQLUpdate || p.Type == SQLDelete {
		before, err = s.captureWhere(ctx, p, pkCols, args)
		if err != nil {
			return nil, err
		}
	}

	var after *TableRecords
	var tag pgconn.CommandTag
	switch p.Type {
	case SQLInsert:
		after, tag, err = s.execInsertReturning(ctx, p, pkCols, sql, args)
	case SQLUpdate:
		tag, err = s.tx.Exec(ctx, sql, args...)
		if err == nil {
			after, err = queryByPK(ctx, s.tx, before)
		}
	case SQLDelete:
		tag, err = s.tx.Exec(ctx, sql, args...)
		after = &TableRecords{TableName: p.Table, PKColumns: pkCols}
	}
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}

	// Nothing touched, nothing to protect.
	if before.Empty() && after.Empty() {
		return tag, nil
	}

	lockImage := after
	if p.Type != SQLInsert {
		lockImage = before
	}
	lockKey := dtx.BuildLockKey(p.Table, lockImage.PKValues())

	branchID, err := s.ds.tc.RegisterBranch(ctx, s.xid, s.ds.resourceID, dtx.BranchTypeAT, lockKey, nil)
	if err != nil {
		return nil, err
	}
	s.branches = append(s.branches, branchID)

	beforeJSON, err := before.Marshal()
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	afterJSON, err := after.Marshal()
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	params, _ := json.Marshal(args)
	if err := InsertUndoLog(ctx, s.tx, &UndoRecord{
		Xid:         s.xid,
		BranchID:    branchID,
		TableName:   p.Table,
		SQLType:     p.Type.String(),
		BeforeImage: beforeJSON,
		AfterImage:  afterJSON,
		SQLText:     sql,
		Parameters:  params,
	}); err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	log.Debug("intercepted statement", "xid", s.xid, "branchId", branchID,
		"table", p.Table, "type", p.Type.String())
	return tag, nil
}

// captureWhere re-runs the statement's WHERE clause as a SELECT to snapshot
// the rows about to change.
func (s *Session) captureWhere(ctx context.Context, p *ParsedSQL, pkCols []string, args []any) (*TableRecords, error) {
	query := "SELECT * FROM " + quoteIdent(p.Table)
	sel := make([]any, 0, len(p.WhereArgIdx))
	if p.Where != "" {
		query += " WHERE " + p.Where
		for _, i := range p.WhereArgIdx {
			if i < 0 || i >= len(args) {
				return nil, dtx.Errf(dtx.ErrInternal,
					"statement references argument $%d beyond the %d supplied", i+1, len(args))
			}
			sel = append(sel, args[i])
		}
	}
	query += " FOR UPDATE"
	return s.collectRows(ctx, p.Table, pkCols, query, sel)
}

// execInsertReturning appends RETURNING * so the inserted rows become the
// after image without a second query.
func (s *Session) execInsertReturning(ctx context.Context, p *ParsedSQL, pkCols []string, sql string, args []any) (*TableRecords, pgconn.CommandTag, error) {
	stmt := strings.TrimRight(strings.TrimSpace(sql), ";")
	if !strings.Contains(strings.ToUpper(stmt), "RETURNING") {
		stmt += " RETURNING *"
	}
	after, err := s.collectRows(ctx, p.Table, pkCols, stmt, args)
	if err != nil {
		return nil, nil, err
	}
	tag := pgconn.CommandTag(fmt.Sprintf("INSERT 0 %d", len(after.Rows)))
	return after, tag, nil
}

func (s *Session) collectRows(ctx context.Context, table string, pkCols []string, query string, args []any) (*TableRecords, error) {
	rows, err := s.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	defer rows.Close()

	out := &TableRecords{TableName: table, PKColumns: pkCols}
	for _, fd := range rows.FieldDescriptions() {
		out.Columns = append(out.Columns, string(fd.Name))
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	return out, nil
}

// Commit commits the local transaction, then reports phase-1 done for every
// branch this session registered. The undo log commits atomically with the
// business writes, so a crash between commit and report leaves a branch the
// coordinator can still roll back.
func (s *Session) Commit(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Commit(ctx); err != nil {
		s.report(ctx, dtx.BranchPhaseOneFailed)
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	s.report(ctx, dtx.BranchPhaseOneDone)
	return nil
}

// Rollback discards the local transaction and reports phase-1 failed.
func (s *Session) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.tx.Rollback(ctx)
	s.report(ctx, dtx.BranchPhaseOneFailed)
	return err
}

func (s *Session) report(ctx context.Context, status dtx.BranchStatus) {
	if s.xid == "" {
		return
	}
	for _, id := range s.branches {
		if err := s.ds.tc.ReportBranchStatus(ctx, s.xid, id, status); err != nil {
			log.Warn("branch status report failed", "xid", s.xid,
				"branchId", id, "status", status.String(), "error", err)
		}
	}
}

// primaryKeyColumns resolves and caches the primary key of a table from the
// catalog. AT mode cannot protect a table without one.
func (ds *DataSource) primaryKeyColumns(ctx context.Context, q Queryer, table string) ([]string, error) {
	ds.metaMu.Lock()
	cached, ok := ds.pkCols[table]
	ds.metaMu.Unlock()
	if ok {
		return cached, nil
	}

	rows, err := q.Query(ctx,
		`SELECT a.attname
		 FROM pg_index i
		 JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		 WHERE i.indrelid = $1::regclass AND i.indisprimary
		 ORDER BY array_position(i.indkey, a.attnum)`, table)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	if len(cols) == 0 {
		return nil, dtx.Errf(dtx.ErrInternal, "table %s has no primary key", table)
	}

	ds.metaMu.Lock()
	ds.pkCols[table] = cols
	ds.metaMu.Unlock()
	return cols, nil
}
