package datasource

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/sharedcode/dtx"
)

// Queryer is the database surface the interceptor needs; pgx.Tx and
// pgxpool.Pool both satisfy it.
type Queryer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Beginner opens local transactions on the business database; satisfied by
// pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Undo-log row statuses.
const (
	UndoStatusNormal       = 0
	UndoStatusCompensating = 1
	UndoStatusCompensated  = 2
)

// UndoRecord is one undo-log row in the business database.
type UndoRecord struct {
	ID           int64
	Xid          string
	BranchID     int64
	TableName    string
	SQLType      string
	BeforeImage  []byte
	AfterImage   []byte
	SQLText      string
	Parameters   []byte
	LogStatus    int
	CreateTimeMs int64
	UpdateTimeMs int64
}

const ddlUndoLog = `
CREATE TABLE IF NOT EXISTS undo_log (
    id           BIGSERIAL    PRIMARY KEY,
    xid          VARCHAR(128) NOT NULL,
    branch_id    BIGINT       NOT NULL,
    table_name   VARCHAR(128) NOT NULL,
    sql_type     VARCHAR(8)   NOT NULL,
    before_image TEXT,
    after_image  TEXT,
    sql_text     TEXT,
    parameters   TEXT,
    log_status   SMALLINT     NOT NULL DEFAULT 0,
    create_time  BIGINT       NOT NULL,
    update_time  BIGINT       NOT NULL
)`

const ddlUndoLogIndexes = `
CREATE INDEX IF NOT EXISTS idx_undo_log_branch ON undo_log (xid, branch_id);
CREATE INDEX IF NOT EXISTS idx_undo_log_create ON undo_log (create_time)`

// EnsureUndoLogTable creates the undo_log table in the business database.
func EnsureUndoLogTable(ctx context.Context, db Queryer) error {
	if _, err := db.Exec(ctx, ddlUndoLog); err != nil {
		return err
	}
	for _, stmt := range strings.Split(ddlUndoLogIndexes, ";") {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertUndoLog writes the undo record in the caller's local transaction.
// This must be the same transaction as the business DML; that atomicity is
// what makes AT compensation safe.
func InsertUndoLog(ctx context.Context, tx Queryer, rec *UndoRecord) error {
	now := dtx.NowMs()
	_, err := tx.Exec(ctx,
		`INSERT INTO undo_log
		 (xid, branch_id, table_name, sql_type, before_image, after_image,
		  sql_text, parameters, log_status, create_time, update_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.Xid, rec.BranchID, rec.TableName, rec.SQLType,
		nullable(rec.BeforeImage), nullable(rec.AfterImage),
		rec.SQLText, nullable(rec.Parameters), UndoStatusNormal, now, now)
	return err
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// DeleteUndoLog removes the undo rows of a branch; phase-2 commit for AT.
func DeleteUndoLog(ctx context.Context, db Queryer, xid string, branchID int64) error {
	_, err := db.Exec(ctx,
		`DELETE FROM undo_log WHERE xid = $1 AND branch_id = $2`, xid, branchID)
	return err
}

// CountUndoLog reports remaining undo rows for a branch; used by tests and
// operator checks.
func CountUndoLog(ctx context.Context, db Queryer, xid string, branchID int64) (int, error) {
	var n int
	err := db.QueryRow(ctx,
		`SELECT count(*) FROM undo_log WHERE xid = $1 AND branch_id = $2`, xid, branchID).Scan(&n)
	return n, err
}

// Compensate reverses the phase-1 work of one AT branch: it loads the undo
// record, verifies the table state still matches the after image, executes
// the reverse statements and retires the undo row. Everything runs in one
// local transaction on the business database.
//
// Returns NoUndoLog when the branch left no record and DirtyWrite when the
// current rows diverged from the after image.
func Compensate(ctx context.Context, db Beginner, xid string, branchID int64) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	defer tx.Rollback(ctx)

	rec, err := queryUndoLogForUpdate(ctx, tx, xid, branchID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE undo_log SET log_status = $3, update_time = $4 WHERE id = $1 AND log_status = $2`,
		rec.ID, UndoStatusNormal, UndoStatusCompensating, dtx.NowMs()); err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}

	before, err := UnmarshalRecords(rec.BeforeImage)
	if err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: fmt.Errorf("before image: %w", err)}
	}
	after, err := UnmarshalRecords(rec.AfterImage)
	if err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: fmt.Errorf("after image: %w", err)}
	}

	sqlType := parseSQLTypeName(rec.SQLType)
	if err := verifyAgainstCurrent(ctx, tx, sqlType, before, after); err != nil {
		return err
	}

	stmts, err := BuildReverse(sqlType, before, after)
	if err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	for _, st := range stmts {
		if _, err := tx.Exec(ctx, st.SQL, st.Args...); err != nil {
			return dtx.Error{Code: dtx.ErrInternal, Err: fmt.Errorf("reverse statement: %w", err)}
		}
	}

	// Mark compensated for the audit trail, then retire the row.
	if _, err := tx.Exec(ctx,
		`UPDATE undo_log SET log_status = $2, update_time = $3 WHERE id = $1`,
		rec.ID, UndoStatusCompensated, dtx.NowMs()); err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM undo_log WHERE id = $1`, rec.ID); err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	log.Info("compensated branch", "xid", xid, "branchId", branchID, "table", rec.TableName)
	return nil
}

func queryUndoLogForUpdate(ctx context.Context, tx pgx.Tx, xid string, branchID int64) (*UndoRecord, error) {
	rec := &UndoRecord{}
	var before, after, params *string
	err := tx.QueryRow(ctx,
		`SELECT id, xid, branch_id, table_name, sql_type, before_image, after_image,
		        sql_text, parameters, log_status, create_time, update_time
		 FROM undo_log WHERE xid = $1 AND branch_id = $2 AND log_status = $3
		 FOR UPDATE`,
		xid, branchID, UndoStatusNormal).
		Scan(&rec.ID, &rec.Xid, &rec.BranchID, &rec.TableName, &rec.SQLType,
			&before, &after, &rec.SQLText, &params, &rec.LogStatus,
			&rec.CreateTimeMs, &rec.UpdateTimeMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dtx.Errf(dtx.ErrNoUndoLog, "no undo log for xid=%s branchId=%d", xid, branchID)
	}
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	if before != nil {
		rec.BeforeImage = []byte(*before)
	}
	if after != nil {
		rec.AfterImage = []byte(*after)
	}
	if params != nil {
		rec.Parameters = []byte(*params)
	}
	return rec, nil
}

func parseSQLTypeName(name string) SQLType {
	switch name {
	case "INSERT":
		return SQLInsert
	case "UPDATE":
		return SQLUpdate
	case "DELETE":
		return SQLDelete
	}
	return SQLOther
}

// verifyAgainstCurrent compares the rows as they stand now to the after
// image captured in phase 1. A divergence means some non-AT writer touched
// them; compensation aborts with DirtyWrite rather than destroy its work.
func verifyAgainstCurrent(ctx context.Context, tx pgx.Tx, sqlType SQLType, before, after *TableRecords) error {
	switch sqlType {
	case SQLInsert, SQLUpdate:
		current, err := queryByPK(ctx, tx, after)
		if err != nil {
			return err
		}
		if !SameRows(after, current) {
			return dtx.Errf(dtx.ErrDirtyWrite,
				"table %s rows diverged from after image", after.TableName)
		}
	case SQLDelete:
		// The rows were deleted in phase 1; anything back under those keys
		// is a foreign write.
		current, err := queryByPK(ctx, tx, before)
		if err != nil {
			return err
		}
		if !current.Empty() {
			return dtx.Errf(dtx.ErrDirtyWrite,
				"table %s keys reappeared after delete", before.TableName)
		}
	}
	return nil
}

// queryByPK re-reads the rows of an image by primary key, preserving the
// image's column order so row comparison is positional.
func queryByPK(ctx context.Context, q Queryer, image *TableRecords) (*TableRecords, error) {
	if image.Empty() {
		return &TableRecords{}, nil
	}
	cols := make([]string, len(image.Columns))
	for i, c := range image.Columns {
		cols[i] = quoteIdent(c)
	}
	var preds []string
	var args []any
	n := 0
	for _, pkVals := range image.PKArgs() {
		preds = append(preds, "("+pkPredicate(image.PKColumns, n+1)+")")
		args = append(args, pkVals...)
		n += len(pkVals)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(cols, ", "), quoteIdent(image.TableName), strings.Join(preds, " OR "))
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
	}
	defer rows.Close()

	out := &TableRecords{
		TableName: image.TableName,
		PKColumns: image.PKColumns,
		Columns:   image.Columns,
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, dtx.Error{Code: dtx.ErrInternal, Err: err}
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, rows.Err()
}
