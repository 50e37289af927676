package at

import (
	"context"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

type noRow struct{}

func (noRow) Scan(...interface{}) error { return pgx.ErrNoRows }

// noUndoTx simulates a business database holding no undo rows.
type noUndoTx struct{ pgx.Tx }

func (noUndoTx) Rollback(context.Context) error { return nil }

func (noUndoTx) QueryRow(context.Context, string, ...interface{}) pgx.Row { return noRow{} }

type noUndoDB struct{}

func (noUndoDB) Begin(context.Context) (pgx.Tx, error) { return noUndoTx{}, nil }

type recordingTx struct {
	pgx.Tx
	stmts *[]string
}

func (t recordingTx) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	*t.stmts = append(*t.stmts, sql)
	return pgconn.CommandTag("DELETE 1"), nil
}

func (recordingTx) Commit(context.Context) error { return nil }

func (recordingTx) Rollback(context.Context) error { return nil }

type recordingDB struct{ stmts *[]string }

func (d recordingDB) Begin(context.Context) (pgx.Tx, error) {
	return recordingTx{stmts: d.stmts}, nil
}

func atBranch(status dtx.BranchStatus) *dtx.BranchTransaction {
	return &dtx.BranchTransaction{
		BranchID: 9, Xid: "app:1:9", ResourceID: "db1",
		BranchType: dtx.BranchTypeAT, Status: status,
	}
}

func TestCommitDeletesUndoLog(t *testing.T) {
	var stmts []string
	h := NewHandler()
	h.Register("db1", recordingDB{stmts: &stmts})

	res := h.Commit(context.Background(), atBranch(dtx.BranchPhaseOneDone))
	require.True(t, res.Success())
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "DELETE FROM undo_log")
}

func TestRollbackMissingUndoLogPolicy(t *testing.T) {
	h := NewHandler()
	h.Register("db1", noUndoDB{})

	// Phase 1 never completed: the local transaction rolled back on its
	// own, nothing to undo.
	for _, st := range []dtx.BranchStatus{
		dtx.BranchRegistered, dtx.BranchPhaseOneFailed, dtx.BranchTimeout,
	} {
		res := h.Rollback(context.Background(), atBranch(st))
		assert.True(t, res.Success(), st.String())
	}

	// Re-delivery of a rollback interrupted mid drive succeeds as well; a
	// prior attempt may already have compensated and retired the row.
	res := h.Rollback(context.Background(), atBranch(dtx.BranchPhaseTwoRollbacking))
	assert.True(t, res.Success())

	// Phase 1 done but the undo row is gone: a real compensation failure.
	res = h.Rollback(context.Background(), atBranch(dtx.BranchPhaseOneDone))
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusFailure, res.Status)
}

func TestUnknownResource(t *testing.T) {
	h := NewHandler()
	res := h.Rollback(context.Background(), atBranch(dtx.BranchRegistered))
	assert.Equal(t, rm.StatusResourceError, res.Status)

	res = h.Commit(context.Background(), atBranch(dtx.BranchPhaseOneDone))
	assert.Equal(t, rm.StatusResourceError, res.Status)
}
