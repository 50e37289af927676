package xa

import (
	"context"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

type recordingExecer struct {
	stmts []string
	err   error
}

func (e *recordingExecer) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	e.stmts = append(e.stmts, sql)
	return pgconn.CommandTag("COMMIT PREPARED"), e.err
}

func xaBranch(resource string) *dtx.BranchTransaction {
	return &dtx.BranchTransaction{BranchID: 3, Xid: "app:1:1", ResourceID: resource, BranchType: dtx.BranchTypeXA}
}

func TestCommitIssuesCommitPrepared(t *testing.T) {
	db := &recordingExecer{}
	h := NewHandler()
	h.Register("pool1", db)

	res := h.Commit(context.Background(), xaBranch("xa:pool1:gid-42"))
	require.True(t, res.Success())
	require.Len(t, db.stmts, 1)
	assert.Equal(t, "COMMIT PREPARED 'gid-42'", db.stmts[0])
}

func TestRollbackIssuesRollbackPrepared(t *testing.T) {
	db := &recordingExecer{}
	h := NewHandler()
	h.Register("pool1", db)

	res := h.Rollback(context.Background(), xaBranch("xa:pool1:gid-42"))
	require.True(t, res.Success())
	assert.Equal(t, "ROLLBACK PREPARED 'gid-42'", db.stmts[0])
}

func TestGidQuoting(t *testing.T) {
	db := &recordingExecer{}
	h := NewHandler()
	h.Register("pool1", db)

	res := h.Commit(context.Background(), xaBranch("xa:pool1:o'brien"))
	require.True(t, res.Success())
	assert.Equal(t, "COMMIT PREPARED 'o''brien'", db.stmts[0])
}

func TestVanishedPreparedTransactionIsSuccess(t *testing.T) {
	db := &recordingExecer{err: &pgconn.PgError{Code: "42704"}}
	h := NewHandler()
	h.Register("pool1", db)

	res := h.Commit(context.Background(), xaBranch("xa:pool1:gid"))
	assert.True(t, res.Success(), "re-delivery after a finished prepared tx must succeed")
}

func TestNewResourceIDRoundTrip(t *testing.T) {
	db := &recordingExecer{}
	h := NewHandler()
	h.Register("pool1", db)

	id := NewResourceID("pool1")
	other := NewResourceID("pool1")
	require.NotEqual(t, id, other)

	res := h.Commit(context.Background(), xaBranch(id))
	require.True(t, res.Success())
	require.Len(t, db.stmts, 1)
	assert.Contains(t, db.stmts[0], "COMMIT PREPARED")
}

func TestMalformedResourceID(t *testing.T) {
	h := NewHandler()
	h.Register("pool1", &recordingExecer{})

	for _, id := range []string{"pool1:gid", "xa:pool1", "xa::gid", "xa:pool1:"} {
		res := h.Commit(context.Background(), xaBranch(id))
		require.False(t, res.Success(), id)
	}

	res := h.Commit(context.Background(), xaBranch("xa:other:gid"))
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusResourceError, res.Status)
}
