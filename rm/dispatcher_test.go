package rm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
)

type scriptedHandler struct {
	results  []CommunicationResult
	attempts int
	lastOp   Op
}

func (h *scriptedHandler) next() CommunicationResult {
	i := h.attempts
	if i >= len(h.results) {
		i = len(h.results) - 1
	}
	h.attempts++
	return h.results[i]
}

func (h *scriptedHandler) Commit(_ context.Context, _ *dtx.BranchTransaction) CommunicationResult {
	h.lastOp = OpCommit
	return h.next()
}

func (h *scriptedHandler) Rollback(_ context.Context, _ *dtx.BranchTransaction) CommunicationResult {
	h.lastOp = OpRollback
	return h.next()
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		Multiplier:      1.5,
		MaxInterval:     5 * time.Millisecond,
	}
}

func branch(t dtx.BranchType) *dtx.BranchTransaction {
	return &dtx.BranchTransaction{BranchID: 1, Xid: "x", ResourceID: "r", BranchType: t}
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	h := &scriptedHandler{results: []CommunicationResult{
		Result(StatusNetworkError, dtx.Errf(dtx.ErrNetwork, "down")),
		Result(StatusTimeout, dtx.Errf(dtx.ErrTimeout, "slow")),
		OK(),
	}}
	d := NewDispatcher()
	d.Register(dtx.BranchTypeAT, h)
	d.SetPolicy(dtx.BranchTypeAT, fastPolicy(5))

	res := d.Dispatch(context.Background(), branch(dtx.BranchTypeAT), OpCommit)
	assert.True(t, res.Success())
	assert.Equal(t, 3, h.attempts, "two failures before the success")
	assert.Equal(t, OpCommit, h.lastOp)
}

func TestDispatchStopsAtAttemptCeiling(t *testing.T) {
	h := &scriptedHandler{results: []CommunicationResult{
		Result(StatusNetworkError, dtx.Errf(dtx.ErrNetwork, "down")),
	}}
	d := NewDispatcher()
	d.Register(dtx.BranchTypeMQ, h)
	d.SetPolicy(dtx.BranchTypeMQ, fastPolicy(3))

	res := d.Dispatch(context.Background(), branch(dtx.BranchTypeMQ), OpRollback)
	assert.False(t, res.Success())
	assert.Equal(t, StatusNetworkError, res.Status)
	assert.Equal(t, 3, h.attempts)
}

func TestDispatchNonRetryableAbortsImmediately(t *testing.T) {
	h := &scriptedHandler{results: []CommunicationResult{
		Result(StatusNonRetryableError, dtx.Errf(dtx.ErrDirtyWrite, "diverged")),
		OK(),
	}}
	d := NewDispatcher()
	d.Register(dtx.BranchTypeAT, h)
	d.SetPolicy(dtx.BranchTypeAT, fastPolicy(5))

	res := d.Dispatch(context.Background(), branch(dtx.BranchTypeAT), OpRollback)
	assert.False(t, res.Success())
	assert.Equal(t, StatusNonRetryableError, res.Status)
	assert.Equal(t, 1, h.attempts, "no second attempt after a non-retryable failure")
}

func TestDispatchUnknownBranchType(t *testing.T) {
	d := NewDispatcher()
	res := d.Dispatch(context.Background(), branch(dtx.BranchTypeXA), OpCommit)
	require.False(t, res.Success())
	assert.Equal(t, StatusResourceError, res.Status)
	assert.True(t, dtx.IsCode(res.Err, dtx.ErrResourceNotFound))
}

func TestFromErrorMapping(t *testing.T) {
	cases := []struct {
		code dtx.ErrorCode
		want CommStatus
	}{
		{dtx.ErrTimeout, StatusTimeout},
		{dtx.ErrNetwork, StatusNetworkError},
		{dtx.ErrWire, StatusNetworkError},
		{dtx.ErrProtocol, StatusProtocolError},
		{dtx.ErrAuth, StatusAuthError},
		{dtx.ErrResourceNotFound, StatusResourceError},
		{dtx.ErrDirtyWrite, StatusNonRetryableError},
		{dtx.ErrNoUndoLog, StatusFailure},
	}
	for _, c := range cases {
		got := FromError(dtx.Error{Code: c.code})
		assert.Equal(t, c.want, got.Status, c.code.String())
	}
	assert.True(t, FromError(nil).Success())
}

func TestClassifyResource(t *testing.T) {
	assert.Equal(t, dtx.BranchTypeHTTP, ClassifyResource("https://svc/api"))
	assert.Equal(t, dtx.BranchTypeMQ, ClassifyResource("mq:orders"))
	assert.Equal(t, dtx.BranchTypeXA, ClassifyResource("xa:pool1:gid"))
	assert.Equal(t, dtx.BranchTypeTCC, ClassifyResource("tcc:inventory"))
	assert.Equal(t, dtx.BranchTypeAT, ClassifyResource("postgres://db1"))
}
