package tcc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

func tccBranch(resource string) *dtx.BranchTransaction {
	return &dtx.BranchTransaction{
		BranchID:   5,
		Xid:        "app:1:1",
		ResourceID: resource,
		BranchType: dtx.BranchTypeTCC,
	}
}

type counters struct {
	confirms, cancels int
}

func newTestHandler(t *testing.T, c *counters) *Handler {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("inventory",
		func() error { c.confirms++; return nil },
		func(xid string) error { c.cancels++; return nil }))
	return NewHandler(reg, NewInMemoryMarkers())
}

func TestConfirmAfterTry(t *testing.T) {
	ctx := context.Background()
	var c counters
	h := newTestHandler(t, &c)

	require.NoError(t, h.BeginTry(ctx, "app:1:1", 5))
	res := h.Commit(ctx, tccBranch("tcc:inventory"))
	require.True(t, res.Success())
	assert.Equal(t, 1, c.confirms)

	// Re-delivered confirm is absorbed by the marker.
	res = h.Commit(ctx, tccBranch("tcc:inventory"))
	require.True(t, res.Success())
	assert.Equal(t, 1, c.confirms)
}

func TestCancelAfterTry(t *testing.T) {
	ctx := context.Background()
	var c counters
	h := newTestHandler(t, &c)

	require.NoError(t, h.BeginTry(ctx, "app:1:1", 5))
	res := h.Rollback(ctx, tccBranch("tcc:inventory"))
	require.True(t, res.Success())
	assert.Equal(t, 1, c.cancels)

	res = h.Rollback(ctx, tccBranch("tcc:inventory"))
	require.True(t, res.Success())
	assert.Equal(t, 1, c.cancels, "re-delivered cancel must be idempotent")
}

func TestCancelBeforeTrySuspension(t *testing.T) {
	ctx := context.Background()
	var c counters
	h := newTestHandler(t, &c)

	// Cancel arrives first: success without invoking the business cancel.
	res := h.Rollback(ctx, tccBranch("tcc:inventory"))
	require.True(t, res.Success())
	assert.Equal(t, 0, c.cancels)

	// The late try must be rejected so no orphaned work happens.
	err := h.BeginTry(ctx, "app:1:1", 5)
	require.Error(t, err)
	assert.True(t, dtx.IsCode(err, dtx.ErrGlobalNotActive))
}

func TestConfirmCancelConflicts(t *testing.T) {
	ctx := context.Background()
	var c counters
	h := newTestHandler(t, &c)

	require.NoError(t, h.BeginTry(ctx, "app:1:1", 5))
	require.True(t, h.Commit(ctx, tccBranch("tcc:inventory")).Success())

	res := h.Rollback(ctx, tccBranch("tcc:inventory"))
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusNonRetryableError, res.Status)

	// And the mirror image: confirm after cancel.
	h2 := newTestHandler(t, &counters{})
	require.NoError(t, h2.BeginTry(ctx, "app:1:1", 5))
	require.True(t, h2.Rollback(ctx, tccBranch("tcc:inventory")).Success())
	res = h2.Commit(ctx, tccBranch("tcc:inventory"))
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusNonRetryableError, res.Status)
}

func TestUnknownResource(t *testing.T) {
	var c counters
	h := newTestHandler(t, &c)
	res := h.Commit(context.Background(), tccBranch("tcc:unknown"))
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusResourceError, res.Status)
}

func TestAdaptCallbackSignatures(t *testing.T) {
	b := tccBranch("tcc:x")
	ctx := context.Background()

	var got []string
	for _, fn := range []any{
		func() error { got = append(got, "plain"); return nil },
		func(xid string) error { got = append(got, "xid:"+xid); return nil },
		func(xid string, branchID int64) error { got = append(got, "pair"); return nil },
		func(bt dtx.BranchTransaction) error { got = append(got, "branch:"+bt.Xid); return nil },
	} {
		cb, err := AdaptCallback(fn)
		require.NoError(t, err)
		require.NoError(t, cb(ctx, b))
	}
	assert.Equal(t, []string{"plain", "xid:app:1:1", "pair", "branch:app:1:1"}, got)

	_, err := AdaptCallback(func(n int) error { return nil })
	require.Error(t, err)
}

type inventoryService struct {
	confirmed, cancelled int
}

func (s *inventoryService) Confirm(xid string) error { s.confirmed++; return nil }
func (s *inventoryService) Cancel(xid string) error  { s.cancelled++; return nil }

type stockServiceImpl struct {
	executed, compensated int
}

func (s *stockServiceImpl) Execute() error    { s.executed++; return nil }
func (s *stockServiceImpl) Compensate() error { s.compensated++; return nil }

func TestRegisterServiceDiscovery(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	svc := &inventoryService{}
	require.NoError(t, reg.RegisterService(svc))
	res, ok := reg.Resolve("inventory")
	require.True(t, ok, "type name minus Service suffix, lower-cased")
	require.NoError(t, res.Confirm(ctx, tccBranch("tcc:inventory")))
	require.NoError(t, res.Cancel(ctx, tccBranch("tcc:inventory")))
	assert.Equal(t, 1, svc.confirmed)
	assert.Equal(t, 1, svc.cancelled)

	stock := &stockServiceImpl{}
	require.NoError(t, reg.RegisterService(stock))
	res, ok = reg.Resolve("stock")
	require.True(t, ok, "ServiceImpl suffix trimmed")
	require.NoError(t, res.Confirm(ctx, tccBranch("tcc:stock")))
	assert.Equal(t, 1, stock.executed)
}

type namedService struct{}

func (namedService) ResourceName() string { return "custom-name" }
func (namedService) Confirm() error       { return nil }
func (namedService) Cancel() error        { return nil }

func TestRegisterServiceNamed(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterService(namedService{}))
	_, ok := reg.Resolve("custom-name")
	assert.True(t, ok)
}

func TestMarkerStoreSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryMarkers()

	won, cur, err := s.SetIfAbsent(ctx, "x", 1, MarkerTried)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, MarkerTried, cur)

	won, cur, err = s.SetIfAbsent(ctx, "x", 1, MarkerCancelledNoTry)
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, MarkerTried, cur)

	require.NoError(t, s.Set(ctx, "x", 1, MarkerConfirmed))
	got, err := s.Get(ctx, "x", 1)
	require.NoError(t, err)
	assert.Equal(t, MarkerConfirmed, got)
}
