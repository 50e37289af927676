package client

import (
	"context"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/wire"
)

// Future is the async form of a coordinator call. Get blocks until the
// response arrives or ctx expires; the call itself keeps running under the
// deadline it was issued with.
type Future struct {
	done chan struct{}
	res  *wire.Result
	err  error
}

func (tc *TcClient) async(ctx context.Context, t wire.MessageType, body any) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		f.res, f.err = tc.call(ctx, t, body)
		close(f.done)
	}()
	return f
}

func (f *Future) wait(ctx context.Context) (*wire.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, dtx.Error{Code: dtx.ErrTimeout, Err: ctx.Err()}
	}
}

// BeginAsync starts a global transaction without blocking.
func (tc *TcClient) BeginAsync(ctx context.Context, name string, timeoutMs int64) *Future {
	return tc.async(ctx, wire.TypeGlobalBegin, &wire.GlobalBeginRequest{
		ApplicationID:   tc.applicationID,
		TransactionName: name,
		TimeoutMs:       timeoutMs,
	})
}

// CommitAsync drives global commit without blocking.
func (tc *TcClient) CommitAsync(ctx context.Context, xid string) *Future {
	return tc.async(ctx, wire.TypeGlobalCommit, &wire.GlobalActionRequest{Xid: xid})
}

// RollbackAsync drives global rollback without blocking.
func (tc *TcClient) RollbackAsync(ctx context.Context, xid string) *Future {
	return tc.async(ctx, wire.TypeGlobalRollback, &wire.GlobalActionRequest{Xid: xid})
}

// Xid resolves a begin future.
func (f *Future) Xid(ctx context.Context) (string, error) {
	res, err := f.wait(ctx)
	if err != nil {
		return "", err
	}
	return res.Xid, nil
}

// Status resolves a commit/rollback/status future.
func (f *Future) Status(ctx context.Context) (dtx.GlobalStatus, error) {
	res, err := f.wait(ctx)
	if err != nil {
		if res != nil {
			return res.Status, err
		}
		return dtx.StatusUnknown, err
	}
	return res.Status, nil
}
