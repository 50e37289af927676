package client

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/dtx"
)

// Propagation controls how the interceptor treats an ambient transaction.
type Propagation int

const (
	// PropagationRequired joins the ambient transaction when there is one,
	// otherwise begins a new one.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew always begins a new transaction, suspending
	// any ambient one for the duration of fn.
	PropagationRequiresNew
)

// TxOptions configures one interceptor invocation.
type TxOptions struct {
	Name        string
	TimeoutMs   int64
	Propagation Propagation
}

// WithGlobalTransaction runs fn inside a global transaction: begin, invoke
// with the xid bound into ctx, then commit on success or rollback when fn
// returns an error or panics. When fn joins an ambient transaction the
// outcome is left to the outermost owner.
func (tc *TcClient) WithGlobalTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	if opts.Propagation == PropagationRequired && InGlobalTransaction(ctx) {
		return fn(ctx)
	}
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = dtx.DefaultTimeoutMs
	}

	xid, err := tc.Begin(ctx, opts.Name, opts.TimeoutMs)
	if err != nil {
		return fmt.Errorf("begin global transaction %q: %w", opts.Name, err)
	}
	txCtx := BindTxContext(ctx, &TxContext{
		Xid:             xid,
		TransactionName: opts.Name,
		TimeoutMs:       opts.TimeoutMs,
		Client:          tc,
	})

	err = tc.invoke(txCtx, fn)
	if err != nil {
		if status, rbErr := tc.Rollback(ctx, xid); rbErr != nil {
			log.Error("rollback after business failure", "xid", xid,
				"status", status.String(), "error", rbErr)
			return fmt.Errorf("business error: %w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	status, err := tc.Commit(ctx, xid)
	if err != nil {
		return fmt.Errorf("commit %s: %w", xid, err)
	}
	if status != dtx.StatusCommitted && status != dtx.StatusFinished {
		return dtx.Errf(dtx.ErrInternal, "global transaction %s ended %s", xid, status)
	}
	return nil
}

// invoke runs fn, converting a panic into an error so the rollback path
// still runs.
func (tc *TcClient) invoke(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("business function panicked: %v", r)
		}
	}()
	return fn(ctx)
}
