package client

import (
	"context"

	"github.com/sharedcode/dtx"
)

// TxContext is the per-goroutine transaction state the interceptor binds
// into the context.
type TxContext struct {
	Xid             string
	BranchID        int64
	TransactionName string
	ResourceGroupID string
	TimeoutMs       int64
	Client          *TcClient
}

type txContextKey struct{}

// BindTxContext attaches tx to ctx, also binding the xid for the
// data-source interceptor.
func BindTxContext(ctx context.Context, tx *TxContext) context.Context {
	ctx = context.WithValue(ctx, txContextKey{}, tx)
	if tx != nil {
		ctx = dtx.ContextWithXid(ctx, tx.Xid)
	}
	return ctx
}

// TxFromContext returns the bound transaction state, nil outside a global
// transaction.
func TxFromContext(ctx context.Context) *TxContext {
	tx, _ := ctx.Value(txContextKey{}).(*TxContext)
	return tx
}

// InGlobalTransaction reports whether ctx carries an active xid.
func InGlobalTransaction(ctx context.Context) bool {
	return dtx.XidFromContext(ctx) != ""
}

// Wrap carries the transaction binding into a context derived elsewhere,
// for handing work to another goroutine without the rest of the parent's
// values or deadline.
func Wrap(ctx context.Context) context.Context {
	out := context.Background()
	if tx := TxFromContext(ctx); tx != nil {
		out = BindTxContext(out, tx)
	} else if xid := dtx.XidFromContext(ctx); xid != "" {
		out = dtx.ContextWithXid(out, xid)
	}
	return out
}
