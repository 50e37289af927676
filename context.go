package dtx

import "context"

type contextKey int

const (
	xidKey contextKey = iota
	branchIDKey
)

// ContextWithXid binds the active global transaction id to the context.
// The data-source interceptor only activates when a context carries an xid.
func ContextWithXid(ctx context.Context, xid string) context.Context {
	return context.WithValue(ctx, xidKey, xid)
}

// XidFromContext returns the bound xid, or "" outside a global transaction.
func XidFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(xidKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithBranchID binds the current branch id to the context.
func ContextWithBranchID(ctx context.Context, branchID int64) context.Context {
	return context.WithValue(ctx, branchIDKey, branchID)
}

// BranchIDFromContext returns the bound branch id, or 0.
func BranchIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(branchIDKey).(int64); ok {
		return v
	}
	return 0
}
