// Package store defines durable storage of global and branch transaction
// records for the coordinator, plus an in-memory implementation used by
// tests and standalone deployments. The Postgres implementation lives in
// the pg subpackage.
package store

import (
	"context"

	"github.com/sharedcode/dtx"
)

// Store persists global and branch transaction records. Implementations
// must be safe for concurrent use; the coordinator serializes mutations
// per xid above this layer.
type Store interface {
	// CreateGlobal inserts a new global transaction record.
	CreateGlobal(ctx context.Context, g *dtx.GlobalTransaction) error
	// GetGlobal fetches a global transaction, or ErrGlobalNotFound.
	GetGlobal(ctx context.Context, xid string) (*dtx.GlobalTransaction, error)
	// UpdateGlobalStatus moves a global transaction to the given status.
	UpdateGlobalStatus(ctx context.Context, xid string, status dtx.GlobalStatus) error
	// ListNonTerminalGlobals returns every global transaction that has not
	// reached a terminal state and began at or before beforeMs.
	ListNonTerminalGlobals(ctx context.Context, beforeMs int64) ([]*dtx.GlobalTransaction, error)

	// CreateBranch inserts a new branch record.
	CreateBranch(ctx context.Context, b *dtx.BranchTransaction) error
	// GetBranch fetches a branch by id, or ErrBranchNotFound.
	GetBranch(ctx context.Context, branchID int64) (*dtx.BranchTransaction, error)
	// UpdateBranchStatus moves a branch to the given status; endTimeMs is
	// recorded when the status is terminal.
	UpdateBranchStatus(ctx context.Context, branchID int64, status dtx.BranchStatus, endTimeMs int64) error
	// ListBranches returns the branches of a global transaction in
	// registration order.
	ListBranches(ctx context.Context, xid string) ([]*dtx.BranchTransaction, error)
	// ListNonTerminalBranches returns every branch not yet in a terminal
	// state, for the branch timeout sweep.
	ListNonTerminalBranches(ctx context.Context) ([]*dtx.BranchTransaction, error)
	// ListFailedBranches returns branches stuck in a phase-2 failed state,
	// for operator review.
	ListFailedBranches(ctx context.Context) ([]*dtx.BranchTransaction, error)

	// PurgeTerminal removes terminal global transactions (and their
	// branches) whose begin time is older than beforeMs. Retention keeps
	// them around for idempotent status queries first.
	PurgeTerminal(ctx context.Context, beforeMs int64) (int, error)

	Close()
}
