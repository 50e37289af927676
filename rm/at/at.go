// Package at drives phase 2 for AT-mode branches against the business
// database: commit retires the undo log, rollback replays it in reverse.
package at

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/datasource"
	"github.com/sharedcode/dtx/rm"
)

// Handler resolves a branch's resource id to a business database and runs
// the AT phase-2 operations on it.
type Handler struct {
	mu        sync.RWMutex
	resources map[string]datasource.Beginner
}

func NewHandler() *Handler {
	return &Handler{resources: make(map[string]datasource.Beginner)}
}

// Register binds a resource id to its business database.
func (h *Handler) Register(resourceID string, db datasource.Beginner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resources[resourceID] = db
}

func (h *Handler) resource(id string) (datasource.Beginner, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	db, ok := h.resources[id]
	return db, ok
}

// Commit deletes the branch's undo log. The business writes already
// committed in phase 1; nothing else is needed.
func (h *Handler) Commit(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	db, ok := h.resource(b.ResourceID)
	if !ok {
		return rm.Result(rm.StatusResourceError,
			dtx.Errf(dtx.ErrResourceNotFound, "unknown resource %s", b.ResourceID))
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return rm.FromError(dtx.Error{Code: dtx.ErrNetwork, Err: err})
	}
	defer tx.Rollback(ctx)
	if err := datasource.DeleteUndoLog(ctx, tx, b.Xid, b.BranchID); err != nil {
		return rm.FromError(dtx.Error{Code: dtx.ErrInternal, Err: err})
	}
	if err := tx.Commit(ctx); err != nil {
		return rm.FromError(dtx.Error{Code: dtx.ErrNetwork, Err: err})
	}
	return rm.OK()
}

// Rollback compensates the branch by replaying its undo log in reverse.
// A missing undo log is success when phase 1 never completed (the local
// transaction rolled back on its own, leaving nothing to undo) and a
// failure otherwise. A dirty write aborts without retry.
func (h *Handler) Rollback(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	db, ok := h.resource(b.ResourceID)
	if !ok {
		return rm.Result(rm.StatusResourceError,
			dtx.Errf(dtx.ErrResourceNotFound, "unknown resource %s", b.ResourceID))
	}
	err := datasource.Compensate(ctx, db, b.Xid, b.BranchID)
	if err == nil {
		return rm.OK()
	}
	if dtx.IsCode(err, dtx.ErrNoUndoLog) {
		switch b.Status {
		case dtx.BranchRegistered, dtx.BranchPhaseOneFailed, dtx.BranchTimeout:
			log.Info("no undo log for branch that never finished phase 1, treating as rolled back",
				"xid", b.Xid, "branchId", b.BranchID)
			return rm.OK()
		case dtx.BranchPhaseTwoRollbacking:
			// Re-delivery after a crash mid rollback: either phase 1 never
			// committed, or an earlier attempt already compensated and
			// retired the undo row. Both are rolled back.
			log.Info("no undo log on rollback re-delivery, treating as rolled back",
				"xid", b.Xid, "branchId", b.BranchID)
			return rm.OK()
		}
		return rm.Result(rm.StatusFailure, err)
	}
	if dtx.IsCode(err, dtx.ErrDirtyWrite) {
		return rm.Result(rm.StatusNonRetryableError, err)
	}
	return rm.FromError(err)
}
