package tcc

import (
	"context"
	log "log/slog"
	"strings"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

// Handler drives phase 2 for TCC branches. Resource ids carry an optional
// "tcc:" prefix; the remainder resolves against the registry.
type Handler struct {
	registry *Registry
	markers  MarkerStore
}

func NewHandler(registry *Registry, markers MarkerStore) *Handler {
	if markers == nil {
		markers = NewInMemoryMarkers()
	}
	return &Handler{registry: registry, markers: markers}
}

func resourceName(resourceID string) string {
	return strings.TrimPrefix(resourceID, "tcc:")
}

// BeginTry records the try marker before the business try executes. A
// branch whose cancel already ran without a try is suspended; its late try
// is rejected so the business work never happens.
func (h *Handler) BeginTry(ctx context.Context, xid string, branchID int64) error {
	won, cur, err := h.markers.SetIfAbsent(ctx, xid, branchID, MarkerTried)
	if err != nil {
		return err
	}
	if !won && cur == MarkerCancelledNoTry {
		return dtx.Errf(dtx.ErrGlobalNotActive,
			"branch %d of %s was cancelled before its try arrived", branchID, xid)
	}
	return nil
}

// Commit confirms the branch. Re-delivery of a confirmed branch is a no-op;
// confirming a cancelled branch is a hard failure.
func (h *Handler) Commit(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	res, ok := h.registry.Resolve(resourceName(b.ResourceID))
	if !ok {
		return rm.Result(rm.StatusResourceError,
			dtx.Errf(dtx.ErrResourceNotFound, "unknown tcc resource %s", b.ResourceID))
	}
	marker, err := h.markers.Get(ctx, b.Xid, b.BranchID)
	if err != nil {
		return rm.FromError(err)
	}
	switch marker {
	case MarkerConfirmed:
		return rm.OK()
	case MarkerCancelled, MarkerCancelledNoTry:
		return rm.Result(rm.StatusNonRetryableError,
			dtx.Errf(dtx.ErrInternal, "branch %d of %s already cancelled", b.BranchID, b.Xid))
	}
	if err := res.Confirm(ctx, b); err != nil {
		return rm.FromError(err)
	}
	if err := h.markers.Set(ctx, b.Xid, b.BranchID, MarkerConfirmed); err != nil {
		// The confirm itself succeeded; a lost marker only costs one
		// redundant (idempotent) re-confirm on retry.
		log.Warn("confirm marker write failed", "xid", b.Xid, "branchId", b.BranchID, "error", err)
	}
	return rm.OK()
}

// Rollback cancels the branch. A cancel that arrives before the try writes
// the cancelled-no-try marker and succeeds without invoking the business
// cancel; the marker then rejects the late try.
func (h *Handler) Rollback(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	res, ok := h.registry.Resolve(resourceName(b.ResourceID))
	if !ok {
		return rm.Result(rm.StatusResourceError,
			dtx.Errf(dtx.ErrResourceNotFound, "unknown tcc resource %s", b.ResourceID))
	}
	won, cur, err := h.markers.SetIfAbsent(ctx, b.Xid, b.BranchID, MarkerCancelledNoTry)
	if err != nil {
		return rm.FromError(err)
	}
	if won {
		log.Info("cancel before try, suspension defused", "xid", b.Xid, "branchId", b.BranchID)
		return rm.OK()
	}
	switch cur {
	case MarkerCancelled, MarkerCancelledNoTry:
		return rm.OK()
	case MarkerConfirmed:
		return rm.Result(rm.StatusNonRetryableError,
			dtx.Errf(dtx.ErrInternal, "branch %d of %s already confirmed", b.BranchID, b.Xid))
	}
	if err := res.Cancel(ctx, b); err != nil {
		return rm.FromError(err)
	}
	if err := h.markers.Set(ctx, b.Xid, b.BranchID, MarkerCancelled); err != nil {
		log.Warn("cancel marker write failed", "xid", b.Xid, "branchId", b.BranchID, "error", err)
	}
	return rm.OK()
}
