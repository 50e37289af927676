// Package tc implements the transaction coordinator: the global/branch
// state machines, global lock arbitration, the phase-2 driver, the timeout
// scanner and the framed TCP server front end.
package tc

import (
	"context"
	log "log/slog"
	"sync/atomic"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/lock"
	"github.com/sharedcode/dtx/rm"
	"github.com/sharedcode/dtx/store"
)

// maxParallelBranches bounds phase-2 fan-out within one global transaction.
const maxParallelBranches = 8

// Coordinator owns the lifecycle of global and branch transactions.
type Coordinator struct {
	cfg        dtx.Config
	store      store.Store
	locks      lock.Manager
	dispatcher *rm.Dispatcher
	xids       *dtx.XIDGenerator
	branchIDs  *dtx.BranchIDAllocator

	// Per-xid serialization; operations on distinct xids run in parallel.
	xidMu *keyedMutex
}

// New builds a coordinator over the given store, lock manager and phase-2
// dispatcher.
func New(cfg dtx.Config, st store.Store, locks lock.Manager, dispatcher *rm.Dispatcher) (*Coordinator, error) {
	alloc, err := dtx.NewBranchIDAllocator(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:        cfg,
		store:      st,
		locks:      locks,
		dispatcher: dispatcher,
		xids:       dtx.NewXIDGenerator(),
		branchIDs:  alloc,
		xidMu:      newKeyedMutex(),
	}, nil
}

// Begin starts a global transaction and returns its xid. The caller's
// timeout is authoritative, clamped into the supported range.
func (c *Coordinator) Begin(ctx context.Context, applicationID, name string, timeoutMs int64, appData []byte) (string, error) {
	g := &dtx.GlobalTransaction{
		Xid:             c.xids.Next(applicationID),
		Status:          dtx.StatusBegin,
		ApplicationID:   applicationID,
		TransactionName: name,
		TimeoutMs:       dtx.ClampTimeout(timeoutMs),
		BeginTimeMs:     dtx.NowMs(),
		ApplicationData: appData,
	}
	if err := c.store.CreateGlobal(ctx, g); err != nil {
		return "", err
	}
	log.Info("begin global transaction", "xid", g.Xid, "name", name, "timeoutMs", g.TimeoutMs)
	return g.Xid, nil
}

// RegisterBranch enrolls a participant into a global transaction, acquiring
// global row locks first for AT branches.
func (c *Coordinator) RegisterBranch(ctx context.Context, b *dtx.BranchTransaction) (int64, error) {
	c.xidMu.lock(b.Xid)
	defer c.xidMu.unlock(b.Xid)

	g, err := c.store.GetGlobal(ctx, b.Xid)
	if err != nil {
		return 0, err
	}
	if !g.Status.IsActive() {
		return 0, dtx.Errf(dtx.ErrGlobalNotActive,
			"global transaction %s is %s, registration rejected", g.Xid, g.Status)
	}

	branchID := c.branchIDs.Next()
	branchType := b.BranchType
	if branchType == dtx.BranchTypeAT {
		// Default-typed registrations are routed by the resource id's shape
		// (http://, mq:, xa:, tcc: prefixes).
		branchType = rm.ClassifyResource(b.ResourceID)
	}
	var rowKeys []string
	if branchType == dtx.BranchTypeAT && b.LockKey != "" {
		rowKeys, err = dtx.SplitLockKey(b.ResourceID, b.LockKey)
		if err != nil {
			return 0, dtx.Error{Code: dtx.ErrProtocol, Err: err}
		}
		if err := c.acquireWithRetry(ctx, b.Xid, branchID, rowKeys); err != nil {
			return 0, err
		}
	}

	nb := *b
	nb.BranchType = branchType
	nb.BranchID = branchID
	nb.Status = dtx.BranchRegistered
	nb.BeginTimeMs = dtx.NowMs()
	nb.TimeoutMs = dtx.ClampBranchTimeout(nb.TimeoutMs)
	if err := c.store.CreateBranch(ctx, &nb); err != nil {
		// Branch record failed; give back this registration's row locks, but
		// only those, so registered sibling branches of the xid keep theirs.
		if drop := c.unsharedKeys(ctx, b.Xid, rowKeys); len(drop) > 0 {
			if rerr := c.locks.ReleaseKeys(ctx, b.Xid, drop); rerr != nil {
				log.Error("lock release after failed registration", "xid", b.Xid, "error", rerr)
			}
		}
		return 0, err
	}
	log.Info("register branch", "xid", b.Xid, "branchId", branchID,
		"type", nb.BranchType.String(), "resource", nb.ResourceID)
	return branchID, nil
}

// acquireWithRetry tries the whole lock set with a bounded, jittered retry
// loop. The per-attempt interval and ceiling come from configuration
// (lock.retryIntervalMs x lock.maxRetries).
func (c *Coordinator) acquireWithRetry(ctx context.Context, xid string, branchID int64, rowKeys []string) error {
	interval := time.Duration(c.cfg.Lock.RetryIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	maxRetries := c.cfg.Lock.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 30
	}
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			dtx.RandomSleepWithUnit(ctx, interval)
			if ctx.Err() != nil {
				return dtx.Error{Code: dtx.ErrTimeout, Err: ctx.Err()}
			}
		}
		err = c.locks.Acquire(ctx, xid, branchID, rowKeys)
		if err == nil {
			return nil
		}
		if !dtx.IsCode(err, dtx.ErrLockConflict) {
			return err
		}
	}
	return err
}

// unsharedKeys filters rowKeys down to those no registered branch of the
// xid also locks. Acquisition is idempotent per xid, so a failed
// registration may have re-acquired keys a sibling branch still needs.
func (c *Coordinator) unsharedKeys(ctx context.Context, xid string, rowKeys []string) []string {
	if len(rowKeys) == 0 {
		return nil
	}
	held := make(map[string]bool)
	branches, err := c.store.ListBranches(ctx, xid)
	if err != nil {
		log.Error("sibling lock scan failed, keeping locks", "xid", xid, "error", err)
		return nil
	}
	for _, sb := range branches {
		if sb.LockKey == "" {
			continue
		}
		keys, err := dtx.SplitLockKey(sb.ResourceID, sb.LockKey)
		if err != nil {
			continue
		}
		for _, k := range keys {
			held[k] = true
		}
	}
	var out []string
	for _, rk := range rowKeys {
		if !held[rk] {
			out = append(out, rk)
		}
	}
	return out
}

// ReportBranchStatus applies a phase-1 outcome report. Only forward
// transitions are applied; repeated or backward reports are discarded.
func (c *Coordinator) ReportBranchStatus(ctx context.Context, branchID int64, status dtx.BranchStatus) error {
	b, err := c.store.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	c.xidMu.lock(b.Xid)
	defer c.xidMu.unlock(b.Xid)

	// Re-read under the xid lock; the driver may have moved the branch.
	b, err = c.store.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if !dtx.ForwardTransition(b.Status, status) {
		log.Debug("discarding non-forward branch report",
			"branchId", branchID, "from", b.Status.String(), "to", status.String())
		return nil
	}
	return c.store.UpdateBranchStatus(ctx, branchID, status, dtx.NowMs())
}

// GlobalStatus returns the current status of a global transaction.
func (c *Coordinator) GlobalStatus(ctx context.Context, xid string) (dtx.GlobalStatus, error) {
	g, err := c.store.GetGlobal(ctx, xid)
	if err != nil {
		return dtx.StatusUnknown, err
	}
	return g.Status, nil
}

// GlobalCommit drives the commit path of a global transaction and returns
// its final status. Re-committing a transaction that already terminated on
// the commit path returns the stored outcome; commit of a transaction on
// the rollback path is rejected.
func (c *Coordinator) GlobalCommit(ctx context.Context, xid string) (dtx.GlobalStatus, error) {
	c.xidMu.lock(xid)
	defer c.xidMu.unlock(xid)

	g, err := c.store.GetGlobal(ctx, xid)
	if err != nil {
		return dtx.StatusUnknown, err
	}
	switch g.Status {
	case dtx.StatusCommitted, dtx.StatusCommitFailed, dtx.StatusFinished:
		return g.Status, nil
	case dtx.StatusBegin, dtx.StatusCommitting:
		// Proceed (Committing means a prior drive was interrupted).
	default:
		return g.Status, dtx.Errf(dtx.ErrGlobalNotActive,
			"global transaction %s is %s, commit rejected", xid, g.Status)
	}

	if err := c.store.UpdateGlobalStatus(ctx, xid, dtx.StatusCommitting); err != nil {
		return dtx.StatusUnknown, err
	}
	final, err := c.drivePhaseTwo(ctx, g, rm.OpCommit, dtx.StatusCommitted, dtx.StatusCommitFailed)
	if err != nil {
		return dtx.StatusUnknown, err
	}
	return final, nil
}

// GlobalRollback drives the rollback path of a global transaction and
// returns its final status.
func (c *Coordinator) GlobalRollback(ctx context.Context, xid string) (dtx.GlobalStatus, error) {
	c.xidMu.lock(xid)
	defer c.xidMu.unlock(xid)
	return c.rollbackLocked(ctx, xid, false)
}

// rollbackLocked is the shared rollback driver; timeout selects the
// TimeoutRollbacking/TimeoutRollbacked statuses used by the scanner.
func (c *Coordinator) rollbackLocked(ctx context.Context, xid string, timeout bool) (dtx.GlobalStatus, error) {
	g, err := c.store.GetGlobal(ctx, xid)
	if err != nil {
		return dtx.StatusUnknown, err
	}
	switch g.Status {
	case dtx.StatusRollbacked, dtx.StatusRollbackFailed, dtx.StatusTimeoutRollbacked:
		return g.Status, nil
	case dtx.StatusBegin, dtx.StatusRollbacking, dtx.StatusTimeoutRollbacking:
		// Proceed.
	default:
		return g.Status, dtx.Errf(dtx.ErrGlobalNotActive,
			"global transaction %s is %s, rollback rejected", xid, g.Status)
	}

	rollbacking, rollbacked := dtx.StatusRollbacking, dtx.StatusRollbacked
	if timeout || g.Status == dtx.StatusTimeoutRollbacking {
		rollbacking, rollbacked = dtx.StatusTimeoutRollbacking, dtx.StatusTimeoutRollbacked
	}
	if err := c.store.UpdateGlobalStatus(ctx, xid, rollbacking); err != nil {
		return dtx.StatusUnknown, err
	}
	return c.drivePhaseTwo(ctx, g, rm.OpRollback, rollbacked, dtx.StatusRollbackFailed)
}

// drivePhaseTwo transitions every eligible branch through phase 2 in
// parallel, persists each branch's final state, then flips the global
// status. A failed branch never blocks global termination; it flags the
// global as commit/rollback failed for operator attention. Global locks are
// released strictly after the last AT branch is phase-2 final.
func (c *Coordinator) drivePhaseTwo(ctx context.Context, g *dtx.GlobalTransaction, op rm.Op,
	okStatus, failStatus dtx.GlobalStatus) (dtx.GlobalStatus, error) {

	branches, err := c.store.ListBranches(ctx, g.Xid)
	if err != nil {
		return dtx.StatusUnknown, err
	}

	working, final := dtx.BranchPhaseTwoCommitting, dtx.BranchPhaseTwoCommitted
	failed := dtx.BranchPhaseTwoCommitFailed
	if op == rm.OpRollback {
		working, final = dtx.BranchPhaseTwoRollbacking, dtx.BranchPhaseTwoRollbacked
		failed = dtx.BranchPhaseTwoRollbackFailed
	}

	var anyFailed atomic.Bool
	tr := dtx.NewTaskRunner(ctx, maxParallelBranches)
	for _, b := range branches {
		if b.Status.IsTerminal() {
			// A re-drive after an interrupted run must not erase failures
			// persisted by the previous run.
			if b.Status == dtx.BranchPhaseTwoCommitFailed || b.Status == dtx.BranchPhaseTwoRollbackFailed {
				anyFailed.Store(true)
			}
			continue
		}
		b := b
		tr.Go(func() error {
			if err := c.store.UpdateBranchStatus(tr.GetContext(), b.BranchID, working, 0); err != nil {
				log.Error("branch status persist failed", "branchId", b.BranchID, "error", err)
				anyFailed.Store(true)
				return nil
			}
			// The handler sees the pre-dispatch status; AT rollback policy
			// depends on whether phase 1 ever completed.
			res := c.dispatcher.Dispatch(tr.GetContext(), b, op)
			to := final
			if !res.Success() {
				to = failed
				anyFailed.Store(true)
				log.Error("branch phase-2 failed", "xid", g.Xid, "branchId", b.BranchID,
					"op", op.String(), "status", res.Status.String(), "error", res.Err)
			}
			if err := c.store.UpdateBranchStatus(tr.GetContext(), b.BranchID, to, dtx.NowMs()); err != nil {
				log.Error("branch final status persist failed", "branchId", b.BranchID, "error", err)
				anyFailed.Store(true)
			}
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return dtx.StatusUnknown, err
	}

	// All branch outcomes are persisted; release AT row locks before the
	// global record goes terminal so invariant 3 holds for observers of the
	// terminal status.
	if err := c.locks.Release(ctx, g.Xid); err != nil {
		log.Error("global lock release failed", "xid", g.Xid, "error", err)
	}

	finalStatus := okStatus
	if anyFailed.Load() {
		finalStatus = failStatus
	}
	if err := c.store.UpdateGlobalStatus(ctx, g.Xid, finalStatus); err != nil {
		return dtx.StatusUnknown, err
	}
	log.Info("global transaction terminated", "xid", g.Xid, "status", finalStatus.String())
	return finalStatus, nil
}

// Store exposes the metadata store to the operator API.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// LockOwner reports the xid holding a global row lock; operator tooling.
func (c *Coordinator) LockOwner(ctx context.Context, rowKey string) (string, error) {
	return c.locks.Owner(ctx, rowKey)
}
