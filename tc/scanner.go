package tc

import (
	"context"
	log "log/slog"
	"time"

	"github.com/sharedcode/dtx"
)

// Scanner is the background task that rolls back expired global
// transactions and marks expired branches.
type Scanner struct {
	coord    *Coordinator
	interval time.Duration
	// retention keeps terminal transactions queryable before purging.
	retention time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// defaultRetention before terminal transactions are purged.
const defaultRetention = 24 * time.Hour

// NewScanner builds a scanner ticking at the configured scan interval.
func NewScanner(coord *Coordinator) *Scanner {
	interval := coord.cfg.ScanInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scanner{coord: coord, interval: interval, retention: defaultRetention}
}

// Start launches the periodic sweep until Stop or context cancellation.
func (s *Scanner) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			dtx.Sleep(ctx, s.interval)
			if ctx.Err() != nil {
				return
			}
			s.Tick(ctx)
		}
	}()
}

// Stop halts the periodic sweep and waits for an in-flight tick.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Tick runs one sweep: expired globals are driven to timeout rollback,
// expired branches are marked Timeout, old terminal records are purged.
// Exposed so tests and operators can force a sweep.
func (s *Scanner) Tick(ctx context.Context) {
	now := dtx.NowMs()

	globals, err := s.coord.store.ListNonTerminalGlobals(ctx, now)
	if err != nil {
		log.Error("timeout scan: list globals", "error", err)
	}
	for _, g := range globals {
		// Globals stuck mid phase 2 (a coordinator died while driving them)
		// are picked up and re-driven; dispatch is idempotent.
		if s.coord.cfg.Failover.Enabled {
			switch g.Status {
			case dtx.StatusCommitting:
				if _, err := s.coord.GlobalCommit(ctx, g.Xid); err != nil {
					log.Error("failover commit", "xid", g.Xid, "error", err)
				}
				continue
			case dtx.StatusRollbacking, dtx.StatusTimeoutRollbacking:
				s.coord.xidMu.lock(g.Xid)
				if _, err := s.coord.rollbackLocked(ctx, g.Xid, false); err != nil {
					log.Error("failover rollback", "xid", g.Xid, "error", err)
				}
				s.coord.xidMu.unlock(g.Xid)
				continue
			}
		}
		if !g.Expired(now) {
			continue
		}
		log.Warn("global transaction timed out", "xid", g.Xid,
			"beginTimeMs", g.BeginTimeMs, "timeoutMs", g.TimeoutMs)
		s.coord.xidMu.lock(g.Xid)
		if _, err := s.coord.rollbackLocked(ctx, g.Xid, true); err != nil {
			log.Error("timeout rollback", "xid", g.Xid, "error", err)
		}
		s.coord.xidMu.unlock(g.Xid)
	}

	branches, err := s.coord.store.ListNonTerminalBranches(ctx)
	if err != nil {
		log.Error("timeout scan: list branches", "error", err)
	}
	for _, b := range branches {
		// Branches already picked up by the phase-2 driver are left alone.
		if b.Status != dtx.BranchRegistered && b.Status != dtx.BranchPhaseOneDone {
			continue
		}
		if !b.Expired(now) {
			continue
		}
		log.Warn("branch timed out", "xid", b.Xid, "branchId", b.BranchID)
		if err := s.coord.store.UpdateBranchStatus(ctx, b.BranchID, dtx.BranchTimeout, 0); err != nil {
			log.Error("branch timeout mark", "branchId", b.BranchID, "error", err)
		}
	}

	if s.retention > 0 {
		if n, err := s.coord.store.PurgeTerminal(ctx, now-s.retention.Milliseconds()); err != nil {
			log.Error("terminal purge", "error", err)
		} else if n > 0 {
			log.Info("purged terminal transactions", "count", n)
		}
	}
}
