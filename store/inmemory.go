package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sharedcode/dtx"
)

// InMemory is a map-backed Store for tests and standalone (single process)
// deployments.
type InMemory struct {
	mu       sync.RWMutex
	globals  map[string]*dtx.GlobalTransaction
	branches map[int64]*dtx.BranchTransaction
}

func NewInMemory() *InMemory {
	return &InMemory{
		globals:  make(map[string]*dtx.GlobalTransaction),
		branches: make(map[int64]*dtx.BranchTransaction),
	}
}

func (s *InMemory) CreateGlobal(ctx context.Context, g *dtx.GlobalTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.globals[g.Xid]; exists {
		return dtx.Errf(dtx.ErrInternal, "duplicate xid %s", g.Xid)
	}
	cp := *g
	s.globals[g.Xid] = &cp
	return nil
}

func (s *InMemory) GetGlobal(ctx context.Context, xid string) (*dtx.GlobalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.globals[xid]
	if !ok {
		return nil, dtx.Errf(dtx.ErrGlobalNotFound, "global transaction %s not found", xid)
	}
	cp := *g
	return &cp, nil
}

func (s *InMemory) UpdateGlobalStatus(ctx context.Context, xid string, status dtx.GlobalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.globals[xid]
	if !ok {
		return dtx.Errf(dtx.ErrGlobalNotFound, "global transaction %s not found", xid)
	}
	g.Status = status
	return nil
}

func (s *InMemory) ListNonTerminalGlobals(ctx context.Context, beforeMs int64) ([]*dtx.GlobalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dtx.GlobalTransaction
	for _, g := range s.globals {
		if !g.Status.IsTerminal() && g.BeginTimeMs <= beforeMs {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BeginTimeMs < out[j].BeginTimeMs })
	return out, nil
}

func (s *InMemory) CreateBranch(ctx context.Context, b *dtx.BranchTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.branches[b.BranchID]; exists {
		return dtx.Errf(dtx.ErrInternal, "duplicate branch id %d", b.BranchID)
	}
	cp := *b
	s.branches[b.BranchID] = &cp
	return nil
}

func (s *InMemory) GetBranch(ctx context.Context, branchID int64) (*dtx.BranchTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[branchID]
	if !ok {
		return nil, dtx.Errf(dtx.ErrBranchNotFound, "branch %d not found", branchID)
	}
	cp := *b
	return &cp, nil
}

func (s *InMemory) UpdateBranchStatus(ctx context.Context, branchID int64, status dtx.BranchStatus, endTimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branchID]
	if !ok {
		return dtx.Errf(dtx.ErrBranchNotFound, "branch %d not found", branchID)
	}
	b.Status = status
	if status.IsTerminal() {
		b.EndTimeMs = endTimeMs
	}
	return nil
}

func (s *InMemory) ListBranches(ctx context.Context, xid string) ([]*dtx.BranchTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dtx.BranchTransaction
	for _, b := range s.branches {
		if b.Xid == xid {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out, nil
}

func (s *InMemory) ListNonTerminalBranches(ctx context.Context) ([]*dtx.BranchTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dtx.BranchTransaction
	for _, b := range s.branches {
		if !b.Status.IsTerminal() {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out, nil
}

func (s *InMemory) ListFailedBranches(ctx context.Context) ([]*dtx.BranchTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dtx.BranchTransaction
	for _, b := range s.branches {
		if b.Status == dtx.BranchPhaseTwoCommitFailed || b.Status == dtx.BranchPhaseTwoRollbackFailed {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out, nil
}

func (s *InMemory) PurgeTerminal(ctx context.Context, beforeMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for xid, g := range s.globals {
		if g.Status.IsTerminal() && g.BeginTimeMs < beforeMs {
			delete(s.globals, xid)
			for id, b := range s.branches {
				if b.Xid == xid {
					delete(s.branches, id)
				}
			}
			n++
		}
	}
	return n, nil
}

func (s *InMemory) Close() {}
