package rm

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/dtx"
)

// Op is a phase-2 operation.
type Op int

const (
	OpCommit Op = iota
	OpRollback
)

func (o Op) String() string {
	if o == OpCommit {
		return "commit"
	}
	return "rollback"
}

// Handler drives phase 2 for one resource type. A handler attempt must be
// idempotent: the dispatcher may re-invoke it on retryable failures and the
// coordinator may re-drive an already-final branch on recovery.
type Handler interface {
	Commit(ctx context.Context, b *dtx.BranchTransaction) CommunicationResult
	Rollback(ctx context.Context, b *dtx.BranchTransaction) CommunicationResult
}

// Policy is the per-resource-type retry policy.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// defaultAttempts per branch type.
var defaultAttempts = map[dtx.BranchType]int{
	dtx.BranchTypeAT:   5,
	dtx.BranchTypeTCC:  5,
	dtx.BranchTypeHTTP: 3,
	dtx.BranchTypeMQ:   3,
	dtx.BranchTypeXA:   3,
}

// Dispatcher routes phase-2 operations to the registered handlers and
// retries retryable failures with exponential backoff.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[dtx.BranchType]Handler
	policies map[dtx.BranchType]Policy

	initial    time.Duration
	multiplier float64
	maxDelay   time.Duration
}

// NewDispatcher builds a dispatcher with the documented defaults: backoff
// factor 1.5 starting at 1s, capped at 30s, ±20% jitter, attempt ceilings
// AT=5 TCC=5 HTTP=3 MQ=3 XA=3.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		handlers:   make(map[dtx.BranchType]Handler),
		policies:   make(map[dtx.BranchType]Policy),
		initial:    time.Second,
		multiplier: 1.5,
		maxDelay:   30 * time.Second,
	}
	for t, n := range defaultAttempts {
		d.policies[t] = Policy{
			MaxAttempts:     n,
			InitialInterval: d.initial,
			Multiplier:      d.multiplier,
			MaxInterval:     d.maxDelay,
		}
	}
	return d
}

// Register installs the handler for a branch type.
func (d *Dispatcher) Register(t dtx.BranchType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// SetPolicy overrides the retry policy of one branch type.
func (d *Dispatcher) SetPolicy(t dtx.BranchType, p Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.initial
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.multiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.maxDelay
	}
	d.policies[t] = p
}

func (d *Dispatcher) handler(t dtx.BranchType) (Handler, Policy, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[t]
	p, okp := d.policies[t]
	if !okp {
		p = Policy{MaxAttempts: 1, InitialInterval: d.initial, Multiplier: d.multiplier, MaxInterval: d.maxDelay}
	}
	return h, p, ok
}

// Dispatch runs op against the branch's resource, retrying per policy, and
// returns the last attempt's result.
func (d *Dispatcher) Dispatch(ctx context.Context, b *dtx.BranchTransaction, op Op) CommunicationResult {
	h, policy, ok := d.handler(b.BranchType)
	if !ok {
		return Result(StatusResourceError,
			dtx.Errf(dtx.ErrResourceNotFound, "no handler for branch type %s", b.BranchType))
	}

	backoff := dtx.WithJitter(20, dtx.ExponentialBackoff(policy.InitialInterval, policy.Multiplier, policy.MaxInterval))
	backoff = retry.WithMaxRetries(uint64(policy.MaxAttempts-1), backoff)

	attempt := 0
	var last CommunicationResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if op == OpCommit {
			last = h.Commit(ctx, b)
		} else {
			last = h.Rollback(ctx, b)
		}
		if last.Success() {
			return nil
		}
		log.Warn("branch dispatch attempt failed",
			"xid", b.Xid, "branchId", b.BranchID, "op", op.String(),
			"attempt", attempt, "status", last.Status.String(), "error", last.Err)
		if last.Status.Retryable() {
			return retry.RetryableError(fmt.Errorf("%s attempt %d: %s", op, attempt, last.Status))
		}
		// Non-retryable statuses abort after the first attempt.
		return fmt.Errorf("%s attempt %d: %s", op, attempt, last.Status)
	})
	if err != nil && last.Success() {
		// Context expired after a successful attempt; the success stands.
		return last
	}
	return last
}
