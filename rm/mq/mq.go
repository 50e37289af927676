// Package mq drives phase 2 for transactional messaging branches: a half
// message staged in phase 1 is published on commit and discarded on
// rollback.
package mq

import (
	"context"
	log "log/slog"
	"strings"
	"sync"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

// HalfMessage is a message staged but not yet visible to consumers.
type HalfMessage struct {
	Xid      string            `json:"xid"`
	BranchID int64             `json:"branchId"`
	Topic    string            `json:"topic"`
	Payload  []byte            `json:"payload"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Broker stages, confirms and discards half messages. Confirm and Discard
// must be idempotent on re-delivery.
type Broker interface {
	Stage(ctx context.Context, m *HalfMessage) error
	Confirm(ctx context.Context, xid string, branchID int64) error
	Discard(ctx context.Context, xid string, branchID int64) error
}

// Handler resolves "mq:<broker>" resource ids to their broker.
type Handler struct {
	mu      sync.RWMutex
	brokers map[string]Broker
}

func NewHandler() *Handler {
	return &Handler{brokers: make(map[string]Broker)}
}

// Register binds a broker name to its implementation.
func (h *Handler) Register(name string, b Broker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.brokers[name] = b
}

func (h *Handler) resolve(resourceID string) (Broker, error) {
	name := strings.TrimPrefix(resourceID, "mq:")
	h.mu.RLock()
	b, ok := h.brokers[name]
	h.mu.RUnlock()
	if !ok {
		return nil, dtx.Errf(dtx.ErrResourceNotFound, "unknown broker %s", name)
	}
	return b, nil
}

// Commit publishes the staged half message.
func (h *Handler) Commit(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	broker, err := h.resolve(b.ResourceID)
	if err != nil {
		return rm.FromError(err)
	}
	if err := broker.Confirm(ctx, b.Xid, b.BranchID); err != nil {
		return rm.FromError(err)
	}
	return rm.OK()
}

// Rollback discards the staged half message. Discarding a message that was
// never staged is a no-op; the staging side may have failed before writing.
func (h *Handler) Rollback(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	broker, err := h.resolve(b.ResourceID)
	if err != nil {
		return rm.FromError(err)
	}
	if err := broker.Discard(ctx, b.Xid, b.BranchID); err != nil {
		return rm.FromError(err)
	}
	log.Debug("half message discarded", "xid", b.Xid, "branchId", b.BranchID)
	return rm.OK()
}
