// Package xa drives phase 2 for XA branches: transactions prepared in
// phase 1 are finished with COMMIT PREPARED or ROLLBACK PREPARED.
package xa

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

// Execer is the database surface needed to finish prepared transactions;
// pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// NewResourceID mints a resource id for a fresh XA branch on the named
// pool. The gid is what the participant passes to PREPARE TRANSACTION in
// phase 1; a uuid keeps concurrent branches on the same pool apart.
func NewResourceID(pool string) string {
	return fmt.Sprintf("xa:%s:%s", pool, uuid.NewString())
}

// Handler finishes prepared transactions. Resource ids take the form
// "xa:<pool>:<gid>": pool selects the registered database, gid names the
// prepared transaction.
type Handler struct {
	mu    sync.RWMutex
	pools map[string]Execer
}

func NewHandler() *Handler {
	return &Handler{pools: make(map[string]Execer)}
}

// Register binds a pool name to its database.
func (h *Handler) Register(pool string, db Execer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pools[pool] = db
}

func (h *Handler) resolve(resourceID string) (Execer, string, error) {
	parts := strings.SplitN(resourceID, ":", 3)
	if len(parts) != 3 || parts[0] != "xa" || parts[1] == "" || parts[2] == "" {
		return nil, "", dtx.Errf(dtx.ErrProtocol, "malformed xa resource id %q", resourceID)
	}
	h.mu.RLock()
	db, ok := h.pools[parts[1]]
	h.mu.RUnlock()
	if !ok {
		return nil, "", dtx.Errf(dtx.ErrResourceNotFound, "unknown xa pool %s", parts[1])
	}
	return db, parts[2], nil
}

// quoteGid renders the prepared transaction name as a SQL string literal;
// PREPARE TRANSACTION names cannot be bound as parameters.
func quoteGid(gid string) string {
	return "'" + strings.ReplaceAll(gid, "'", "''") + "'"
}

func (h *Handler) finish(ctx context.Context, b *dtx.BranchTransaction, verb string) rm.CommunicationResult {
	db, gid, err := h.resolve(b.ResourceID)
	if err != nil {
		return rm.FromError(err)
	}
	_, err = db.Exec(ctx, fmt.Sprintf("%s PREPARED %s", verb, quoteGid(gid)))
	if err == nil {
		return rm.OK()
	}
	// A vanished prepared transaction means an earlier attempt already
	// finished it; the re-delivery is a success.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42704" {
		log.Info("prepared transaction already finished", "xid", b.Xid,
			"branchId", b.BranchID, "gid", gid, "verb", verb)
		return rm.OK()
	}
	return rm.FromError(dtx.Error{Code: dtx.ErrNetwork, Err: err})
}

func (h *Handler) Commit(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	return h.finish(ctx, b, "COMMIT")
}

func (h *Handler) Rollback(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	return h.finish(ctx, b, "ROLLBACK")
}
