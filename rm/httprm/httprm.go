// Package httprm drives phase 2 for HTTP participants: confirm and cancel
// are POSTed to the participant's transaction endpoints and the response
// status maps onto the communication taxonomy.
package httprm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

// Request headers carried on every phase-2 call.
const (
	HeaderTransactionID = "X-Transaction-ID"
	HeaderBranchID      = "X-Branch-ID"
	HeaderServiceGroup  = "X-Service-Group"
)

const (
	confirmPath = "/transaction/confirm"
	cancelPath  = "/transaction/cancel"
)

// CallBody is the JSON body of a phase-2 call.
type CallBody struct {
	Xid          string          `json:"xid"`
	BranchID     int64           `json:"branchId"`
	Operation    string          `json:"operation"`
	Timestamp    int64           `json:"timestamp"`
	ServiceGroup string          `json:"serviceGroup,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

// ServiceAddressResolver maps a resource id to the participant's base URL.
type ServiceAddressResolver interface {
	Resolve(resourceID string) (string, error)
}

// StaticResolver resolves from a fixed map; an http(s) resource id that is
// absent from the map resolves to itself.
type StaticResolver struct {
	mu        sync.RWMutex
	addresses map[string]string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{addresses: make(map[string]string)}
}

func (r *StaticResolver) Add(resourceID, baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses[resourceID] = strings.TrimRight(baseURL, "/")
}

func (r *StaticResolver) Resolve(resourceID string) (string, error) {
	r.mu.RLock()
	addr, ok := r.addresses[resourceID]
	r.mu.RUnlock()
	if ok {
		return addr, nil
	}
	if strings.HasPrefix(resourceID, "http://") || strings.HasPrefix(resourceID, "https://") {
		return strings.TrimRight(resourceID, "/"), nil
	}
	return "", dtx.Errf(dtx.ErrResourceNotFound, "no address for resource %s", resourceID)
}

// Auth attaches credentials to outgoing calls. Exactly one field is used;
// precedence is Bearer, then Basic, then APIKey.
type Auth struct {
	BearerToken   string
	BasicUser     string
	BasicPassword string
	APIKeyHeader  string
	APIKey        string
}

func (a *Auth) apply(req *http.Request) {
	switch {
	case a == nil:
	case a.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+a.BearerToken)
	case a.BasicUser != "":
		req.SetBasicAuth(a.BasicUser, a.BasicPassword)
	case a.APIKey != "":
		h := a.APIKeyHeader
		if h == "" {
			h = "X-API-Key"
		}
		req.Header.Set(h, a.APIKey)
	}
}

// Handler posts phase-2 operations to HTTP participants.
type Handler struct {
	client       *http.Client
	resolver     ServiceAddressResolver
	auth         *Auth
	serviceGroup string
}

// NewHandler builds the handler; a nil client gets a 10s-timeout default.
func NewHandler(resolver ServiceAddressResolver, auth *Auth, serviceGroup string, client *http.Client) *Handler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if resolver == nil {
		resolver = NewStaticResolver()
	}
	return &Handler{client: client, resolver: resolver, auth: auth, serviceGroup: serviceGroup}
}

func (h *Handler) Commit(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	return h.call(ctx, b, confirmPath, "confirm")
}

func (h *Handler) Rollback(ctx context.Context, b *dtx.BranchTransaction) rm.CommunicationResult {
	return h.call(ctx, b, cancelPath, "cancel")
}

func (h *Handler) call(ctx context.Context, b *dtx.BranchTransaction, path, op string) rm.CommunicationResult {
	base, err := h.resolver.Resolve(b.ResourceID)
	if err != nil {
		return rm.FromError(err)
	}
	body, err := json.Marshal(CallBody{
		Xid:          b.Xid,
		BranchID:     b.BranchID,
		Operation:    op,
		Timestamp:    dtx.NowMs(),
		ServiceGroup: h.serviceGroup,
		Parameters:   json.RawMessage(b.ApplicationData),
	})
	if err != nil {
		return rm.FromError(dtx.Error{Code: dtx.ErrInternal, Err: err})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return rm.FromError(dtx.Error{Code: dtx.ErrInternal, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTransactionID, b.Xid)
	req.Header.Set(HeaderBranchID, dtx.FormatBranchID(b.BranchID))
	if h.serviceGroup != "" {
		req.Header.Set(HeaderServiceGroup, h.serviceGroup)
	}
	h.auth.apply(req)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return rm.Result(rm.StatusTimeout, err)
		}
		return rm.Result(rm.StatusNetworkError, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	status := classifyHTTPStatus(resp.StatusCode)
	if status == rm.StatusSuccess {
		return rm.OK()
	}
	log.Warn("participant rejected phase-2 call", "xid", b.Xid, "branchId", b.BranchID,
		"op", op, "httpStatus", resp.StatusCode, "body", string(snippet))
	return rm.Result(status, fmt.Errorf("%s %s: http %d", op, b.ResourceID, resp.StatusCode))
}

// classifyHTTPStatus maps a participant's HTTP status onto the
// communication taxonomy.
func classifyHTTPStatus(code int) rm.CommStatus {
	switch {
	case code >= 200 && code < 300:
		return rm.StatusSuccess
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return rm.StatusAuthError
	case code == http.StatusNotFound:
		return rm.StatusResourceError
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return rm.StatusTimeout
	case code == http.StatusConflict:
		return rm.StatusFailure
	case code >= 400 && code < 500:
		return rm.StatusNonRetryableError
	case code >= 500:
		return rm.StatusRetryableError
	}
	return rm.StatusUnknown
}
