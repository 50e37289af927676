// Package client is the application-side library: a framed TCP client for
// the coordinator, the transaction context holder, and the interceptor that
// wraps business functions in a global transaction.
package client

import (
	"context"
	log "log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/wire"
)

// DefaultRequestTimeout applies when the caller's context has no deadline.
const DefaultRequestTimeout = 5 * time.Second

// TcClient is a connection to the coordinator. One connection multiplexes
// concurrent requests by message id; a broken connection is re-dialed on
// the next request.
type TcClient struct {
	address       string
	applicationID string
	codec         wire.Codec
	dialTimeout   time.Duration

	ids     atomic.Uint32
	pending sync.Map

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	closed atomic.Bool
}

// Option configures a TcClient.
type Option func(*TcClient)

// WithCodec overrides the body codec.
func WithCodec(c wire.Codec) Option {
	return func(tc *TcClient) { tc.codec = c }
}

// WithDialTimeout overrides the connect timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(tc *TcClient) { tc.dialTimeout = d }
}

// NewTcClient builds a client for the coordinator at address. The
// connection is established lazily on first use.
func NewTcClient(address, applicationID string, opts ...Option) *TcClient {
	tc := &TcClient{
		address:       address,
		applicationID: applicationID,
		codec:         wire.DefaultCodec(),
		dialTimeout:   5 * time.Second,
	}
	for _, o := range opts {
		o(tc)
	}
	return tc
}

// Close shuts the client down; in-flight requests fail with a network error.
func (tc *TcClient) Close() error {
	tc.closed.Store(true)
	tc.connMu.Lock()
	defer tc.connMu.Unlock()
	if tc.conn != nil {
		err := tc.conn.Close()
		tc.conn = nil
		return err
	}
	return nil
}

func (tc *TcClient) ensureConn(ctx context.Context) (net.Conn, error) {
	if tc.closed.Load() {
		return nil, dtx.Errf(dtx.ErrNetwork, "client is closed")
	}
	tc.connMu.Lock()
	defer tc.connMu.Unlock()
	if tc.conn != nil {
		return tc.conn, nil
	}
	d := net.Dialer{Timeout: tc.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", tc.address)
	if err != nil {
		return nil, dtx.Error{Code: dtx.ErrNetwork, Err: err, RemoteAddress: tc.address}
	}
	tc.conn = conn
	go tc.readLoop(conn)
	log.Info("connected to coordinator", "address", tc.address)
	return conn, nil
}

// readLoop delivers responses to their waiting requests. Any read error
// tears the connection down and fails everything in flight; callers
// re-dial transparently on their next request.
func (tc *TcClient) readLoop(conn net.Conn) {
	for {
		msg, err := wire.ReadFrame(conn, tc.codec)
		if err != nil {
			tc.dropConn(conn, err)
			return
		}
		res, ok := msg.Body.(*wire.Result)
		if !ok {
			tc.dropConn(conn, dtx.Errf(dtx.ErrProtocol, "unexpected %s from coordinator", msg.Type))
			return
		}
		if ch, ok := tc.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan *wire.Result) <- res
		}
	}
}

func (tc *TcClient) dropConn(conn net.Conn, cause error) {
	tc.connMu.Lock()
	if tc.conn == conn {
		tc.conn = nil
	}
	tc.connMu.Unlock()
	conn.Close()
	if !tc.closed.Load() {
		log.Warn("coordinator connection lost", "address", tc.address, "error", cause)
	}
	tc.pending.Range(func(k, v any) bool {
		tc.pending.Delete(k)
		v.(chan *wire.Result) <- &wire.Result{
			Success: false,
			Code:    dtx.ErrNetwork.String(),
			Message: "connection lost",
		}
		return true
	})
}

// call sends one request and waits for its result.
func (tc *TcClient) call(ctx context.Context, t wire.MessageType, body any) (*wire.Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	conn, err := tc.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	id := tc.ids.Add(1)
	ch := make(chan *wire.Result, 1)
	tc.pending.Store(id, ch)
	defer tc.pending.Delete(id)

	tc.writeMu.Lock()
	err = wire.WriteFrame(conn, &wire.RpcMessage{ID: id, Type: t, Body: body}, tc.codec)
	tc.writeMu.Unlock()
	if err != nil {
		tc.dropConn(conn, err)
		return nil, err
	}

	select {
	case res := <-ch:
		if !res.Success {
			return res, res.Err()
		}
		return res, nil
	case <-ctx.Done():
		return nil, dtx.Error{Code: dtx.ErrTimeout, Err: ctx.Err(), RemoteAddress: tc.address}
	}
}

// Begin starts a global transaction and returns its xid.
func (tc *TcClient) Begin(ctx context.Context, name string, timeoutMs int64) (string, error) {
	res, err := tc.call(ctx, wire.TypeGlobalBegin, &wire.GlobalBeginRequest{
		ApplicationID:   tc.applicationID,
		TransactionName: name,
		TimeoutMs:       timeoutMs,
	})
	if err != nil {
		return "", err
	}
	return res.Xid, nil
}

// Commit drives global commit and returns the final status.
func (tc *TcClient) Commit(ctx context.Context, xid string) (dtx.GlobalStatus, error) {
	res, err := tc.call(ctx, wire.TypeGlobalCommit, &wire.GlobalActionRequest{Xid: xid})
	if err != nil {
		if res != nil {
			return res.Status, err
		}
		return dtx.StatusUnknown, err
	}
	return res.Status, nil
}

// Rollback drives global rollback and returns the final status.
func (tc *TcClient) Rollback(ctx context.Context, xid string) (dtx.GlobalStatus, error) {
	res, err := tc.call(ctx, wire.TypeGlobalRollback, &wire.GlobalActionRequest{Xid: xid})
	if err != nil {
		if res != nil {
			return res.Status, err
		}
		return dtx.StatusUnknown, err
	}
	return res.Status, nil
}

// Status queries the current status of a global transaction.
func (tc *TcClient) Status(ctx context.Context, xid string) (dtx.GlobalStatus, error) {
	res, err := tc.call(ctx, wire.TypeGlobalStatus, &wire.GlobalActionRequest{Xid: xid})
	if err != nil {
		return dtx.StatusUnknown, err
	}
	return res.Status, nil
}

// RegisterBranch enrolls a participant and returns the branch id.
func (tc *TcClient) RegisterBranch(ctx context.Context, xid, resourceID string, branchType dtx.BranchType, lockKey string, applicationData []byte) (int64, error) {
	res, err := tc.call(ctx, wire.TypeBranchRegister, &wire.BranchRegisterRequest{
		Xid:             xid,
		ResourceID:      resourceID,
		BranchType:      branchType,
		LockKey:         lockKey,
		ApplicationData: applicationData,
	})
	if err != nil {
		return 0, err
	}
	return res.BranchID, nil
}

// ReportBranchStatus reports a branch's phase-1 outcome.
func (tc *TcClient) ReportBranchStatus(ctx context.Context, xid string, branchID int64, status dtx.BranchStatus) error {
	_, err := tc.call(ctx, wire.TypeBranchStatusReport, &wire.BranchStatusReportRequest{
		Xid:      xid,
		BranchID: branchID,
		Status:   status,
	})
	return err
}
