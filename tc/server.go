package tc

import (
	"context"
	"errors"
	"io"
	log "log/slog"
	"net"
	"sync"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/wire"
)

// maxConnWorkers bounds in-flight requests per connection so one chatty
// client cannot starve the rest; phase-2 work rides on these workers, never
// on the read loop.
const maxConnWorkers = 32

// Server is the framed-TCP front end of the coordinator.
type Server struct {
	coord *Coordinator
	codec wire.Codec

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

func NewServer(coord *Coordinator) *Server {
	return &Server{
		coord: coord,
		codec: wire.DefaultCodec(),
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds addr and serves until Shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return dtx.Error{Code: dtx.ErrNetwork, Err: err}
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown or context cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Info("coordinator listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			log.Error("accept", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(ctx, conn)
	}
}

// Shutdown stops accepting and closes every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

// serveConn reads frames until the peer hangs up or violates the protocol.
// Each request is handled on a worker goroutine; responses share the write
// side under a mutex.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	var writeMu sync.Mutex
	sem := make(chan struct{}, maxConnWorkers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := wire.ReadFrame(conn, s.codec)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				code := dtx.CodeOf(err)
				if code == dtx.ErrWire || code == dtx.ErrProtocol {
					log.Warn("closing connection on protocol violation",
						"remote", conn.RemoteAddr().String(), "error", err)
				}
			}
			return
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(msg *wire.RpcMessage) {
			defer func() { <-sem; wg.Done() }()
			result := s.handle(ctx, msg)
			resp := &wire.RpcMessage{ID: msg.ID, Type: wire.TypeResult, Body: result}
			writeMu.Lock()
			err := wire.WriteFrame(conn, resp, s.codec)
			writeMu.Unlock()
			if err != nil {
				log.Warn("response write failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}(msg)
	}
}

// handle executes one request against the coordinator.
func (s *Server) handle(ctx context.Context, msg *wire.RpcMessage) *wire.Result {
	switch body := msg.Body.(type) {
	case *wire.GlobalBeginRequest:
		xid, err := s.coord.Begin(ctx, body.ApplicationID, body.TransactionName, body.TimeoutMs, body.ApplicationData)
		if err != nil {
			return wire.ResultFromError(err)
		}
		return &wire.Result{Success: true, Xid: xid}

	case *wire.BranchRegisterRequest:
		branchID, err := s.coord.RegisterBranch(ctx, &dtx.BranchTransaction{
			Xid:             body.Xid,
			ResourceGroupID: body.ResourceGroupID,
			ResourceID:      body.ResourceID,
			BranchType:      body.BranchType,
			LockKey:         body.LockKey,
			ApplicationData: body.ApplicationData,
			TimeoutMs:       body.TimeoutMs,
		})
		if err != nil {
			return wire.ResultFromError(err)
		}
		return &wire.Result{Success: true, Xid: body.Xid, BranchID: branchID}

	case *wire.BranchStatusReportRequest:
		if err := s.coord.ReportBranchStatus(ctx, body.BranchID, body.Status); err != nil {
			return wire.ResultFromError(err)
		}
		return &wire.Result{Success: true, Xid: body.Xid, BranchID: body.BranchID}

	case *wire.GlobalActionRequest:
		var status dtx.GlobalStatus
		var err error
		switch msg.Type {
		case wire.TypeGlobalCommit:
			status, err = s.coord.GlobalCommit(ctx, body.Xid)
		case wire.TypeGlobalRollback:
			status, err = s.coord.GlobalRollback(ctx, body.Xid)
		case wire.TypeGlobalStatus:
			status, err = s.coord.GlobalStatus(ctx, body.Xid)
		default:
			return wire.ResultFromError(dtx.Errf(dtx.ErrProtocol, "unexpected message type %s", msg.Type))
		}
		if err != nil {
			r := wire.ResultFromError(err)
			r.Xid = body.Xid
			r.Status = status
			return r
		}
		return &wire.Result{Success: true, Xid: body.Xid, Status: status}
	}
	return wire.ResultFromError(dtx.Errf(dtx.ErrProtocol, "unhandled message type %s", msg.Type))
}
