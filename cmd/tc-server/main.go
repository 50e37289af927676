// tc-server runs the transaction coordinator: the framed TCP front end,
// the timeout scanner and, when configured, the operator REST API.
package main

import (
	"context"
	"fmt"
	log "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/lock"
	"github.com/sharedcode/dtx/lock/redislock"
	"github.com/sharedcode/dtx/restapi"
	"github.com/sharedcode/dtx/rm"
	"github.com/sharedcode/dtx/rm/httprm"
	"github.com/sharedcode/dtx/store"
	"github.com/sharedcode/dtx/store/pg"
	"github.com/sharedcode/dtx/tc"
)

type options struct {
	Config      string `short:"c" long:"config" description:"path to the YAML configuration file"`
	Listen      string `short:"l" long:"listen" description:"override the TCP listen address"`
	RestAddress string `long:"rest" description:"override the operator REST listen address"`
	NodeID      int64  `long:"node-id" description:"override the branch id allocator node id"`
	LogLevel    string `long:"log-level" description:"log level" choice:"DEBUG" choice:"INFO" choice:"WARN" choice:"ERROR"`
}

func main() {
	dtx.ConfigureLogging()

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}
	switch opts.LogLevel {
	case "DEBUG":
		dtx.SetLogLevel(log.LevelDebug)
	case "WARN":
		dtx.SetLogLevel(log.LevelWarn)
	case "ERROR":
		dtx.SetLogLevel(log.LevelError)
	}
	if err := run(opts); err != nil {
		log.Error("coordinator exited", "error", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := dtx.LoadConfig(opts.Config)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Server.Address, cfg.Server.Port = splitListen(opts.Listen, cfg.Server.Port)
	}
	if opts.RestAddress != "" {
		cfg.RestAddress = opts.RestAddress
	}
	if opts.NodeID != 0 {
		cfg.NodeID = opts.NodeID
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, pgStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	locks := chooseLockManager(cfg, pgStore)

	dispatcher := rm.NewDispatcher()
	dispatcher.Register(dtx.BranchTypeHTTP,
		httprm.NewHandler(httprm.NewStaticResolver(), nil, "", nil))
	applyRetryConfig(dispatcher, cfg)

	coord, err := tc.New(cfg, st, locks, dispatcher)
	if err != nil {
		return err
	}

	scanner := tc.NewScanner(coord)
	scanner.Start(ctx)
	defer scanner.Stop()

	var restSrv *http.Server
	if cfg.RestAddress != "" {
		restSrv = &http.Server{
			Addr:    cfg.RestAddress,
			Handler: restapi.New(coord).Engine(),
		}
		go func() {
			log.Info("operator api listening", "address", cfg.RestAddress)
			if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("operator api", "error", err)
			}
		}()
	}

	srv := tc.NewServer(coord)
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Shutdown()
		if restSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			restSrv.Shutdown(shutdownCtx)
		}
	}()

	log.Info("coordinator listening", "address", cfg.ListenAddr(),
		"store", cfg.Store.Backend, "nodeId", cfg.NodeID)
	err = srv.ListenAndServe(ctx, cfg.ListenAddr())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// openStore builds the configured metadata store; the pg store is returned
// separately so the SQL lock manager can share its pool.
func openStore(ctx context.Context, cfg dtx.Config) (store.Store, *pg.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewInMemory(), nil, nil
	case "postgres":
		s, err := pg.Open(ctx, cfg.Store.URL)
		if err != nil {
			return nil, nil, err
		}
		// The database may still be coming up alongside us.
		err = dtx.Retry(ctx, func(ctx context.Context) error {
			return s.EnsureSchema(ctx)
		}, nil)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// chooseLockManager prefers redis when configured, then the SQL lock table,
// then process-local locks.
func chooseLockManager(cfg dtx.Config, pgStore *pg.Store) lock.Manager {
	if cfg.Redis.Address != "" {
		return redislock.NewManager(redislock.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if pgStore != nil {
		return pg.NewLockManager(pgStore)
	}
	return lock.NewInMemory()
}

func applyRetryConfig(d *rm.Dispatcher, cfg dtx.Config) {
	base := rm.Policy{
		InitialInterval: time.Duration(cfg.Retry.InitialIntervalMs) * time.Millisecond,
		Multiplier:      cfg.Retry.Multiplier,
		MaxInterval:     time.Duration(cfg.Retry.MaxIntervalMs) * time.Millisecond,
	}
	set := func(t dtx.BranchType, attempts int) {
		if attempts <= 0 {
			return
		}
		p := base
		p.MaxAttempts = attempts
		d.SetPolicy(t, p)
	}
	set(dtx.BranchTypeAT, cfg.Retry.MaxAttempts.AT)
	set(dtx.BranchTypeTCC, cfg.Retry.MaxAttempts.TCC)
	set(dtx.BranchTypeHTTP, cfg.Retry.MaxAttempts.HTTP)
	set(dtx.BranchTypeMQ, cfg.Retry.MaxAttempts.MQ)
	set(dtx.BranchTypeXA, cfg.Retry.MaxAttempts.XA)
}

// splitListen parses "host:port", falling back to the configured port when
// absent.
func splitListen(addr string, defaultPort int) (string, int) {
	host := addr
	port := defaultPort
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			host = addr[:i]
			fmt.Sscanf(addr[i+1:], "%d", &port)
			break
		}
	}
	return host, port
}
