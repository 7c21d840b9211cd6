// Package brokerd is the privilege broker daemon: it owns the package
// service, answers permission prompts and serves the broker protocol on a
// unix socket.
package brokerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ppiankov/sideload/internal/approval"
	"github.com/ppiankov/sideload/internal/pkgservice"
	"github.com/ppiankov/sideload/internal/ratelimit"
	"github.com/ppiankov/sideload/internal/rpc"
)

// sweepInterval is how often delivered prompts, idle rate windows and
// stale installer sessions are removed.
const sweepInterval = 5 * time.Minute

// shutdownGrace bounds the graceful stop of the gRPC server.
const shutdownGrace = 5 * time.Second

// Config holds broker daemon configuration.
type Config struct {
	Version     string
	UID         int
	StateDir    string
	Socket      string
	AutoGrant   bool
	MaxSessions int
	// SessionMaxAge is how long an installer session may go untouched
	// before the sweep releases it. Zero disables reaping.
	SessionMaxAge time.Duration
	PromptLimit   ratelimit.Limit
	Logger        *slog.Logger
}

// PromptDir returns the directory of the prompt store under stateDir.
func PromptDir(stateDir string) string { return filepath.Join(stateDir, "permissions") }

// PackageRoot returns the package service root under stateDir.
func PackageRoot(stateDir string) string { return filepath.Join(stateDir, "packages") }

// Daemon runs the broker.
type Daemon struct {
	cfg     Config
	log     *slog.Logger
	store   *approval.Store
	pkgs    *pkgservice.Service
	backend *Backend
	server  *rpc.Server
}

// New opens the daemon's stores. Call Run to serve.
func New(cfg Config) (*Daemon, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	store, err := approval.NewStore(PromptDir(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	pkgs, err := pkgservice.Open(pkgservice.Config{Root: PackageRoot(cfg.StateDir), MaxSessions: cfg.MaxSessions}, log)
	if err != nil {
		return nil, fmt.Errorf("open package service: %w", err)
	}

	backend := NewBackend(cfg.Version, cfg.UID, cfg.AutoGrant, store, pkgs, log)
	if cfg.PromptLimit.Enabled() {
		backend.limiter = ratelimit.New(cfg.PromptLimit)
	}
	server := rpc.NewServer(backend,
		grpc.Creds(rpc.PeerCredentials()),
		grpc.ChainUnaryInterceptor(logUnary(log), authUnary(backend)),
		grpc.ChainStreamInterceptor(authStream(backend)),
	)
	return &Daemon{
		cfg:     cfg,
		log:     log.With("component", "brokerd"),
		store:   store,
		pkgs:    pkgs,
		backend: backend,
		server:  server,
	}, nil
}

// Packages exposes the package service.
func (d *Daemon) Packages() *pkgservice.Service { return d.pkgs }

// Run listens on cfg.Socket and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Socket == "" {
		return fmt.Errorf("socket path is required")
	}
	pidPath := filepath.Join(d.cfg.StateDir, "broker.pid")
	if err := acquirePIDLock(pidPath); err != nil {
		return fmt.Errorf("acquire PID lock: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	lis, err := rpc.ListenUnix(d.cfg.Socket)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(d.cfg.Socket) }()
	return d.Serve(ctx, lis)
}

// Serve runs the broker on lis until ctx is cancelled, then shuts down.
func (d *Daemon) Serve(ctx context.Context, lis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.log.Info("serving", "addr", lis.Addr().String(), "version", d.cfg.Version, "uid", d.cfg.UID)
		return d.server.Serve(lis)
	})
	g.Go(func() error {
		return NewPromptWatcher(d.store.PromptDir(), d.backend.PromptChanged, d.log).Run(ctx)
	})
	g.Go(func() error {
		d.sweep(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		d.backend.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		d.server.Shutdown(sctx)
		return nil
	})

	err := g.Wait()
	if cerr := d.pkgs.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	d.log.Info("stopped")
	return err
}

func (d *Daemon) sweep(ctx context.Context) {
	interval := sweepInterval
	if age := d.cfg.SessionMaxAge; age > 0 && age/2 < interval {
		interval = max(age/2, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.sweepOnce(now)
		}
	}
}

func (d *Daemon) sweepOnce(now time.Time) {
	if err := d.store.Cleanup(); err != nil {
		d.log.Warn("prompt sweep", "error", err)
	}
	d.backend.limiter.Forget(now)
	if ids := d.pkgs.Reap(d.cfg.SessionMaxAge, now); len(ids) > 0 {
		d.log.Info("reaped idle sessions", "count", len(ids), "session_ids", ids)
	}
}

func logUnary(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		caller, _ := rpc.CallerFromContext(ctx)
		if err != nil {
			log.Debug("rpc failed", "method", info.FullMethod, "caller", caller, "error", err, "duration", time.Since(start))
		} else {
			log.Debug("rpc", "method", info.FullMethod, "caller", caller, "duration", time.Since(start))
		}
		return resp, err
	}
}

// acquirePIDLock writes the current PID to the file and checks for stale locks.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(string(data))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another broker is running (PID %d)", pid)
				}
			}
		}
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
