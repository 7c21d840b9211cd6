package brokerd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/sideload/internal/approval"
	"github.com/ppiankov/sideload/internal/pkgservice"
	"github.com/ppiankov/sideload/internal/ratelimit"
	"github.com/ppiankov/sideload/internal/rpc"
)

// Backend implements rpc.Backend on top of the prompt store and the package
// service.
type Backend struct {
	version   string
	uid       int
	autoGrant bool
	store     *approval.Store
	pkgs      *pkgservice.Service
	hub       *hub
	log       *slog.Logger

	// limiter bounds prompts per caller; nil means unlimited.
	limiter *ratelimit.Limiter

	deliverMu sync.Mutex
}

var _ rpc.Backend = (*Backend)(nil)

// NewBackend wires a backend. With autoGrant every prompt is granted as soon
// as it is raised.
func NewBackend(version string, uid int, autoGrant bool, store *approval.Store, pkgs *pkgservice.Service, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		version:   version,
		uid:       uid,
		autoGrant: autoGrant,
		store:     store,
		pkgs:      pkgs,
		hub:       newHub(),
		log:       log.With("component", "brokerd"),
	}
}

// Close ends every WatchPermissions stream.
func (b *Backend) Close() {
	b.hub.close()
}

// PromptChanged wakes the watchers of the prompt's caller.
func (b *Backend) PromptChanged(key string) {
	p, err := b.store.Get(key)
	if err != nil {
		return
	}
	if p.Resolved() && !p.Delivered {
		b.hub.notify(p.Caller)
	}
}

func (b *Backend) Info(context.Context) (rpc.InfoResponse, error) {
	return rpc.InfoResponse{Version: b.version, UID: b.uid}, nil
}

func (b *Backend) CheckPermission(_ context.Context, caller string) (rpc.PermissionStatus, error) {
	d, ok, err := b.store.Decision(caller)
	if err != nil {
		return rpc.PermissionStatus{}, status.Error(codes.InvalidArgument, err.Error())
	}
	if !ok {
		return rpc.PermissionStatus{}, nil
	}
	return rpc.PermissionStatus{
		Granted:   d.Granted,
		Rationale: !d.Granted && d.Permanent,
	}, nil
}

func (b *Backend) RequestPermission(_ context.Context, caller string, ticket int) error {
	if r := b.limiter.Allow(caller, time.Now()); r.Exceeded {
		b.log.Warn("prompt rejected", "caller", caller, "ticket", ticket, "reason", r.Reason)
		return status.Error(codes.ResourceExhausted, r.Reason)
	}
	p, err := b.store.Request(caller, ticket)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if p.Resolved() {
		b.hub.notify(caller)
		return nil
	}

	d, ok, err := b.store.Decision(caller)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	switch {
	case ok && !d.Granted && d.Permanent:
		_, err = b.store.Deny(p.Key, true)
		b.log.Info("prompt denied by standing decision", "caller", caller, "ticket", ticket)
	case b.autoGrant:
		_, err = b.store.Grant(p.Key, 0)
		b.log.Info("prompt auto-granted", "caller", caller, "ticket", ticket)
	default:
		b.log.Info("prompt pending", "caller", caller, "ticket", ticket, "key", p.Key)
		return nil
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	b.hub.notify(caller)
	return nil
}

// WatchPermissions replays results that resolved while the caller was not
// listening, then streams new ones until ctx ends or the backend closes.
func (b *Backend) WatchPermissions(ctx context.Context, caller string, send func(rpc.PermissionEvent) error) error {
	wake, cancel := b.hub.subscribe(caller)
	defer cancel()

	if err := b.deliver(caller, send); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-wake:
			if !ok {
				return status.Error(codes.Unavailable, "broker shutting down")
			}
			if err := b.deliver(caller, send); err != nil {
				return err
			}
		}
	}
}

func (b *Backend) deliver(caller string, send func(rpc.PermissionEvent) error) error {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	prompts, err := b.store.Undelivered(caller)
	if err != nil {
		b.log.Warn("list undelivered prompts", "caller", caller, "error", err)
		return nil
	}
	for _, p := range prompts {
		if err := send(rpc.PermissionEvent{Ticket: p.Ticket, Granted: p.Status == approval.StatusGranted}); err != nil {
			return err
		}
		if err := b.store.MarkDelivered(p.Key); err != nil {
			b.log.Warn("mark prompt delivered", "key", p.Key, "error", err)
		}
	}
	return nil
}

func (b *Backend) requireGrant(caller string) error {
	d, ok, err := b.store.Decision(caller)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if !ok || !d.Granted {
		return status.Error(codes.PermissionDenied, fmt.Sprintf("%s is not allowed to install packages", caller))
	}
	return nil
}

func (b *Backend) CreateSession(_ context.Context, caller string, req rpc.CreateSessionRequest) (int, error) {
	if err := b.requireGrant(caller); err != nil {
		return 0, err
	}
	id, err := b.pkgs.CreateSession(caller, pkgservice.Params{
		InstallerPackage: req.InstallerPackage,
		UserID:           req.UserID,
		Flags:            req.Flags,
		AppPackageName:   req.AppPackageName,
	})
	return id, toStatus(err)
}

func (b *Backend) OpenWrite(_ context.Context, caller string, req rpc.OpenWriteRequest) (string, error) {
	h, err := b.pkgs.OpenWrite(caller, req.SessionID, req.Name, req.Offset, req.Length)
	return h, toStatus(err)
}

func (b *Backend) Write(_ context.Context, caller, handle string, data []byte) (int, error) {
	n, err := b.pkgs.Write(caller, handle, data)
	return n, toStatus(err)
}

func (b *Backend) Fsync(_ context.Context, caller, handle string) error {
	return toStatus(b.pkgs.Fsync(caller, handle))
}

func (b *Backend) CloseWrite(_ context.Context, caller, handle string) error {
	return toStatus(b.pkgs.CloseWrite(caller, handle))
}

func (b *Backend) Commit(_ context.Context, caller string, sessionID int) (<-chan rpc.CommitStatus, error) {
	if err := b.requireGrant(caller); err != nil {
		return nil, err
	}
	results, err := b.pkgs.Commit(caller, sessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make(chan rpc.CommitStatus, 1)
	go func() {
		defer close(out)
		res, ok := <-results
		if !ok {
			return
		}
		out <- rpc.CommitStatus{
			SessionID:   res.SessionID,
			Status:      res.Status,
			Message:     res.Message,
			PackageName: res.PackageName,
		}
	}()
	return out, nil
}

func (b *Backend) Abandon(_ context.Context, caller string, sessionID int) error {
	return toStatus(b.pkgs.Abandon(caller, sessionID))
}

func (b *Backend) CloseSession(_ context.Context, caller string, sessionID int) error {
	return toStatus(b.pkgs.CloseSession(caller, sessionID))
}
