package brokerd

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/sideload/internal/approval"
	"github.com/ppiankov/sideload/internal/rpc"
)

// authorize checks that the caller named in the request header belongs to
// the uid the kernel reports for the connection. A caller is bound to the
// first uid that presents it.
func (b *Backend) authorize(ctx context.Context) error {
	peer, ok := rpc.PeerFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "peer credentials unavailable")
	}
	caller, err := rpc.CallerFromContext(ctx)
	if err != nil {
		return err
	}
	err = b.store.Bind(caller, int(peer.UID))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, approval.ErrCallerMismatch):
		b.log.Warn("caller rejected", "caller", caller, "uid", peer.UID, "pid", peer.PID)
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}

func authUnary(b *Backend) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := b.authorize(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func authStream(b *Backend) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := b.authorize(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
