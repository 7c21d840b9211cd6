package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified broker service name.
const ServiceName = "sideload.broker.v1.Broker"

// CallerHeader carries the calling package name on every RPC. Servers using
// PeerCredentials can check it against the peer uid.
const CallerHeader = "x-sideload-caller"

const (
	methodWatchPermissions = "/" + ServiceName + "/WatchPermissions"
	methodCommit           = "/" + ServiceName + "/Commit"
)

// Backend serves the broker protocol. Errors should be gRPC status errors;
// anything else reaches the client as codes.Unknown.
type Backend interface {
	Info(ctx context.Context) (InfoResponse, error)
	CheckPermission(ctx context.Context, caller string) (PermissionStatus, error)
	RequestPermission(ctx context.Context, caller string, ticket int) error
	// WatchPermissions blocks, calling send for each resolved prompt of
	// caller, until ctx is done or send fails.
	WatchPermissions(ctx context.Context, caller string, send func(PermissionEvent) error) error

	CreateSession(ctx context.Context, caller string, req CreateSessionRequest) (int, error)
	OpenWrite(ctx context.Context, caller string, req OpenWriteRequest) (string, error)
	Write(ctx context.Context, caller, handle string, data []byte) (int, error)
	Fsync(ctx context.Context, caller, handle string) error
	CloseWrite(ctx context.Context, caller, handle string) error
	// Commit starts an asynchronous commit. The channel yields exactly one
	// result.
	Commit(ctx context.Context, caller string, sessionID int) (<-chan CommitStatus, error)
	Abandon(ctx context.Context, caller string, sessionID int) error
	CloseSession(ctx context.Context, caller string, sessionID int) error
}

// ServiceDesc describes the broker service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		unary("Info", func(ctx context.Context, b Backend, _ string, _ *Empty) (*InfoResponse, error) {
			r, err := b.Info(ctx)
			return &r, err
		}),
		unary("CheckPermission", func(ctx context.Context, b Backend, caller string, _ *Empty) (*PermissionStatus, error) {
			r, err := b.CheckPermission(ctx, caller)
			return &r, err
		}),
		unary("RequestPermission", func(ctx context.Context, b Backend, caller string, in *PermissionRequest) (*Empty, error) {
			return &Empty{}, b.RequestPermission(ctx, caller, in.Ticket)
		}),
		unary("CreateSession", func(ctx context.Context, b Backend, caller string, in *CreateSessionRequest) (*SessionRef, error) {
			id, err := b.CreateSession(ctx, caller, *in)
			return &SessionRef{SessionID: id}, err
		}),
		unary("OpenWrite", func(ctx context.Context, b Backend, caller string, in *OpenWriteRequest) (*HandleRef, error) {
			h, err := b.OpenWrite(ctx, caller, *in)
			return &HandleRef{Handle: h}, err
		}),
		unary("Write", func(ctx context.Context, b Backend, caller string, in *WriteRequest) (*WriteResponse, error) {
			n, err := b.Write(ctx, caller, in.Handle, in.Data)
			return &WriteResponse{Written: n}, err
		}),
		unary("Fsync", func(ctx context.Context, b Backend, caller string, in *HandleRef) (*Empty, error) {
			return &Empty{}, b.Fsync(ctx, caller, in.Handle)
		}),
		unary("CloseWrite", func(ctx context.Context, b Backend, caller string, in *HandleRef) (*Empty, error) {
			return &Empty{}, b.CloseWrite(ctx, caller, in.Handle)
		}),
		unary("Abandon", func(ctx context.Context, b Backend, caller string, in *SessionRef) (*Empty, error) {
			return &Empty{}, b.Abandon(ctx, caller, in.SessionID)
		}),
		unary("CloseSession", func(ctx context.Context, b Backend, caller string, in *SessionRef) (*Empty, error) {
			return &Empty{}, b.CloseSession(ctx, caller, in.SessionID)
		}),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchPermissions", Handler: watchPermissionsHandler, ServerStreams: true},
		{StreamName: "Commit", Handler: commitHandler, ServerStreams: true},
	},
	Metadata: "sideload/broker/v1/broker.json",
}

func unary[Req, Resp any](name string, call func(context.Context, Backend, string, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				caller, err := CallerFromContext(ctx)
				if err != nil {
					return nil, err
				}
				resp, err := call(ctx, srv.(Backend), caller, req.(*Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchPermissionsHandler(srv any, stream grpc.ServerStream) error {
	if err := stream.RecvMsg(new(Empty)); err != nil {
		return err
	}
	caller, err := CallerFromContext(stream.Context())
	if err != nil {
		return err
	}
	return srv.(Backend).WatchPermissions(stream.Context(), caller, func(ev PermissionEvent) error {
		return stream.SendMsg(&ev)
	})
}

func commitHandler(srv any, stream grpc.ServerStream) error {
	in := new(SessionRef)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	ctx := stream.Context()
	caller, err := CallerFromContext(ctx)
	if err != nil {
		return err
	}

	results, err := srv.(Backend).Commit(ctx, caller, in.SessionID)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&CommitEvent{Accepted: true}); err != nil {
		return err
	}

	select {
	case res, ok := <-results:
		if !ok {
			return status.Error(codes.Aborted, "commit result lost")
		}
		return stream.SendMsg(&CommitEvent{Result: &res})
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

// CallerFromContext returns the caller package sent in CallerHeader.
func CallerFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if v := md.Get(CallerHeader); len(v) > 0 && v[0] != "" {
			return v[0], nil
		}
	}
	return "", status.Error(codes.Unauthenticated, "missing "+CallerHeader)
}
