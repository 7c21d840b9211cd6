package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
)

// Server hosts a Backend over gRPC.
type Server struct {
	grpcServer *grpc.Server
}

// NewServer registers backend on a new gRPC server.
func NewServer(backend Backend, opts ...grpc.ServerOption) *Server {
	s := grpc.NewServer(opts...)
	s.RegisterService(&ServiceDesc, backend)
	return &Server{grpcServer: s}
}

// ListenUnix creates the broker socket at path, replacing a stale one.
// The socket is only accessible to its owner and group.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

// Serve accepts connections on lis. Blocks until stopped.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop stops accepting connections and waits for open RPCs.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// Stop closes every connection immediately. Clients observe a dead broker.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// Shutdown stops gracefully, falling back to Stop when ctx ends first.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
}
