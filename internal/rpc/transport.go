package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/sideload/internal/broker"
)

// watchRetry is the pause before reopening a permission stream that ended
// while the connection stayed up.
const watchRetry = 500 * time.Millisecond

// closeTimeout bounds session close calls, which carry no context.
const closeTimeout = 10 * time.Second

// Transport is a broker.Transport backed by a gRPC connection. Binder
// lifecycle follows the connection state: Ready means the broker is
// alive; losing Ready means it died.
type Transport struct {
	conn   *grpc.ClientConn
	caller string
	log    *slog.Logger

	mu       sync.Mutex
	sinks    map[int]broker.EventSink
	nextSink int
	alive    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the broker at target (for example "unix:///run/sideload/broker.sock")
// as caller. Extra options are appended to the defaults.
func Dial(target, caller string, log *slog.Logger, opts ...grpc.DialOption) (*Transport, error) {
	if caller == "" {
		return nil, fmt.Errorf("rpc: caller must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	all := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:   conn,
		caller: caller,
		log:    log.With("component", "rpc"),
		sinks:  make(map[int]broker.EventSink),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.monitor(ctx)
	return t, nil
}

// Close stops the monitor and closes the connection.
func (t *Transport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// monitor maps connectivity transitions to binder events and keeps the
// permission stream open while the connection is Ready.
func (t *Transport) monitor(ctx context.Context) {
	defer close(t.done)

	var stopWatch context.CancelFunc
	stop := func() {
		if stopWatch != nil {
			stopWatch()
			stopWatch = nil
		}
	}
	defer stop()

	t.conn.Connect()
	state := t.conn.GetState()
	for {
		if state == connectivity.Idle {
			t.conn.Connect()
		}
		if alive, ok := binderState(state); ok {
			if !alive {
				stop()
			} else if stopWatch == nil {
				var wctx context.Context
				wctx, stopWatch = context.WithCancel(ctx)
				go t.watchPermissions(wctx)
			}
			t.setAlive(alive)
		}
		if state == connectivity.Shutdown {
			return
		}
		if !t.conn.WaitForStateChange(ctx, state) {
			return
		}
		state = t.conn.GetState()
	}
}

// binderState reports the broker liveness a connectivity state implies. ok
// is false for Idle and Connecting, which say nothing about the broker;
// death is reported once a reconnect fails.
func binderState(s connectivity.State) (alive, ok bool) {
	switch s {
	case connectivity.Ready:
		return true, true
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false, true
	default:
		return false, false
	}
}

func (t *Transport) watchPermissions(ctx context.Context) {
	for {
		err := t.readPermissions(ctx)
		if ctx.Err() != nil {
			return
		}
		t.log.Debug("permission stream ended", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRetry):
		}
	}
}

func (t *Transport) readPermissions(ctx context.Context) error {
	stream, err := t.conn.NewStream(t.outgoing(ctx), &ServiceDesc.Streams[0], methodWatchPermissions)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := new(PermissionEvent)
		if err := stream.RecvMsg(ev); err != nil {
			return err
		}
		for _, s := range t.snapshotSinks() {
			s.PermissionResult(ev.Ticket, ev.Granted)
		}
	}
}

func (t *Transport) setAlive(alive bool) {
	t.mu.Lock()
	changed := t.alive != alive
	t.alive = alive
	sinks := t.snapshotSinksLocked()
	t.mu.Unlock()
	if !changed {
		return
	}
	for _, s := range sinks {
		if alive {
			s.BinderReceived()
		} else {
			s.BinderDead()
		}
	}
}

func (t *Transport) snapshotSinks() []broker.EventSink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotSinksLocked()
}

func (t *Transport) snapshotSinksLocked() []broker.EventSink {
	out := make([]broker.EventSink, 0, len(t.sinks))
	for _, s := range t.sinks {
		out = append(out, s)
	}
	return out
}

// Subscribe implements broker.Transport. A sink added while the broker is
// alive immediately receives BinderReceived.
func (t *Transport) Subscribe(sink broker.EventSink) func() {
	t.mu.Lock()
	id := t.nextSink
	t.nextSink++
	t.sinks[id] = sink
	alive := t.alive
	t.mu.Unlock()
	if alive {
		sink.BinderReceived()
	}
	return func() {
		t.mu.Lock()
		delete(t.sinks, id)
		t.mu.Unlock()
	}
}

func (t *Transport) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, CallerHeader, t.caller)
}

func (t *Transport) invoke(ctx context.Context, method string, in, out any) error {
	err := t.conn.Invoke(t.outgoing(ctx), "/"+ServiceName+"/"+method, in, out)
	if err != nil {
		return fromStatus(method, err)
	}
	t.setAlive(true)
	return nil
}

// Info implements broker.Transport.
func (t *Transport) Info(ctx context.Context) (broker.Info, error) {
	var resp InfoResponse
	if err := t.invoke(ctx, "Info", &Empty{}, &resp); err != nil {
		return broker.Info{}, err
	}
	return broker.Info{Version: resp.Version, UID: resp.UID}, nil
}

// CheckSelfPermission implements broker.Transport.
func (t *Transport) CheckSelfPermission(ctx context.Context) (bool, error) {
	var resp PermissionStatus
	if err := t.invoke(ctx, "CheckPermission", &Empty{}, &resp); err != nil {
		return false, err
	}
	return resp.Granted, nil
}

// ShouldShowRationale implements broker.Transport.
func (t *Transport) ShouldShowRationale(ctx context.Context) (bool, error) {
	var resp PermissionStatus
	if err := t.invoke(ctx, "CheckPermission", &Empty{}, &resp); err != nil {
		return false, err
	}
	return !resp.Granted && resp.Rationale, nil
}

// RequestPermission implements broker.Transport.
func (t *Transport) RequestPermission(ctx context.Context, ticket int) error {
	return t.invoke(ctx, "RequestPermission", &PermissionRequest{Ticket: ticket}, &Empty{})
}

// PackageInstaller implements broker.Transport.
func (t *Transport) PackageInstaller(ctx context.Context) (broker.PrivilegedInstaller, error) {
	return remoteInstaller{t: t}, nil
}

type remoteInstaller struct{ t *Transport }

func (r remoteInstaller) CreateSession(ctx context.Context, params broker.SessionParams) (int, error) {
	var ref SessionRef
	err := r.t.invoke(ctx, "CreateSession", &CreateSessionRequest{
		InstallerPackage: params.InstallerPackage,
		UserID:           params.UserID,
		Flags:            int(params.Flags),
		AppPackageName:   params.AppPackageName,
	}, &ref)
	if err != nil {
		return 0, err
	}
	return ref.SessionID, nil
}

func (r remoteInstaller) OpenSession(ctx context.Context, id int) (broker.Session, error) {
	return &remoteSession{t: r.t, id: id}, nil
}

func (r remoteInstaller) AbandonSession(ctx context.Context, id int) error {
	s := &remoteSession{t: r.t, id: id}
	return errors.Join(s.Abandon(ctx), s.Close())
}

type remoteSession struct {
	t  *Transport
	id int
}

func (s *remoteSession) ID() int { return s.id }

func (s *remoteSession) OpenWrite(ctx context.Context, name string, offset, length int64) (broker.WriteHandle, error) {
	var ref HandleRef
	err := s.t.invoke(ctx, "OpenWrite", &OpenWriteRequest{SessionID: s.id, Name: name, Offset: offset, Length: length}, &ref)
	if err != nil {
		return nil, err
	}
	return &remoteWriter{t: s.t, ctx: ctx, handle: ref.Handle}, nil
}

// Commit waits for the broker to accept the commit, then delivers the
// result to sink from a background goroutine. If the stream breaks first,
// sink is never called.
func (s *remoteSession) Commit(ctx context.Context, sink broker.StatusSink) error {
	stream, err := s.t.conn.NewStream(s.t.outgoing(ctx), &ServiceDesc.Streams[1], methodCommit)
	if err != nil {
		return fromStatus("Commit", err)
	}
	if err := stream.SendMsg(&SessionRef{SessionID: s.id}); err != nil {
		return fromStatus("Commit", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus("Commit", err)
	}

	var ack CommitEvent
	if err := stream.RecvMsg(&ack); err != nil {
		return fromStatus("Commit", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("commit: broker did not accept session %d", s.id)
	}

	go func() {
		var ev CommitEvent
		if err := stream.RecvMsg(&ev); err != nil {
			s.t.log.Warn("commit stream ended without result", "session_id", s.id, "error", err)
			return
		}
		if ev.Result == nil {
			s.t.log.Warn("commit stream sent an empty result", "session_id", s.id)
			return
		}
		sink(broker.CommitResult{
			SessionID:   ev.Result.SessionID,
			Status:      ev.Result.Status,
			Message:     ev.Result.Message,
			PackageName: ev.Result.PackageName,
		})
	}()
	return nil
}

func (s *remoteSession) Abandon(ctx context.Context) error {
	return s.t.invoke(ctx, "Abandon", &SessionRef{SessionID: s.id}, &Empty{})
}

func (s *remoteSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.t.invoke(ctx, "CloseSession", &SessionRef{SessionID: s.id}, &Empty{})
}

// remoteWriter buffers writes and ships them on Flush.
type remoteWriter struct {
	t      *Transport
	ctx    context.Context
	handle string
	buf    []byte
	closed bool
}

func (w *remoteWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *remoteWriter) Flush() error {
	if w.closed {
		return io.ErrClosedPipe
	}
	if len(w.buf) == 0 {
		return nil
	}
	var resp WriteResponse
	if err := w.t.invoke(w.ctx, "Write", &WriteRequest{Handle: w.handle, Data: w.buf}, &resp); err != nil {
		return err
	}
	if resp.Written != len(w.buf) {
		return fmt.Errorf("write: %w", io.ErrShortWrite)
	}
	w.buf = w.buf[:0]
	return nil
}

func (w *remoteWriter) Fsync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.t.invoke(w.ctx, "Fsync", &HandleRef{Handle: w.handle}, &Empty{})
}

func (w *remoteWriter) Close() error {
	if w.closed {
		return nil
	}
	flushErr := w.Flush()
	w.closed = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), closeTimeout)
	defer cancel()
	closeErr := w.t.invoke(ctx, "CloseWrite", &HandleRef{Handle: w.handle}, &Empty{})
	return errors.Join(flushErr, closeErr)
}

// fromStatus turns gRPC status errors into broker errors callers can test
// with errors.Is.
func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	switch st.Code() {
	case codes.PermissionDenied:
		return fmt.Errorf("%s: %w: %s", method, broker.ErrNotGranted, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%s: %w: %s", method, broker.ErrBinderDead, st.Message())
	default:
		return fmt.Errorf("%s: %s: %s", method, st.Code(), st.Message())
	}
}
