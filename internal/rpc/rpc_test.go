package rpc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ppiankov/sideload/internal/bridge"
	"github.com/ppiankov/sideload/internal/broker"
	"github.com/ppiankov/sideload/internal/model"
	"github.com/ppiankov/sideload/internal/session"
)

type fakeSession struct {
	caller    string
	params    CreateSessionRequest
	data      bytes.Buffer
	writes    int
	fsyncs    int
	committed bool
	abandoned bool
	closed    bool
}

type fakeBackend struct {
	mu        sync.Mutex
	granted   bool
	rationale bool
	tickets   []int
	callers   []string
	sessions  map[int]*fakeSession
	handles   map[string]*fakeSession
	nextID    int
	status    int
	noResult  bool
	events    chan PermissionEvent
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions: make(map[int]*fakeSession),
		handles:  make(map[string]*fakeSession),
		nextID:   1,
		events:   make(chan PermissionEvent, 4),
	}
}

func (b *fakeBackend) Info(context.Context) (InfoResponse, error) {
	return InfoResponse{Version: "13.5.0", UID: 2000}, nil
}

func (b *fakeBackend) CheckPermission(_ context.Context, caller string) (PermissionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callers = append(b.callers, caller)
	return PermissionStatus{Granted: b.granted, Rationale: b.rationale}, nil
}

func (b *fakeBackend) RequestPermission(_ context.Context, _ string, ticket int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickets = append(b.tickets, ticket)
	return nil
}

func (b *fakeBackend) WatchPermissions(ctx context.Context, _ string, send func(PermissionEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.events:
			if err := send(ev); err != nil {
				return err
			}
		}
	}
}

func (b *fakeBackend) session(caller string, id int) (*fakeSession, error) {
	s, ok := b.sessions[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no session %d", id)
	}
	if s.caller != caller {
		return nil, status.Errorf(codes.PermissionDenied, "session %d belongs to %s", id, s.caller)
	}
	return s, nil
}

func (b *fakeBackend) CreateSession(_ context.Context, caller string, req CreateSessionRequest) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.granted {
		return 0, status.Error(codes.PermissionDenied, "not granted")
	}
	id := b.nextID
	b.nextID++
	b.sessions[id] = &fakeSession{caller: caller, params: req}
	return id, nil
}

func (b *fakeBackend) OpenWrite(_ context.Context, caller string, req OpenWriteRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.session(caller, req.SessionID)
	if err != nil {
		return "", err
	}
	h := fmt.Sprintf("h-%d-%s", req.SessionID, req.Name)
	b.handles[h] = s
	return h, nil
}

func (b *fakeBackend) Write(_ context.Context, _ string, handle string, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.handles[handle]
	if !ok {
		return 0, status.Error(codes.NotFound, "no handle")
	}
	s.writes++
	return s.data.Write(data)
}

func (b *fakeBackend) Fsync(_ context.Context, _ string, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles[handle].fsyncs++
	return nil
}

func (b *fakeBackend) CloseWrite(_ context.Context, _ string, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, handle)
	return nil
}

func (b *fakeBackend) Commit(_ context.Context, caller string, id int) (<-chan CommitStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.session(caller, id)
	if err != nil {
		return nil, err
	}
	s.committed = true
	ch := make(chan CommitStatus, 1)
	if !b.noResult {
		ch <- CommitStatus{SessionID: id, Status: b.status, PackageName: s.params.AppPackageName}
	}
	return ch, nil
}

func (b *fakeBackend) Abandon(_ context.Context, caller string, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.session(caller, id)
	if err != nil {
		return err
	}
	s.abandoned = true
	return nil
}

func (b *fakeBackend) CloseSession(_ context.Context, caller string, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.session(caller, id)
	if err != nil {
		return err
	}
	s.closed = true
	return nil
}

type env struct {
	backend *fakeBackend
	server  *Server
	lis     *bufconn.Listener
	tr      *Transport
	client  *broker.Client
	results *bridge.Mailbox[model.PermissionResult]
}

func dialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func newEnv(t *testing.T) *env {
	t.Helper()
	b := newFakeBackend()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(b)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	tr, err := Dial("passthrough:///bufnet", "dev.test", nil, dialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	results := &bridge.Mailbox[model.PermissionResult]{}
	c, err := broker.NewClient(tr, broker.Options{Results: results})
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)

	return &env{backend: b, server: srv, lis: lis, tr: tr, client: c, results: results}
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func waitAlive(t *testing.T, c *broker.Client, want bool) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State().BinderAlive == want },
		3*time.Second, 10*time.Millisecond, "binder alive != %v", want)
}

func TestInfoOverWire(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	assert.Equal(t, model.Available, e.client.CheckAvailability(ctx))
	uid, err := e.client.UID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2000, uid)
	waitAlive(t, e.client, true)
}

func TestCallerHeaderIsSent(t *testing.T) {
	e := newEnv(t)
	e.client.CheckAvailability(context.Background())
	waitAlive(t, e.client, true)
	e.client.CheckPermission(context.Background())

	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	require.NotEmpty(t, e.backend.callers)
	assert.Equal(t, "dev.test", e.backend.callers[0])
}

func TestMissingCallerRejected(t *testing.T) {
	e := newEnv(t)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		dialer(e.lis))
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Invoke(context.Background(), "/"+ServiceName+"/CheckPermission", &Empty{}, &PermissionStatus{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestPermissionStates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.client.CheckAvailability(ctx)
	waitAlive(t, e.client, true)

	assert.Equal(t, model.CheckDeniedAskAgain, e.client.CheckPermission(ctx))
	e.backend.set(func(b *fakeBackend) { b.rationale = true })
	assert.Equal(t, model.CheckDeniedPermanently, e.client.CheckPermission(ctx))
	e.backend.set(func(b *fakeBackend) { b.granted = true })
	assert.Equal(t, model.CheckGranted, e.client.CheckPermission(ctx))
}

func TestPermissionResultStreamed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.client.CheckAvailability(ctx)
	waitAlive(t, e.client, true)

	ch, detach := e.results.Attach(1)
	defer detach()

	ticket, err := e.client.RequestPermission(ctx)
	require.NoError(t, err)
	e.backend.mu.Lock()
	assert.Equal(t, []int{ticket}, e.backend.tickets)
	e.backend.mu.Unlock()

	e.backend.events <- PermissionEvent{Ticket: ticket + 1, Granted: true}
	e.backend.events <- PermissionEvent{Ticket: ticket, Granted: true}

	select {
	case res := <-ch:
		assert.Equal(t, model.PermissionResult{Ticket: ticket, Granted: true}, res)
	case <-time.After(3 * time.Second):
		t.Fatal("permission result not streamed")
	}
}

func TestCreateSessionWithoutGrant(t *testing.T) {
	e := newEnv(t)
	pi, err := e.tr.PackageInstaller(context.Background())
	require.NoError(t, err)
	_, err = pi.CreateSession(context.Background(), broker.SessionParams{})
	require.ErrorIs(t, err, broker.ErrNotGranted)
}

func TestElevatedInstallOverWire(t *testing.T) {
	e := newEnv(t)
	e.backend.set(func(b *fakeBackend) { b.granted = true })
	ctx := context.Background()
	e.client.CheckAvailability(ctx)
	waitAlive(t, e.client, true)

	path := filepath.Join(t.TempDir(), "org.example.wire.apk")
	payload := bytes.Repeat([]byte("apk!"), 5000)
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	in := session.New(e.client, session.Config{CommitTimeout: 3 * time.Second}, nil)
	out := in.Install(ctx, model.InstallRequest{ID: "w1", Source: path, Mechanism: model.Elevated})
	require.True(t, out.Succeeded, out.Message)

	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	s := e.backend.sessions[1]
	require.NotNil(t, s)
	assert.Equal(t, payload, s.data.Bytes())
	assert.Equal(t, 3, s.writes, "one write per chunk")
	assert.Equal(t, 3, s.fsyncs)
	assert.True(t, s.committed)
	assert.True(t, s.closed)
	assert.Equal(t, "com.android.shell", s.params.InstallerPackage)
	assert.Equal(t, "org.example.wire", s.params.AppPackageName)
}

func TestCommitFailureOverWire(t *testing.T) {
	e := newEnv(t)
	e.backend.set(func(b *fakeBackend) {
		b.granted = true
		b.status = broker.CommitStatusFailureConflict
	})
	ctx := context.Background()
	e.client.CheckAvailability(ctx)
	waitAlive(t, e.client, true)

	path := filepath.Join(t.TempDir(), "a.apk")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	out := session.New(e.client, session.Config{CommitTimeout: 3 * time.Second}, nil).
		Install(ctx, model.InstallRequest{Source: path, Mechanism: model.Elevated})
	assert.False(t, out.Succeeded)
	assert.Equal(t, model.StatusFailure, out.StatusCode)
}

func TestServerStopFiresBinderDead(t *testing.T) {
	e := newEnv(t)
	e.client.CheckAvailability(context.Background())
	waitAlive(t, e.client, true)

	w := e.client.WatchBinder()
	defer w.Close()

	e.server.Stop()
	select {
	case <-w.Dead():
	case <-time.After(5 * time.Second):
		t.Fatal("binder death not observed")
	}
	assert.False(t, e.client.State().BinderAlive)
	assert.Equal(t, model.Unsupported, e.client.CheckAvailability(context.Background()))
}

func TestBinderDeathDuringCommitWait(t *testing.T) {
	e := newEnv(t)
	e.backend.set(func(b *fakeBackend) {
		b.granted = true
		b.noResult = true
	})
	ctx := context.Background()
	e.client.CheckAvailability(ctx)
	waitAlive(t, e.client, true)

	path := filepath.Join(t.TempDir(), "a.apk")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	go func() {
		assert.Eventually(t, func() bool {
			e.backend.mu.Lock()
			defer e.backend.mu.Unlock()
			s := e.backend.sessions[1]
			return s != nil && s.committed
		}, 3*time.Second, 5*time.Millisecond)
		e.server.Stop()
	}()

	out := session.New(e.client, session.Config{CommitTimeout: 10 * time.Second}, nil).
		Install(ctx, model.InstallRequest{Source: path, Mechanism: model.Elevated})
	assert.False(t, out.Succeeded)
	assert.NotEqual(t, model.StatusOK, out.StatusCode)
}

func TestDialRequiresCaller(t *testing.T) {
	_, err := Dial("passthrough:///bufnet", "", nil)
	require.Error(t, err)
}

// peerEchoBackend reports the connecting process's uid as the broker uid.
type peerEchoBackend struct{ *fakeBackend }

func (b peerEchoBackend) Info(ctx context.Context) (InfoResponse, error) {
	p, ok := PeerFromContext(ctx)
	if !ok {
		return InfoResponse{}, status.Error(codes.Unauthenticated, "no peer credentials")
	}
	return InfoResponse{Version: "13.5.0", UID: int(p.UID)}, nil
}

func TestPeerCredentialsOverUnixSocket(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_PEERCRED is linux only")
	}
	dir, err := os.MkdirTemp("", "sideload-rpc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "broker.sock")

	lis, err := ListenUnix(path)
	require.NoError(t, err)
	srv := NewServer(peerEchoBackend{newFakeBackend()}, grpc.Creds(PeerCredentials()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	tr, err := Dial("unix://"+path, "dev.test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := tr.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getuid(), info.UID)
}

func TestPeerCredentialsRefuseNonUnixConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, _, err := PeerCredentials().ServerHandshake(a)
	assert.Error(t, err)
}

func TestPeerFromContextWithoutPeer(t *testing.T) {
	_, ok := PeerFromContext(context.Background())
	assert.False(t, ok)
}

func TestBinderState(t *testing.T) {
	tests := []struct {
		state connectivity.State
		alive bool
		ok    bool
	}{
		{connectivity.Ready, true, true},
		{connectivity.TransientFailure, false, true},
		{connectivity.Shutdown, false, true},
		{connectivity.Idle, false, false},
		{connectivity.Connecting, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			alive, ok := binderState(tt.state)
			assert.Equal(t, tt.alive, alive)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
