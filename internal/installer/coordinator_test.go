package installer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/sideload/internal/broker"
	"github.com/ppiankov/sideload/internal/broker/brokertest"
	"github.com/ppiankov/sideload/internal/journal"
	"github.com/ppiankov/sideload/internal/model"
	"github.com/ppiankov/sideload/internal/session"
	"github.com/ppiankov/sideload/internal/shell"
)

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) all() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

type fakeRunner struct {
	stdout string
	calls  int
	mu     sync.Mutex
}

func (r *fakeRunner) Run(context.Context, string) (*shell.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &shell.Result{Stdout: r.stdout}, nil
}

type harness struct {
	ft      *brokertest.Transport
	client  *broker.Client
	runner  *fakeRunner
	journal *memJournal
	c       *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ft := brokertest.New()
	client, err := broker.NewClient(ft, broker.Options{})
	require.NoError(t, err)
	client.Start()
	t.Cleanup(client.Stop)
	ft.Connect()

	runner := &fakeRunner{stdout: "Success\n"}
	j := &memJournal{}
	c := New(Options{
		Broker:  client,
		Session: session.New(client, session.Config{CommitTimeout: time.Second}, nil),
		Shell:   shell.New(runner, shell.DefaultConfig(), nil),
		Journal: j,
	})
	return &harness{ft: ft, client: client, runner: runner, journal: j, c: c}
}

func apk(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "org.example.app.apk")
	require.NoError(t, os.WriteFile(p, make([]byte, 1000), 0o644))
	return p
}

func TestElevatedGranted(t *testing.T) {
	h := newHarness(t)
	h.ft.Granted = true

	out := h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
	require.True(t, out.Succeeded, out.Message)
	assert.Equal(t, model.StatusOK, out.StatusCode)
	assert.NotEmpty(t, out.RequestID, "id is assigned")
	assert.Len(t, h.ft.Created, 1)
}

func TestElevatedUnsupported(t *testing.T) {
	h := newHarness(t)
	h.ft.Version = "10.0.0"

	out := h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
	assert.Equal(t, model.StatusUnsupported, out.StatusCode)
	assert.False(t, out.Succeeded)
	assert.Empty(t, h.ft.Created)
}

func TestElevatedDeniedPermanently(t *testing.T) {
	h := newHarness(t)
	h.ft.Rationale = true

	out := h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
	assert.Equal(t, model.StatusFailure, out.StatusCode)
	assert.Empty(t, h.ft.Created, "no session without grant")
	assert.Zero(t, h.ft.RequestCount(), "no prompt after permanent denial")
}

func TestElevatedAskAgainFiresRequest(t *testing.T) {
	h := newHarness(t)

	out := h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
	assert.Equal(t, model.StatusPermissionPending, out.StatusCode)
	assert.Equal(t, 1, h.ft.RequestCount())
	assert.Empty(t, h.ft.Created)

	out = h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
	assert.Equal(t, model.StatusPermissionPending, out.StatusCode)
	assert.Equal(t, 1, h.ft.RequestCount(), "second request joins the live ticket")
}

func TestElevatedAfterGrantInstalls(t *testing.T) {
	h := newHarness(t)
	results, detach := h.c.PermissionResults(1)
	defer detach()

	out := h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
	require.Equal(t, model.StatusPermissionPending, out.StatusCode)

	h.ft.Answer(h.client.PendingTicket(), true)
	select {
	case res := <-results:
		require.True(t, res.Granted)
	case <-time.After(time.Second):
		t.Fatal("permission result not delivered")
	}

	out = h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
	assert.True(t, out.Succeeded, out.Message)
}

func TestElevatedDeadBinderFails(t *testing.T) {
	h := newHarness(t)
	h.ft.Granted = true
	h.ft.Kill()

	out := h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
	assert.False(t, out.Succeeded)
	assert.Empty(t, h.ft.Created)
}

func TestShellRoute(t *testing.T) {
	h := newHarness(t)

	out := h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Shell})
	assert.True(t, out.Succeeded, out.Message)
	assert.Equal(t, 1, h.runner.calls)
	assert.Empty(t, h.ft.Created)

	h.runner.stdout = "Failure [INSTALL_FAILED_INVALID_APK]"
	out = h.c.Install(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Shell})
	assert.Equal(t, model.StatusFailure, out.StatusCode)
}

func TestMissingMechanismIsUnsupported(t *testing.T) {
	c := New(Options{})
	out := c.Install(context.Background(), model.InstallRequest{Source: "/a.apk", Mechanism: model.Shell})
	assert.Equal(t, model.StatusUnsupported, out.StatusCode)
	out = c.Install(context.Background(), model.InstallRequest{Source: "/a.apk", Mechanism: model.Elevated})
	assert.Equal(t, model.StatusUnsupported, out.StatusCode)
	assert.Equal(t, model.PreflightUnsupported, c.CheckPermission(context.Background(), model.Elevated))
}

func TestInvalidRequest(t *testing.T) {
	h := newHarness(t)
	out := h.c.Install(context.Background(), model.InstallRequest{Mechanism: model.Shell})
	assert.Equal(t, model.StatusFailure, out.StatusCode)

	out = h.c.Install(context.Background(), model.InstallRequest{Source: "/a.apk", Mechanism: "carrier-pigeon"})
	assert.Equal(t, model.StatusFailure, out.StatusCode)
	assert.Zero(t, h.runner.calls)
}

func TestEveryRequestIsJournaled(t *testing.T) {
	h := newHarness(t)
	h.c.Install(context.Background(), model.InstallRequest{ID: "a", Source: apk(t), Mechanism: model.Shell})
	h.c.Install(context.Background(), model.InstallRequest{ID: "b", Source: apk(t), Mechanism: model.Elevated})

	entries := h.journal.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].RequestID)
	assert.True(t, entries[0].Succeeded)
	assert.Equal(t, "b", entries[1].RequestID)
	assert.Equal(t, int(model.StatusPermissionPending), entries[1].StatusCode)
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, string) (*shell.Result, error) { panic("runner exploded") }

func TestPanicBecomesFailure(t *testing.T) {
	j := &memJournal{}
	c := New(Options{Shell: shell.New(panicRunner{}, shell.DefaultConfig(), nil), Journal: j})

	var out model.InstallOutcome
	require.NotPanics(t, func() {
		out = c.Install(context.Background(), model.InstallRequest{Source: "/a.apk", Mechanism: model.Shell})
	})
	assert.Equal(t, model.StatusFailure, out.StatusCode)
	assert.Len(t, j.all(), 1)
}

func TestSubmitResolvesOnce(t *testing.T) {
	h := newHarness(t)
	h.ft.Granted = true

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		f := h.c.Submit(context.Background(), model.InstallRequest{Source: apk(t), Mechanism: model.Elevated})
		out, err := f.Wait(context.Background(), 5*time.Second)
		require.NoError(t, err)
		assert.True(t, out.Succeeded, out.Message)
		assert.False(t, f.Resolve(model.InstallOutcome{}), "already resolved")
		ids[out.RequestID] = true
	}
	h.c.Wait()
	assert.Len(t, ids, 3, "request ids must be distinct")
}

func TestSubmitConcurrentElevatedSerializes(t *testing.T) {
	h := newHarness(t)
	h.ft.Granted = true
	path := apk(t)

	var wg sync.WaitGroup
	outs := make([]model.InstallOutcome, 4)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := h.c.Submit(context.Background(), model.InstallRequest{Source: path, Mechanism: model.Elevated})
			outs[i], _ = f.Wait(context.Background(), 10*time.Second)
		}()
	}
	wg.Wait()
	h.c.Wait()

	for _, out := range outs {
		assert.True(t, out.Succeeded, out.Message)
	}
	assert.Len(t, h.ft.Created, 4)
}

func TestSubmitCancelledBeforeStart(t *testing.T) {
	c := New(Options{Workers: 1, Shell: shell.New(&fakeRunner{stdout: "Success"}, shell.DefaultConfig(), nil)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := c.Submit(ctx, model.InstallRequest{Source: "/a.apk", Mechanism: model.Shell})
	out, err := f.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	c.Wait()
}

func TestCheckPermissionElevated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ft.Version = "9.0.0"
	assert.Equal(t, model.PreflightUnsupported, h.c.CheckPermission(ctx, model.Elevated))
	h.ft.Version = "13.0.0"

	assert.Equal(t, model.PreflightRequested, h.c.CheckPermission(ctx, model.Elevated))
	assert.Equal(t, 1, h.ft.RequestCount())

	h.ft.Rationale = true
	assert.Equal(t, model.PreflightDenied, h.c.CheckPermission(ctx, model.Elevated))

	h.ft.Granted = true
	assert.Equal(t, model.PreflightGranted, h.c.CheckPermission(ctx, model.Elevated))
}

func TestCheckPermissionShell(t *testing.T) {
	h := newHarness(t)
	h.runner.stdout = "0\n"
	assert.Equal(t, model.PreflightGranted, h.c.CheckPermission(context.Background(), model.Shell))
	h.runner.stdout = "2000\n"
	assert.Equal(t, model.PreflightDenied, h.c.CheckPermission(context.Background(), model.Shell))
}
