// Package brokertest provides an in-memory broker transport for tests.
package brokertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ppiankov/sideload/internal/broker"
)

// ErrDead is returned by every call after Kill.
var ErrDead = errors.New("brokertest: binder dead")

// CommitMode controls how a fake session answers Commit.
type CommitMode int

const (
	// CommitDeliver sends CommitStatus to the sink.
	CommitDeliver CommitMode = iota
	// CommitNever accepts the commit but never calls the sink.
	CommitNever
	// CommitError fails the Commit call itself.
	CommitError
)

// Transport is a scriptable broker.Transport.
type Transport struct {
	mu sync.Mutex

	Version    string
	UIDValue   int
	Granted    bool
	Rationale  bool
	Requests   []int
	RequestErr error
	InfoErr    error

	CreateErr      error
	OpenSessionErr error
	OpenWriteErr   error
	WriteErr     error
	CloseErr     error
	Commit       CommitMode
	CommitStatus int
	CommitMsg    string
	// OnCommit runs inside Commit before the result is delivered.
	OnCommit func()
	// OnWrite runs after each successful chunk write with the chunk index.
	OnWrite func(chunk int)

	dead     bool
	sinks    map[int]broker.EventSink
	nextSink int

	nextSession int
	Sessions    map[int]*Session
	Created     []broker.SessionParams
}

// New returns a live transport with a supported version and no grant.
func New() *Transport {
	return &Transport{
		Version:     "13.1.5",
		UIDValue:    2000,
		sinks:       make(map[int]broker.EventSink),
		Sessions:    make(map[int]*Session),
		nextSession: 100,
	}
}

// Connect delivers BinderReceived to every subscriber.
func (t *Transport) Connect() {
	t.mu.Lock()
	t.dead = false
	sinks := t.snapshotSinks()
	t.mu.Unlock()
	for _, s := range sinks {
		s.BinderReceived()
	}
}

// Kill marks the broker dead and delivers BinderDead.
func (t *Transport) Kill() {
	t.mu.Lock()
	t.dead = true
	sinks := t.snapshotSinks()
	t.mu.Unlock()
	for _, s := range sinks {
		s.BinderDead()
	}
}

// Answer delivers a permission result for ticket to every subscriber.
func (t *Transport) Answer(ticket int, granted bool) {
	t.mu.Lock()
	if granted {
		t.Granted = true
	}
	sinks := t.snapshotSinks()
	t.mu.Unlock()
	for _, s := range sinks {
		s.PermissionResult(ticket, granted)
	}
}

// Subscribers returns the number of registered sinks.
func (t *Transport) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks)
}

func (t *Transport) snapshotSinks() []broker.EventSink {
	out := make([]broker.EventSink, 0, len(t.sinks))
	for _, s := range t.sinks {
		out = append(out, s)
	}
	return out
}

func (t *Transport) Info(ctx context.Context) (broker.Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return broker.Info{}, ErrDead
	}
	if t.InfoErr != nil {
		return broker.Info{}, t.InfoErr
	}
	return broker.Info{Version: t.Version, UID: t.UIDValue}, nil
}

func (t *Transport) CheckSelfPermission(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return false, ErrDead
	}
	return t.Granted, nil
}

func (t *Transport) ShouldShowRationale(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return false, ErrDead
	}
	return t.Rationale, nil
}

func (t *Transport) RequestPermission(ctx context.Context, ticket int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return ErrDead
	}
	if t.RequestErr != nil {
		return t.RequestErr
	}
	t.Requests = append(t.Requests, ticket)
	return nil
}

func (t *Transport) PackageInstaller(ctx context.Context) (broker.PrivilegedInstaller, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return nil, ErrDead
	}
	return installer{t: t}, nil
}

func (t *Transport) Subscribe(sink broker.EventSink) func() {
	t.mu.Lock()
	id := t.nextSink
	t.nextSink++
	t.sinks[id] = sink
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.sinks, id)
		t.mu.Unlock()
	}
}

type installer struct{ t *Transport }

func (i installer) CreateSession(ctx context.Context, params broker.SessionParams) (int, error) {
	t := i.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return 0, ErrDead
	}
	if t.CreateErr != nil {
		return 0, t.CreateErr
	}
	id := t.nextSession
	t.nextSession++
	t.Created = append(t.Created, params)
	t.Sessions[id] = &Session{t: t, id: id, Params: params}
	return id, nil
}

func (i installer) OpenSession(ctx context.Context, id int) (broker.Session, error) {
	t := i.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return nil, ErrDead
	}
	if t.OpenSessionErr != nil {
		return nil, t.OpenSessionErr
	}
	s, ok := t.Sessions[id]
	if !ok {
		return nil, fmt.Errorf("brokertest: no session %d", id)
	}
	return s, nil
}

func (i installer) AbandonSession(ctx context.Context, id int) error {
	t := i.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return ErrDead
	}
	s, ok := t.Sessions[id]
	if !ok {
		return fmt.Errorf("brokertest: no session %d", id)
	}
	s.Abandoned = true
	s.Closed = true
	return nil
}

// Session records everything done to it.
type Session struct {
	t      *Transport
	id     int
	Params broker.SessionParams

	Entry     string
	Data      bytes.Buffer
	Chunks    []int
	Flushes   int
	Fsyncs    int
	Committed bool
	Abandoned bool
	Closed    bool
	WriteOpen bool
}

func (s *Session) ID() int { return s.id }

func (s *Session) OpenWrite(ctx context.Context, name string, offset, length int64) (broker.WriteHandle, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.dead {
		return nil, ErrDead
	}
	if s.t.OpenWriteErr != nil {
		return nil, s.t.OpenWriteErr
	}
	s.Entry = name
	s.WriteOpen = true
	return &writer{s: s}, nil
}

func (s *Session) Commit(ctx context.Context, sink broker.StatusSink) error {
	s.t.mu.Lock()
	if s.t.dead {
		s.t.mu.Unlock()
		return ErrDead
	}
	mode := s.t.Commit
	status, msg := s.t.CommitStatus, s.t.CommitMsg
	hook := s.t.OnCommit
	s.Committed = true
	s.t.mu.Unlock()

	if hook != nil {
		hook()
	}
	switch mode {
	case CommitError:
		return errors.New("brokertest: commit rejected")
	case CommitNever:
		return nil
	}
	go sink(broker.CommitResult{SessionID: s.id, Status: status, Message: msg, PackageName: s.Params.AppPackageName})
	return nil
}

func (s *Session) Abandon(ctx context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.Abandoned = true
	return nil
}

func (s *Session) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.Closed = true
	return s.t.CloseErr
}

type writer struct {
	s      *Session
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	t := w.s.t
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return 0, ErrDead
	}
	if t.WriteErr != nil {
		t.mu.Unlock()
		return 0, t.WriteErr
	}
	w.s.Data.Write(p)
	w.s.Chunks = append(w.s.Chunks, len(p))
	idx := len(w.s.Chunks) - 1
	hook := t.OnWrite
	t.mu.Unlock()
	if hook != nil {
		hook(idx)
	}
	return len(p), nil
}

func (w *writer) Flush() error {
	w.s.t.mu.Lock()
	defer w.s.t.mu.Unlock()
	w.s.Flushes++
	return nil
}

func (w *writer) Fsync() error {
	w.s.t.mu.Lock()
	defer w.s.t.mu.Unlock()
	if w.s.t.dead {
		return ErrDead
	}
	w.s.Fsyncs++
	return nil
}

func (w *writer) Close() error {
	w.s.t.mu.Lock()
	defer w.s.t.mu.Unlock()
	w.closed = true
	w.s.WriteOpen = false
	return nil
}

// Snapshot copies session counters under the transport lock.
func (t *Transport) Snapshot(id int) Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.Sessions[id]
	if s == nil {
		return Session{}
	}
	cp := Session{
		id:        s.id,
		Params:    s.Params,
		Entry:     s.Entry,
		Chunks:    append([]int(nil), s.Chunks...),
		Flushes:   s.Flushes,
		Fsyncs:    s.Fsyncs,
		Committed: s.Committed,
		Abandoned: s.Abandoned,
		Closed:    s.Closed,
		WriteOpen: s.WriteOpen,
	}
	cp.Data.Write(s.Data.Bytes())
	return cp
}

// LastSessionID returns the id of the most recently created session, or 0.
func (t *Transport) LastSessionID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Created) == 0 {
		return 0
	}
	return t.nextSession - 1
}

// RequestCount returns how many prompts were fired.
func (t *Transport) RequestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Requests)
}
