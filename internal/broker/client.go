// Package broker tracks the connection to the privilege broker and is the
// only way to obtain its package-installer capability.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/ppiankov/sideload/internal/bridge"
	"github.com/ppiankov/sideload/internal/model"
)

// DefaultMinVersion is the oldest broker protocol accepted for elevated
// installs.
const DefaultMinVersion = "11.0.0"

// Ticket codes are drawn from this range, matching the request codes used
// by the platform permission API.
const (
	ticketMin = 10
	ticketMax = 200
)

var (
	ErrUnsupported = errors.New("broker unsupported")
	ErrBinderDead  = errors.New("broker binder is dead")
	ErrNotGranted  = errors.New("broker permission not granted")
	ErrSessionBusy = errors.New("another elevated session is in progress")
)

// Options configure a Client.
type Options struct {
	MinVersion string
	Logger     *slog.Logger
	// Results receives resolved permission prompts. May be nil.
	Results *bridge.Mailbox[model.PermissionResult]
}

// Client owns the process-wide broker connection state.
type Client struct {
	transport  Transport
	minVersion *semver.Version
	log        *slog.Logger
	results    *bridge.Mailbox[model.PermissionResult]

	mu          sync.Mutex
	state       model.ConnectionState
	lastTicket  int
	watches     map[*Watch]struct{}
	unsubscribe func()

	sessionSlot chan struct{}
}

// NewClient creates a client for the given transport. Call Start to begin
// receiving events.
func NewClient(t Transport, opts Options) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("broker: nil transport")
	}
	minVersion := opts.MinVersion
	if minVersion == "" {
		minVersion = DefaultMinVersion
	}
	v, err := semver.NewVersion(minVersion)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid min version %q: %w", minVersion, err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	results := opts.Results
	if results == nil {
		results = &bridge.Mailbox[model.PermissionResult]{}
	}
	return &Client{
		transport:   t,
		minVersion:  v,
		log:         log.With("component", "broker"),
		results:     results,
		state:       model.ConnectionState{Permission: model.PermissionUnknown},
		watches:     make(map[*Watch]struct{}),
		sessionSlot: make(chan struct{}, 1),
	}, nil
}

// Start subscribes the client to transport events. Idempotent.
func (c *Client) Start() {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	unsub := c.transport.Subscribe(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		unsub()
		return
	}
	c.unsubscribe = unsub
}

// Stop removes the event subscription. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Results exposes the mailbox that receives resolved permission prompts.
func (c *Client) Results() *bridge.Mailbox[model.PermissionResult] {
	return c.results
}

// State returns a snapshot of the connection state.
func (c *Client) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CheckAvailability reports Unsupported when the broker is unreachable or
// its protocol version predates the minimum.
func (c *Client) CheckAvailability(ctx context.Context) model.Availability {
	info, err := c.info(ctx)
	if err != nil {
		c.log.Debug("availability check failed", "error", err)
		return model.Unsupported
	}
	v, err := semver.NewVersion(info.Version)
	if err != nil {
		c.log.Warn("broker reported unparseable version", "version", info.Version, "error", err)
		return model.Unsupported
	}
	if v.LessThan(c.minVersion) {
		c.log.Info("broker too old", "version", v.String(), "min", c.minVersion.String())
		return model.Unsupported
	}
	return model.Available
}

// CheckPermission queries the broker. It has no side effects; a dead binder
// or any transport error yields CheckUnknown.
func (c *Client) CheckPermission(ctx context.Context) model.PermissionCheck {
	if !c.binderAlive() {
		return model.CheckUnknown
	}

	var granted bool
	if err := c.guard(func() (err error) {
		granted, err = c.transport.CheckSelfPermission(ctx)
		return err
	}); err != nil {
		c.log.Debug("permission query failed", "error", err)
		return model.CheckUnknown
	}
	if granted {
		return model.CheckGranted
	}

	var rationale bool
	if err := c.guard(func() (err error) {
		rationale, err = c.transport.ShouldShowRationale(ctx)
		return err
	}); err != nil {
		c.log.Debug("rationale query failed", "error", err)
		return model.CheckUnknown
	}
	if rationale {
		return model.CheckDeniedPermanently
	}
	return model.CheckDeniedAskAgain
}

// RequestPermission fires a permission prompt and returns its ticket. While
// a ticket is outstanding further calls return it without prompting again.
func (c *Client) RequestPermission(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.state.Ticket != 0 {
		t := c.state.Ticket
		c.mu.Unlock()
		return t, nil
	}
	if !c.state.BinderAlive {
		c.mu.Unlock()
		return 0, ErrBinderDead
	}
	ticket := c.mintTicketLocked()
	prev := c.state.Permission
	c.state.Ticket = ticket
	c.state.Permission = model.PermissionPendingRequest
	c.mu.Unlock()

	err := c.guard(func() error {
		return c.transport.RequestPermission(ctx, ticket)
	})
	if err != nil {
		c.mu.Lock()
		if c.state.Ticket == ticket {
			c.state.Ticket = 0
			c.state.Permission = prev
		}
		c.mu.Unlock()
		return 0, fmt.Errorf("request permission: %w", err)
	}

	c.log.Info("permission prompt fired", "ticket", ticket)
	return ticket, nil
}

// PendingTicket returns the outstanding ticket, or 0.
func (c *Client) PendingTicket() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Ticket
}

// UID returns the uid the broker runs as.
func (c *Client) UID(ctx context.Context) (int, error) {
	info, err := c.info(ctx)
	if err != nil {
		return 0, err
	}
	return info.UID, nil
}

// Installer returns the privileged package installer. The binder must be
// alive and the permission granted at the time of the call.
func (c *Client) Installer(ctx context.Context) (PrivilegedInstaller, error) {
	if !c.binderAlive() {
		return nil, ErrBinderDead
	}
	if c.CheckPermission(ctx) != model.CheckGranted {
		return nil, ErrNotGranted
	}

	var pi PrivilegedInstaller
	if err := c.guard(func() (err error) {
		pi, err = c.transport.PackageInstaller(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("obtain package installer: %w", err)
	}
	if pi == nil {
		return nil, fmt.Errorf("obtain package installer: broker returned none")
	}
	return pi, nil
}

// AcquireSession reserves the single elevated session slot. It waits for a
// running session to finish or for ctx to be done.
func (c *Client) AcquireSession(ctx context.Context) (release func(), err error) {
	select {
	case c.sessionSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrSessionBusy, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-c.sessionSlot })
	}, nil
}

// BinderReceived implements EventSink.
func (c *Client) BinderReceived() {
	c.mu.Lock()
	changed := !c.state.BinderAlive
	c.state.BinderAlive = true
	c.mu.Unlock()
	if changed {
		c.log.Info("broker binder received")
	}
}

// BinderDead implements EventSink. Every open binder watch fires.
func (c *Client) BinderDead() {
	c.mu.Lock()
	wasAlive := c.state.BinderAlive
	c.state.BinderAlive = false
	if c.state.Permission == model.PermissionGranted {
		c.state.Permission = model.PermissionUnknown
	}
	watches := c.watches
	c.watches = make(map[*Watch]struct{})
	c.mu.Unlock()

	for w := range watches {
		w.fire()
	}
	if wasAlive {
		c.log.Warn("broker binder died", "open_sessions", len(watches))
	}
}

// PermissionResult implements EventSink. Results for any ticket other than
// the outstanding one are ignored.
func (c *Client) PermissionResult(ticket int, granted bool) {
	c.mu.Lock()
	if c.state.Ticket == 0 || ticket != c.state.Ticket {
		live := c.state.Ticket
		c.mu.Unlock()
		c.log.Debug("ignoring stale permission result", "ticket", ticket, "live", live)
		return
	}
	c.state.Ticket = 0
	if granted {
		c.state.Permission = model.PermissionGranted
	} else {
		c.state.Permission = model.PermissionDenied
	}
	c.mu.Unlock()

	res := model.PermissionResult{Ticket: ticket, Granted: granted}
	if !c.results.Deliver(res) {
		c.log.Debug("permission result discarded, no receiver", "ticket", ticket)
	}
}

// WatchBinder returns a watch that fires on the next binder death. If the
// binder is already dead the watch is returned fired.
func (c *Client) WatchBinder() *Watch {
	w := &Watch{client: c, dead: make(chan struct{})}
	c.mu.Lock()
	alive := c.state.BinderAlive
	if alive {
		c.watches[w] = struct{}{}
	}
	c.mu.Unlock()
	if !alive {
		w.fire()
	}
	return w
}

func (c *Client) removeWatch(w *Watch) {
	c.mu.Lock()
	delete(c.watches, w)
	c.mu.Unlock()
}

func (c *Client) binderAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.BinderAlive
}

func (c *Client) info(ctx context.Context) (Info, error) {
	var info Info
	err := c.guard(func() (err error) {
		info, err = c.transport.Info(ctx)
		return err
	})
	return info, err
}

func (c *Client) mintTicketLocked() int {
	t := c.lastTicket + 1
	if c.lastTicket == 0 || t > ticketMax {
		t = ticketMin + rand.IntN(ticketMax-ticketMin+1)
	}
	c.lastTicket = t
	return t
}

// guard runs a transport call, converting panics into errors.
func (c *Client) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker call panicked: %v", r)
		}
	}()
	return fn()
}
