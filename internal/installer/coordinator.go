// Package installer routes install requests to the elevated or shell
// mechanism and normalizes every result into a single outcome.
package installer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ppiankov/sideload/internal/bridge"
	"github.com/ppiankov/sideload/internal/broker"
	"github.com/ppiankov/sideload/internal/journal"
	"github.com/ppiankov/sideload/internal/model"
	"github.com/ppiankov/sideload/internal/session"
	"github.com/ppiankov/sideload/internal/shell"
)

// Journal records finished requests. *journal.Log implements it.
type Journal interface {
	Record(journal.Entry) error
}

// Options wire a Coordinator. Broker and Session are required for elevated
// installs, Shell for shell installs; a missing mechanism reports
// unsupported.
type Options struct {
	Broker  *broker.Client
	Session *session.Installer
	Shell   *shell.Installer
	Journal Journal
	Logger  *slog.Logger
	// Workers bounds concurrent Submit jobs. Default 4.
	Workers int
}

// Coordinator is the single entry point for install requests.
type Coordinator struct {
	broker  *broker.Client
	session *session.Installer
	shell   *shell.Installer
	journal Journal
	log     *slog.Logger

	workers *semaphore.Weighted
	wg      sync.WaitGroup
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Coordinator{
		broker:  opts.Broker,
		session: opts.Session,
		shell:   opts.Shell,
		journal: opts.Journal,
		log:     log.With("component", "installer"),
		workers: semaphore.NewWeighted(int64(workers)),
	}
}

// Install handles one request and returns its outcome. It never panics.
func (c *Coordinator) Install(ctx context.Context, req model.InstallRequest) (out model.InstallOutcome) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()
	log := c.log.With("request_id", req.ID, "mechanism", req.Mechanism)

	defer func() {
		if r := recover(); r != nil {
			log.Error("install panicked", "panic", r)
			out = model.Failed(req, model.StatusFailure, "install panicked: %v", r)
		}
		if out.Duration == 0 {
			out.Duration = time.Since(start)
		}
		c.record(log, req, out)
	}()

	if err := req.Validate(); err != nil {
		return model.Failed(req, model.StatusFailure, "%v", err)
	}
	log.Info("install requested", "source", req.Source)

	switch req.Mechanism {
	case model.Elevated:
		return c.installElevated(ctx, req, log)
	default:
		return c.installShell(ctx, req)
	}
}

func (c *Coordinator) installElevated(ctx context.Context, req model.InstallRequest, log *slog.Logger) model.InstallOutcome {
	if c.broker == nil || c.session == nil {
		return model.Failed(req, model.StatusUnsupported, "elevated installs are not configured")
	}
	if c.broker.CheckAvailability(ctx) == model.Unsupported {
		return model.Failed(req, model.StatusUnsupported, "privilege broker unavailable or too old")
	}

	switch check := c.broker.CheckPermission(ctx); check {
	case model.CheckGranted:
		return c.session.Install(ctx, req)
	case model.CheckDeniedPermanently:
		return model.Failed(req, model.StatusFailure, "broker permission denied permanently")
	case model.CheckDeniedAskAgain:
		ticket, err := c.broker.RequestPermission(ctx)
		if err != nil {
			return model.Failed(req, model.StatusFailure, "%v", err)
		}
		log.Info("install deferred until permission is answered", "ticket", ticket)
		return model.Failed(req, model.StatusPermissionPending, "broker permission requested (ticket %d); retry after it is answered", ticket)
	default:
		if c.broker.State().Permission == model.PermissionPendingRequest {
			return model.Failed(req, model.StatusPermissionPending, "broker permission request pending (ticket %d)", c.broker.PendingTicket())
		}
		return model.Failed(req, model.StatusFailure, "broker permission state unknown")
	}
}

func (c *Coordinator) installShell(ctx context.Context, req model.InstallRequest) model.InstallOutcome {
	if c.shell == nil {
		return model.Failed(req, model.StatusUnsupported, "shell installs are not configured")
	}
	return c.shell.Install(ctx, req)
}

// Submit runs Install on a worker goroutine. The returned future resolves
// exactly once, including when ctx ends before a worker is free.
func (c *Coordinator) Submit(ctx context.Context, req model.InstallRequest) *bridge.Future[model.InstallOutcome] {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	f := bridge.NewFuture[model.InstallOutcome]()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.workers.Acquire(ctx, 1); err != nil {
			out := model.Failed(req, model.StatusFailure, "install not started: %v", err)
			c.record(c.log.With("request_id", req.ID), req, out)
			f.Resolve(out)
			return
		}
		defer c.workers.Release(1)
		f.Resolve(c.Install(ctx, req))
	}()
	return f
}

// Wait blocks until every submitted job has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// CheckPermission is the pre-flight for mechanism. For the elevated path a
// missing grant that may still be asked for fires (or joins) a prompt.
func (c *Coordinator) CheckPermission(ctx context.Context, mechanism model.Mechanism) model.Preflight {
	switch mechanism {
	case model.Elevated:
		if c.broker == nil || c.broker.CheckAvailability(ctx) == model.Unsupported {
			return model.PreflightUnsupported
		}
		switch c.broker.CheckPermission(ctx) {
		case model.CheckGranted:
			return model.PreflightGranted
		case model.CheckDeniedPermanently:
			return model.PreflightDenied
		}
		if _, err := c.broker.RequestPermission(ctx); err != nil {
			c.log.Warn("permission request failed", "error", err)
			if errors.Is(err, broker.ErrBinderDead) {
				return model.PreflightUnsupported
			}
			return model.PreflightDenied
		}
		return model.PreflightRequested
	case model.Shell:
		if c.shell == nil {
			return model.PreflightUnsupported
		}
		if c.shell.CheckRoot(ctx) {
			return model.PreflightGranted
		}
		return model.PreflightDenied
	default:
		return model.PreflightUnsupported
	}
}

// PermissionResults attaches a receiver for resolved permission prompts.
// Attaching again replaces the previous receiver.
func (c *Coordinator) PermissionResults(buffer int) (<-chan model.PermissionResult, func()) {
	if c.broker == nil {
		ch := make(chan model.PermissionResult)
		close(ch)
		return ch, func() {}
	}
	return c.broker.Results().Attach(buffer)
}

func (c *Coordinator) record(log *slog.Logger, req model.InstallRequest, out model.InstallOutcome) {
	log.Info("install finished",
		"status", out.StatusCode.String(),
		"succeeded", out.Succeeded,
		"duration", out.Duration,
		"message", out.Message)
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(journal.FromOutcome(req, out)); err != nil {
		log.Warn("journal write failed", "error", err)
	}
}
