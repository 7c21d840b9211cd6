// Package session performs installs through a delegated package-installer
// session obtained from the privilege broker.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ppiankov/sideload/internal/bridge"
	"github.com/ppiankov/sideload/internal/broker"
	"github.com/ppiankov/sideload/internal/model"
)

// ShellPackage owns sessions created while the broker runs as the shell
// user; the service checks session ownership against it.
const ShellPackage = "com.android.shell"

// rootUID is the uid of a broker started by the superuser.
const rootUID = 0

// cleanupTimeout bounds abandon/close calls made after the caller's context
// may already be done.
const cleanupTimeout = 10 * time.Second

// Config holds elevated install settings.
type Config struct {
	ChunkSize       int
	CommitTimeout   time.Duration
	EntryName       string
	ReplaceExisting bool
	HostPackage     string
	HostUserID      int
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		CommitTimeout:   5 * time.Minute,
		EntryName:       "base.apk",
		ReplaceExisting: true,
		HostPackage:     "dev.sideload",
	}
}

// Installer drives one elevated install at a time per broker client.
type Installer struct {
	client *broker.Client
	cfg    Config
	log    *slog.Logger
}

// New creates an Installer. Zero config fields take defaults.
func New(client *broker.Client, cfg Config, log *slog.Logger) *Installer {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.EntryName == "" {
		cfg.EntryName = def.EntryName
	}
	if cfg.HostPackage == "" {
		cfg.HostPackage = def.HostPackage
	}
	if log == nil {
		log = slog.Default()
	}
	return &Installer{client: client, cfg: cfg, log: log.With("component", "session")}
}

// Install runs the session protocol for req. It never panics and always
// returns an outcome.
func (in *Installer) Install(ctx context.Context, req model.InstallRequest) (out model.InstallOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = model.Failed(req, model.StatusFailure, "elevated install panicked: %v", r)
		}
		out.Duration = time.Since(start)
	}()

	release, err := in.client.AcquireSession(ctx)
	if err != nil {
		return model.Failed(req, model.StatusFailure, "%v", err)
	}
	defer release()

	watch := in.client.WatchBinder()
	defer watch.Close()
	if watch.Fired() {
		return model.Failed(req, model.StatusFailure, "%v", broker.ErrBinderDead)
	}

	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-watch.Dead():
			cancel(broker.ErrBinderDead)
		case <-sessCtx.Done():
		}
	}()

	params, err := in.sessionParams(sessCtx, req)
	if err != nil {
		return model.Failed(req, model.StatusFailure, "resolve session owner: %v", err)
	}

	pi, err := in.client.Installer(sessCtx)
	if err != nil {
		return model.Failed(req, model.StatusFailure, "%v", err)
	}
	id, err := pi.CreateSession(sessCtx, params)
	if err != nil {
		return model.Failed(req, model.StatusFailure, "create session: %v", err)
	}
	sess, err := pi.OpenSession(sessCtx, id)
	if err != nil {
		cctx, stop := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer stop()
		if aerr := pi.AbandonSession(cctx, id); aerr != nil {
			in.log.Warn("abandon unopened session failed", "request_id", req.ID, "session_id", id, "error", aerr)
		}
		return model.Failed(req, model.StatusFailure, "open session %d: %v", id, err)
	}

	log := in.log.With("request_id", req.ID, "session_id", id)
	log.Info("session opened", "installer", params.InstallerPackage, "user", params.UserID, "flags", int(params.Flags))

	a := &attempt{sess: sess}
	res, runErr := in.run(sessCtx, req, a, watch)
	closeErr := in.closeSession(ctx, a)
	died := watch.Fired()

	switch {
	case errors.Is(runErr, bridge.ErrTimedOut):
		log.Warn("commit result not received", "timeout", in.cfg.CommitTimeout)
		return model.Failed(req, model.StatusTimedOut,
			"commit result not received within %s; install outcome unknown", in.cfg.CommitTimeout)
	case died:
		log.Warn("binder died during session")
		return model.Failed(req, model.StatusFailure, "broker died during session %d", id)
	case runErr != nil:
		log.Warn("session failed", "error", runErr, "bytes", a.written)
		return model.Failed(req, model.StatusFailure, "%v", runErr)
	case res.Status != broker.CommitStatusSuccess:
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("install failed with status %d", res.Status)
		}
		log.Warn("commit rejected", "status", res.Status, "message", res.Message)
		return model.Failed(req, model.StatusFailure, "%s", msg)
	}

	out = model.Succeeded(req, res.Message)
	if closeErr != nil {
		log.Warn("session close failed after successful install", "error", closeErr)
		out.Message = fmt.Sprintf("installed; session close failed: %v", closeErr)
	}
	log.Info("install committed", "bytes", a.written, "package", res.PackageName)
	return out
}

// attempt tracks what happened to one open session.
type attempt struct {
	sess      broker.Session
	committed bool
	written   int64
}

// run performs steps write, commit and wait.
func (in *Installer) run(ctx context.Context, req model.InstallRequest, a *attempt, watch *broker.Watch) (broker.CommitResult, error) {
	path, err := req.SourcePath()
	if err != nil {
		return broker.CommitResult{}, err
	}

	a.written, err = in.writePayload(ctx, a.sess, path)
	if err != nil {
		return broker.CommitResult{}, err
	}

	result := bridge.NewFuture[broker.CommitResult]()
	if err := a.sess.Commit(ctx, func(r broker.CommitResult) { result.Resolve(r) }); err != nil {
		return broker.CommitResult{}, fmt.Errorf("commit session: %w", err)
	}
	a.committed = true

	res, err := result.Wait(ctx, in.cfg.CommitTimeout)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, bridge.ErrTimedOut) {
			return broker.CommitResult{}, fmt.Errorf("await commit: %w", cause)
		}
		return broker.CommitResult{}, err
	}
	return res, nil
}

func (in *Installer) writePayload(ctx context.Context, sess broker.Session, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := sess.OpenWrite(ctx, in.cfg.EntryName, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("open session write: %w", err)
	}

	n, streamErr := Stream(ctx, dst, src, in.cfg.ChunkSize)
	closeErr := dst.Close()
	if streamErr != nil {
		return n, streamErr
	}
	if closeErr != nil {
		return n, fmt.Errorf("close session write: %w", closeErr)
	}
	return n, nil
}

// closeSession abandons an uncommitted session, then closes it.
func (in *Installer) closeSession(ctx context.Context, a *attempt) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var errs []error
	if !a.committed {
		if err := a.sess.Abandon(cctx); err != nil {
			errs = append(errs, fmt.Errorf("abandon: %w", err))
		}
	}
	if err := a.sess.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}

// sessionParams resolves the session owner from the broker's uid.
func (in *Installer) sessionParams(ctx context.Context, req model.InstallRequest) (broker.SessionParams, error) {
	uid, err := in.client.UID(ctx)
	if err != nil {
		return broker.SessionParams{}, err
	}

	p := broker.SessionParams{
		InstallerPackage: ShellPackage,
		UserID:           0,
		Flags:            broker.FlagAllowTest,
		AppPackageName:   req.DerivedPackageName(),
	}
	if uid == rootUID {
		p.InstallerPackage = in.cfg.HostPackage
		p.UserID = in.cfg.HostUserID
	}
	if req.ReplaceOr(in.cfg.ReplaceExisting) {
		p.Flags |= broker.FlagReplaceExisting
	}
	return p, nil
}
