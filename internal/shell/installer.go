// Package shell installs packages by running the package manager command
// line under a superuser shell. Results are inferred from tool output.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ppiankov/sideload/internal/model"
)

// Config holds shell install settings.
type Config struct {
	Su              string
	SuccessMarker   string
	ReplaceExisting bool
	AllowTest       bool
	Timeout         time.Duration
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Su:              "su",
		SuccessMarker:   DefaultSuccessMarker,
		ReplaceExisting: true,
		AllowTest:       true,
		Timeout:         5 * time.Minute,
	}
}

// Installer runs pm install through a Runner.
type Installer struct {
	runner Runner
	cfg    Config
	log    *slog.Logger
}

// New creates an Installer. A nil runner executes cfg.Su on the host.
func New(runner Runner, cfg Config, log *slog.Logger) *Installer {
	if cfg.Su == "" {
		cfg.Su = "su"
	}
	if cfg.SuccessMarker == "" {
		cfg.SuccessMarker = DefaultSuccessMarker
	}
	if runner == nil {
		runner = ExecRunner{Su: cfg.Su}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Installer{runner: runner, cfg: cfg, log: log.With("component", "shell")}
}

// Install runs the install command for req and classifies its output.
func (in *Installer) Install(ctx context.Context, req model.InstallRequest) (out model.InstallOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = model.Failed(req, model.StatusFailure, "shell install panicked: %v", r)
		}
		out.Duration = time.Since(start)
	}()

	path, err := req.SourcePath()
	if err != nil {
		return model.Failed(req, model.StatusFailure, "%v", err)
	}

	if in.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.cfg.Timeout)
		defer cancel()
	}

	command := BuildCommand(path, req.ReplaceOr(in.cfg.ReplaceExisting), in.cfg.AllowTest)
	log := in.log.With("request_id", req.ID)
	log.Debug("running", "command", command)

	res, err := in.runner.Run(ctx, command)
	if err != nil {
		log.Warn("shell unavailable", "error", err)
		return model.Failed(req, model.StatusFailure, "run %s: %v", in.cfg.Su, err)
	}

	ok, msg := ParseOutput(res.Stdout, in.cfg.SuccessMarker)
	if ok {
		log.Info("install reported success", "exit_code", res.ExitCode)
		return model.Succeeded(req, "shell reported: "+msg)
	}

	if msg == "" {
		msg = lastLine(res.Stderr)
	}
	if msg == "" {
		msg = fmt.Sprintf("no output (exit code %d)", res.ExitCode)
	}
	log.Warn("install reported failure", "exit_code", res.ExitCode, "code", FailureCode(res.Stdout+res.Stderr))
	return model.Failed(req, model.StatusFailure, "shell reported: %s", msg)
}

// CheckRoot reports whether the superuser shell grants uid 0.
func (in *Installer) CheckRoot(ctx context.Context) bool {
	res, err := in.runner.Run(ctx, "id -u")
	if err != nil {
		in.log.Debug("root check failed", "error", err)
		return false
	}
	return res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "0"
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
