package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// Result captures subprocess execution outcome.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner executes a single command string under the superuser binary.
type Runner interface {
	Run(ctx context.Context, command string) (*Result, error)
}

// ExecRunner runs "<Su> -c <command>" as a subprocess.
type ExecRunner struct {
	Su string
}

// Run executes command. A non-zero exit is reported in Result, not as an
// error; err is returned only when the process could not be started.
func (r ExecRunner) Run(ctx context.Context, command string) (*Result, error) {
	su := r.Su
	if su == "" {
		su = "su"
	}

	cmd := exec.CommandContext(ctx, su, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		exitCode = -1
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			exitCode = status.ExitStatus()
		}
	}

	return &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}
