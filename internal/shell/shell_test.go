package shell

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/ppiankov/sideload/internal/model"
)

type scriptedRunner struct {
	result   *Result
	err      error
	commands []string
}

func (r *scriptedRunner) Run(_ context.Context, command string) (*Result, error) {
	r.commands = append(r.commands, command)
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		wantOK  bool
		wantMsg string
	}{
		{"plain success", "Success\n", true, "Success"},
		{"streamed success", "Performing Streamed Install\nSuccess\n", true, "Success"},
		{"trailing whitespace", "Performing Streamed Install\r\n  Success  \n\n", true, "Success"},
		{"failure", "Performing Streamed Install\nFailure [INSTALL_FAILED_INVALID_APK]\n", false, "Failure [INSTALL_FAILED_INVALID_APK]"},
		{"empty", "", false, ""},
		{"blank lines", "\n\n   \n", false, ""},
		{"success not last", "Success\nFailure [INSTALL_FAILED_VERSION_DOWNGRADE]", false, "Failure [INSTALL_FAILED_VERSION_DOWNGRADE]"},
		{"suffix across lines", "Succ\ness", true, "ess"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := ParseOutput(tt.stdout, "")
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if msg != tt.wantMsg {
				t.Errorf("msg = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestParseOutputCustomMarker(t *testing.T) {
	ok, _ := ParseOutput("Installed OK\n", "OK")
	if !ok {
		t.Error("custom marker not honoured")
	}
}

func TestFailureCode(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Failure [INSTALL_FAILED_INVALID_APK]", "INSTALL_FAILED_INVALID_APK"},
		{"adb: failed\nFailure [INSTALL_FAILED_UPDATE_INCOMPATIBLE: signatures]", "INSTALL_FAILED_UPDATE_INCOMPATIBLE"},
		{"Success", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := FailureCode(tt.in); got != tt.want {
			t.Errorf("FailureCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		path      string
		replace   bool
		allowTest bool
		want      string
	}{
		{"/data/local/tmp/app.apk", true, true, "pm install -r -t '/data/local/tmp/app.apk'"},
		{"/data/local/tmp/app.apk", false, true, "pm install -t '/data/local/tmp/app.apk'"},
		{"/sdcard/my app.apk", false, false, "pm install '/sdcard/my app.apk'"},
		{"/sdcard/it's.apk", true, false, `pm install -r '/sdcard/it'\''s.apk'`},
		{"/tmp/a;reboot.apk", false, false, "pm install '/tmp/a;reboot.apk'"},
	}
	for _, tt := range tests {
		if got := BuildCommand(tt.path, tt.replace, tt.allowTest); got != tt.want {
			t.Errorf("BuildCommand(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestInstallSuccess(t *testing.T) {
	r := &scriptedRunner{result: &Result{Stdout: "Performing Streamed Install\nSuccess\n"}}
	in := New(r, DefaultConfig(), nil)

	out := in.Install(context.Background(), model.InstallRequest{ID: "r1", Source: "/data/local/tmp/a.apk", Mechanism: model.Shell})
	if !out.Succeeded || out.StatusCode != model.StatusOK {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(r.commands) != 1 || r.commands[0] != "pm install -r -t '/data/local/tmp/a.apk'" {
		t.Errorf("unexpected commands: %v", r.commands)
	}
	if !strings.HasPrefix(out.Message, "shell reported") {
		t.Errorf("message should be marked as inferred, got %q", out.Message)
	}
}

func TestInstallHonoursReplace(t *testing.T) {
	r := &scriptedRunner{result: &Result{Stdout: "Success"}}
	in := New(r, DefaultConfig(), nil)

	no := false
	in.Install(context.Background(), model.InstallRequest{Source: "/a.apk", Mechanism: model.Shell, Replace: &no})
	if strings.Contains(r.commands[0], "-r") {
		t.Errorf("replace flag should be absent: %q", r.commands[0])
	}
}

func TestInstallFailureOutput(t *testing.T) {
	r := &scriptedRunner{result: &Result{Stdout: "Failure [INSTALL_FAILED_INVALID_APK]\n", ExitCode: 1}}
	out := New(r, DefaultConfig(), nil).Install(context.Background(), model.InstallRequest{Source: "/a.apk", Mechanism: model.Shell})
	if out.Succeeded || out.StatusCode != model.StatusFailure {
		t.Fatalf("expected failure, got %+v", out)
	}
	if !strings.Contains(out.Message, "INSTALL_FAILED_INVALID_APK") {
		t.Errorf("message lost failure code: %q", out.Message)
	}
}

func TestInstallEmptyOutputUsesStderr(t *testing.T) {
	r := &scriptedRunner{result: &Result{Stderr: "su: permission denied\n", ExitCode: 1}}
	out := New(r, DefaultConfig(), nil).Install(context.Background(), model.InstallRequest{Source: "/a.apk", Mechanism: model.Shell})
	if out.Succeeded {
		t.Fatal("empty stdout must fail")
	}
	if !strings.Contains(out.Message, "permission denied") {
		t.Errorf("expected stderr in message, got %q", out.Message)
	}
}

func TestInstallRunnerError(t *testing.T) {
	r := &scriptedRunner{err: exec.ErrNotFound}
	out := New(r, DefaultConfig(), nil).Install(context.Background(), model.InstallRequest{Source: "/a.apk", Mechanism: model.Shell})
	if out.Succeeded || out.StatusCode != model.StatusFailure {
		t.Fatalf("expected failure, got %+v", out)
	}
}

func TestInstallRejectsRemoteURI(t *testing.T) {
	r := &scriptedRunner{result: &Result{Stdout: "Success"}}
	out := New(r, DefaultConfig(), nil).Install(context.Background(), model.InstallRequest{Source: "https://example.com/a.apk", Mechanism: model.Shell})
	if out.Succeeded {
		t.Fatal("remote source must fail")
	}
	if len(r.commands) != 0 {
		t.Error("no command should run for an invalid source")
	}
}

func TestCheckRoot(t *testing.T) {
	tests := []struct {
		name string
		r    *scriptedRunner
		want bool
	}{
		{"root", &scriptedRunner{result: &Result{Stdout: "0\n"}}, true},
		{"shell user", &scriptedRunner{result: &Result{Stdout: "2000\n"}}, false},
		{"denied", &scriptedRunner{result: &Result{ExitCode: 1, Stderr: "denied"}}, false},
		{"no su", &scriptedRunner{err: errors.New("exec: \"su\": not found")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.r, DefaultConfig(), nil).CheckRoot(context.Background()); got != tt.want {
				t.Errorf("CheckRoot = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecRunnerCapturesExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := ExecRunner{Su: "sh"}

	res, err := r.Run(context.Background(), "echo Success; echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "Success" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	_, err := ExecRunner{Su: "/nonexistent/su-binary"}.Run(context.Background(), "id -u")
	if err == nil {
		t.Fatal("expected start error")
	}
}
