package model

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Mechanism selects the privilege channel used for an install.
type Mechanism string

const (
	Elevated Mechanism = "elevated"
	Shell    Mechanism = "shell"
)

// ParseMechanism maps a flag or wire value to a Mechanism.
func ParseMechanism(s string) (Mechanism, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "elevated", "broker", "session":
		return Elevated, nil
	case "shell", "root", "su":
		return Shell, nil
	default:
		return "", fmt.Errorf("unknown mechanism %q (want elevated or shell)", s)
	}
}

// StatusCode is the normalized result code surfaced to callers.
type StatusCode int

const (
	StatusOK                StatusCode = 0
	StatusFailure           StatusCode = 1
	StatusUnsupported       StatusCode = -1
	StatusPermissionPending StatusCode = -2
	// StatusTimedOut means the commit result never arrived within the
	// configured wait. The install may or may not have happened.
	StatusTimedOut StatusCode = -3
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusFailure:
		return "failure"
	case StatusUnsupported:
		return "unsupported"
	case StatusPermissionPending:
		return "permission_pending"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(c))
	}
}

// Permission is the broker-side permission state tracked by the client.
type Permission string

const (
	PermissionUnknown        Permission = "unknown"
	PermissionGranted        Permission = "granted"
	PermissionDenied         Permission = "denied"
	PermissionPendingRequest Permission = "pending_request"
)

// PermissionCheck is the answer to a permission query.
type PermissionCheck string

const (
	CheckGranted           PermissionCheck = "granted"
	CheckDeniedPermanently PermissionCheck = "denied_permanently"
	CheckDeniedAskAgain    PermissionCheck = "denied_ask_again"
	CheckUnknown           PermissionCheck = "unknown"
)

// Availability reports whether the broker can serve elevated installs at all.
type Availability string

const (
	Available   Availability = "available"
	Unsupported Availability = "unsupported"
)

// Preflight is the caller-facing permission pre-flight answer. The integer
// values are the codes used by the installer channel protocol.
type Preflight int

const (
	PreflightDenied      Preflight = 0
	PreflightGranted     Preflight = 1
	PreflightUnsupported Preflight = -1
	PreflightRequested   Preflight = -2
)

func (p Preflight) String() string {
	switch p {
	case PreflightDenied:
		return "denied"
	case PreflightGranted:
		return "granted"
	case PreflightUnsupported:
		return "unsupported"
	case PreflightRequested:
		return "requested"
	default:
		return fmt.Sprintf("preflight(%d)", int(p))
	}
}

// ConnectionState is a snapshot of the broker connection.
type ConnectionState struct {
	BinderAlive bool       `json:"binder_alive"`
	Permission  Permission `json:"permission"`
	Ticket      int        `json:"ticket,omitempty"`
}

// PermissionResult is the asynchronous answer to a permission prompt.
type PermissionResult struct {
	Ticket  int  `json:"ticket"`
	Granted bool `json:"granted"`
}

// InstallRequest describes one user-initiated install.
type InstallRequest struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Mechanism   Mechanism `json:"mechanism"`
	PackageName string    `json:"package_name,omitempty"`
	// Replace overrides the configured replace-existing default when set.
	Replace *bool  `json:"replace,omitempty"`
	Caller  string `json:"caller,omitempty"`
}

// Validate checks that the request can be routed.
func (r InstallRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("install request has no source")
	}
	switch r.Mechanism {
	case Elevated, Shell:
	default:
		return fmt.Errorf("install request has unknown mechanism %q", r.Mechanism)
	}
	return nil
}

// ReplaceOr returns the request's replace flag, or def when unset.
func (r InstallRequest) ReplaceOr(def bool) bool {
	if r.Replace == nil {
		return def
	}
	return *r.Replace
}

// SourcePath resolves Source to a local filesystem path. Plain paths and
// file:// URIs are accepted.
func (r InstallRequest) SourcePath() (string, error) {
	src := strings.TrimSpace(r.Source)
	if !strings.Contains(src, "://") {
		return filepath.Clean(src), nil
	}
	u, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("invalid source URI %q: %w", src, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("remote file URI %q is not supported", src)
	}
	return filepath.Clean(u.Path), nil
}

// DerivedPackageName returns PackageName, or the source file name without
// its extension when no name was given.
func (r InstallRequest) DerivedPackageName() string {
	if r.PackageName != "" {
		return r.PackageName
	}
	p, err := r.SourcePath()
	if err != nil {
		return ""
	}
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// InstallOutcome is delivered exactly once per InstallRequest.
type InstallOutcome struct {
	RequestID  string        `json:"request_id"`
	Mechanism  Mechanism     `json:"mechanism"`
	Succeeded  bool          `json:"succeeded"`
	StatusCode StatusCode    `json:"status_code"`
	Message    string        `json:"message,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// Failed builds a failure outcome for the request.
func Failed(req InstallRequest, code StatusCode, format string, args ...any) InstallOutcome {
	return InstallOutcome{
		RequestID:  req.ID,
		Mechanism:  req.Mechanism,
		StatusCode: code,
		Message:    fmt.Sprintf(format, args...),
	}
}

// Succeeded builds a success outcome for the request.
func Succeeded(req InstallRequest, message string) InstallOutcome {
	return InstallOutcome{
		RequestID:  req.ID,
		Mechanism:  req.Mechanism,
		Succeeded:  true,
		StatusCode: StatusOK,
		Message:    message,
	}
}
