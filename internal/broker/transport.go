package broker

import (
	"context"
	"io"
)

// Info describes the broker process on the other end of the transport.
type Info struct {
	Version string `json:"version"`
	UID     int    `json:"uid"`
}

// EventSink receives broker lifecycle and permission events. Methods are
// called on transport goroutines and must not block.
type EventSink interface {
	BinderReceived()
	BinderDead()
	PermissionResult(ticket int, granted bool)
}

// Transport is the out-of-process broker API. Every call may fail when the
// broker is dead or too old.
type Transport interface {
	Info(ctx context.Context) (Info, error)
	CheckSelfPermission(ctx context.Context) (bool, error)
	// ShouldShowRationale reports true when the user declined and asked
	// not to be prompted again.
	ShouldShowRationale(ctx context.Context) (bool, error)
	// RequestPermission fires a prompt. The answer arrives later through
	// EventSink.PermissionResult carrying the same ticket.
	RequestPermission(ctx context.Context, ticket int) error
	PackageInstaller(ctx context.Context) (PrivilegedInstaller, error)
	// Subscribe registers sink and returns a function that removes it.
	Subscribe(sink EventSink) (unsubscribe func())
}

// InstallFlags are passed to CreateSession.
type InstallFlags int

const (
	FlagReplaceExisting InstallFlags = 0x00000002
	FlagAllowTest       InstallFlags = 0x00000004
)

// Has reports whether all bits of f2 are set.
func (f InstallFlags) Has(f2 InstallFlags) bool { return f&f2 == f2 }

// SessionParams describe a new installer session and its owner.
type SessionParams struct {
	InstallerPackage string       `json:"installer_package"`
	UserID           int          `json:"user_id"`
	Flags            InstallFlags `json:"flags"`
	AppPackageName   string       `json:"app_package_name,omitempty"`
}

// Commit status values reported by the package service.
const (
	CommitStatusSuccess         = 0
	CommitStatusFailure         = 1
	CommitStatusFailureAborted  = 3
	CommitStatusFailureInvalid  = 4
	CommitStatusFailureConflict = 5
	CommitStatusFailureStorage  = 6
)

// CommitResult is the single asynchronous result of a commit.
type CommitResult struct {
	SessionID   int    `json:"session_id"`
	Status      int    `json:"status"`
	Message     string `json:"message,omitempty"`
	PackageName string `json:"package_name,omitempty"`
}

// StatusSink receives the commit result. It is called at most once.
type StatusSink func(CommitResult)

// PrivilegedInstaller is the package-installer capability handed out by
// the broker. It is only obtainable through Client.Installer.
type PrivilegedInstaller interface {
	CreateSession(ctx context.Context, params SessionParams) (int, error)
	OpenSession(ctx context.Context, sessionID int) (Session, error)
	// AbandonSession discards and releases a session that was created but
	// never opened.
	AbandonSession(ctx context.Context, sessionID int) error
}

// Session is one open installer session.
type Session interface {
	ID() int
	OpenWrite(ctx context.Context, name string, offset, length int64) (WriteHandle, error)
	Commit(ctx context.Context, sink StatusSink) error
	Abandon(ctx context.Context) error
	Close() error
}

// WriteHandle streams payload bytes into a session entry.
type WriteHandle interface {
	io.WriteCloser
	Flush() error
	Fsync() error
}
