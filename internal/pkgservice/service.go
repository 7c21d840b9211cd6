// Package pkgservice is the privileged package service behind the broker:
// it stages session payloads, validates and commits them, and records
// installed packages.
package pkgservice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Commit status codes, numerically identical to the platform
// PackageInstaller.STATUS_* values.
const (
	StatusSuccess         = 0
	StatusFailure         = 1
	StatusFailureAborted  = 3
	StatusFailureInvalid  = 4
	StatusFailureConflict = 5
	StatusFailureStorage  = 6
)

// FlagReplaceExisting allows a commit to replace an installed package.
const FlagReplaceExisting = 0x2

var (
	ErrNoSession     = errors.New("no such session")
	ErrNotOwner      = errors.New("session belongs to another installer")
	ErrNoHandle      = errors.New("no such write handle")
	ErrSessionSealed = errors.New("session is no longer writable")
	ErrOpenWriters   = errors.New("session has open write handles")
	ErrBadEntry      = errors.New("invalid entry name")
	ErrTooLarge      = errors.New("write exceeds declared length")
	ErrTooManyOpen   = errors.New("too many open sessions")
)

var validEntry = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Params describe a new session.
type Params struct {
	InstallerPackage string
	UserID           int
	Flags            int
	AppPackageName   string
}

// Result is the outcome of a commit.
type Result struct {
	SessionID   int
	Status      int
	Message     string
	PackageName string
}

type sessionState int

const (
	stateOpen sessionState = iota
	stateCommitting
	stateDone
)

type session struct {
	id      int
	owner   string
	params  Params
	dir     string
	state   sessionState
	writers int
	created time.Time
	// active is the last time the owner touched the session.
	active time.Time
}

type writeHandle struct {
	id      string
	sess    *session
	file    *os.File
	limit   int64
	written int64
}

// SessionInfo is a read-only view of an open session.
type SessionInfo struct {
	ID        int       `json:"id"`
	Owner     string    `json:"owner"`
	Package   string    `json:"package"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Config configures a Service.
type Config struct {
	Root        string
	MaxSessions int
}

// Service manages installer sessions.
type Service struct {
	dirs     Dirs
	registry *Registry
	max      int
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[int]*session
	handles  map[string]*writeHandle
	nextID   int

	commits sync.WaitGroup
}

// Open creates the directory layout, opens the registry and clears stale
// staging data from a previous run.
func Open(cfg Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	dirs := Dirs{Root: cfg.Root}
	if err := EnsureDirs(dirs); err != nil {
		return nil, err
	}
	if err := clearDir(dirs.StagingDir()); err != nil {
		return nil, fmt.Errorf("clear staging: %w", err)
	}
	reg, err := OpenRegistry(dirs.RegistryPath())
	if err != nil {
		return nil, err
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 16
	}
	return &Service{
		dirs:     dirs,
		registry: reg,
		max:      maxSessions,
		log:      log.With("component", "pkgservice"),
		sessions: make(map[int]*session),
		handles:  make(map[string]*writeHandle),
		nextID:   1,
	}, nil
}

// Registry exposes the installed-package registry.
func (s *Service) Registry() *Registry { return s.registry }

// Close waits for running commits, then closes the registry.
func (s *Service) Close() error {
	s.commits.Wait()
	s.mu.Lock()
	for id, h := range s.handles {
		h.file.Close()
		delete(s.handles, id)
	}
	s.mu.Unlock()
	return s.registry.Close()
}

// CreateSession opens a staging session owned by owner.
func (s *Service) CreateSession(owner string, p Params) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.max {
		return 0, ErrTooManyOpen
	}
	id := s.nextID
	dir := filepath.Join(s.dirs.StagingDir(), fmt.Sprintf("session-%d-%s", id, uuid.NewString()))
	if err := os.Mkdir(dir, dirPerm); err != nil {
		return 0, fmt.Errorf("create staging directory: %w", err)
	}
	s.nextID++
	now := time.Now().UTC()
	s.sessions[id] = &session{id: id, owner: owner, params: p, dir: dir, created: now, active: now}
	s.log.Info("session created", "session_id", id, "owner", owner, "installer", p.InstallerPackage, "package", p.AppPackageName)
	return id, nil
}

func (s *Service) sessionLocked(owner string, id int) (*session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSession, id)
	}
	if sess.owner != owner {
		return nil, fmt.Errorf("%w: %d", ErrNotOwner, id)
	}
	return sess, nil
}

// OpenWrite opens entry name of session id for writing at offset. A
// negative length means the size is not known in advance.
func (s *Service) OpenWrite(owner string, id int, name string, offset, length int64) (string, error) {
	if !validEntry.MatchString(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrBadEntry, name)
	}
	if offset < 0 {
		return "", fmt.Errorf("negative offset %d", offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.sessionLocked(owner, id)
	if err != nil {
		return "", err
	}
	if sess.state != stateOpen {
		return "", ErrSessionSealed
	}

	f, err := os.OpenFile(filepath.Join(sess.dir, name), os.O_WRONLY|os.O_CREATE, 0640)
	if err != nil {
		return "", fmt.Errorf("open entry: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return "", fmt.Errorf("seek entry: %w", err)
	}

	h := &writeHandle{id: uuid.NewString(), sess: sess, file: f, limit: length}
	s.handles[h.id] = h
	sess.writers++
	sess.active = time.Now().UTC()
	return h.id, nil
}

func (s *Service) handle(owner, id string) (*writeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, ErrNoHandle
	}
	if h.sess.owner != owner {
		return nil, ErrNotOwner
	}
	h.sess.active = time.Now().UTC()
	return h, nil
}

// Write appends data to the entry behind handle.
func (s *Service) Write(owner, handle string, data []byte) (int, error) {
	h, err := s.handle(owner, handle)
	if err != nil {
		return 0, err
	}
	if h.limit >= 0 && h.written+int64(len(data)) > h.limit {
		return 0, ErrTooLarge
	}
	n, err := h.file.Write(data)
	h.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("write entry: %w", err)
	}
	return n, nil
}

// Fsync flushes the entry behind handle to stable storage.
func (s *Service) Fsync(owner, handle string) error {
	h, err := s.handle(owner, handle)
	if err != nil {
		return err
	}
	return h.file.Sync()
}

// CloseWrite closes the handle.
func (s *Service) CloseWrite(owner, handle string) error {
	h, err := s.handle(owner, handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.handles, handle)
	h.sess.writers--
	s.mu.Unlock()
	return h.file.Close()
}

// Commit seals the session and installs its payload asynchronously. The
// returned channel yields exactly one Result.
func (s *Service) Commit(owner string, id int) (<-chan Result, error) {
	s.mu.Lock()
	sess, err := s.sessionLocked(owner, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if sess.state != stateOpen {
		s.mu.Unlock()
		return nil, ErrSessionSealed
	}
	if sess.writers > 0 {
		s.mu.Unlock()
		return nil, ErrOpenWriters
	}
	sess.state = stateCommitting
	s.mu.Unlock()

	out := make(chan Result, 1)
	s.commits.Add(1)
	go func() {
		defer s.commits.Done()
		res := s.install(sess)
		s.mu.Lock()
		sess.state = stateDone
		sess.active = time.Now().UTC()
		s.mu.Unlock()
		_ = os.RemoveAll(sess.dir)
		s.log.Info("commit finished", "session_id", id, "status", res.Status, "message", res.Message)
		out <- res
	}()
	return out, nil
}

func (s *Service) install(sess *session) Result {
	res := Result{SessionID: sess.id, PackageName: sess.params.AppPackageName}
	fail := func(status int, format string, args ...any) Result {
		res.Status = status
		res.Message = fmt.Sprintf(format, args...)
		return res
	}

	entry, err := payloadEntry(sess.dir)
	if err != nil {
		return fail(StatusFailureInvalid, "INSTALL_FAILED_INVALID_APK: %v", err)
	}
	if err := ValidateArchive(entry); err != nil {
		return fail(StatusFailureInvalid, "INSTALL_PARSE_FAILED_NOT_APK: %v", err)
	}
	name := sess.params.AppPackageName
	if !ValidPackageName(name) {
		return fail(StatusFailureInvalid, "INSTALL_FAILED_INVALID_APK: invalid package name %q", name)
	}

	ctx := context.Background()
	_, err = s.registry.Get(ctx, name)
	switch {
	case err == nil && sess.params.Flags&FlagReplaceExisting == 0:
		return fail(StatusFailureConflict, "INSTALL_FAILED_ALREADY_EXISTS: %s is already installed", name)
	case err != nil && !errors.Is(err, ErrNotInstalled):
		return fail(StatusFailureStorage, "INSTALL_FAILED_INTERNAL_ERROR: %v", err)
	}

	size, sum, err := digest(entry)
	if err != nil {
		return fail(StatusFailureStorage, "INSTALL_FAILED_INTERNAL_ERROR: %v", err)
	}

	appDir := filepath.Join(s.dirs.AppsDir(), name)
	if err := os.MkdirAll(appDir, dirPerm); err != nil {
		return fail(StatusFailureStorage, "INSTALL_FAILED_INSUFFICIENT_STORAGE: %v", err)
	}
	target := filepath.Join(appDir, "base.apk")
	if err := moveFile(entry, target); err != nil {
		return fail(StatusFailureStorage, "INSTALL_FAILED_INSUFFICIENT_STORAGE: %v", err)
	}

	err = s.registry.Upsert(ctx, Package{
		Name:             name,
		InstallerPackage: sess.params.InstallerPackage,
		UserID:           sess.params.UserID,
		Path:             target,
		Size:             size,
		SHA256:           sum,
	})
	if err != nil {
		return fail(StatusFailureStorage, "INSTALL_FAILED_INTERNAL_ERROR: %v", err)
	}

	res.Status = StatusSuccess
	res.Message = "Success"
	return res
}

// Abandon discards an uncommitted session.
func (s *Service) Abandon(owner string, id int) error {
	s.mu.Lock()
	sess, err := s.sessionLocked(owner, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if sess.state != stateOpen {
		s.mu.Unlock()
		return ErrSessionSealed
	}
	s.dropLocked(sess)
	s.mu.Unlock()

	s.log.Info("session abandoned", "session_id", id)
	return os.RemoveAll(sess.dir)
}

// CloseSession releases the session. An open session is abandoned; a
// running commit completes on its own.
func (s *Service) CloseSession(owner string, id int) error {
	s.mu.Lock()
	sess, err := s.sessionLocked(owner, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	open := sess.state == stateOpen
	s.dropLocked(sess)
	s.mu.Unlock()

	if open {
		return os.RemoveAll(sess.dir)
	}
	return nil
}

func (s *Service) dropLocked(sess *session) {
	for id, h := range s.handles {
		if h.sess == sess {
			h.file.Close()
			delete(s.handles, id)
		}
	}
	sess.writers = 0
	delete(s.sessions, sess.id)
}

// Reap releases sessions whose owner has not touched them for maxAge,
// which is how sessions of clients that died without closing are
// recovered. Sessions with a commit in flight are kept. It returns the
// reaped ids in ascending order.
func (s *Service) Reap(maxAge time.Duration, now time.Time) []int {
	if maxAge <= 0 {
		return nil
	}
	s.mu.Lock()
	var stale []*session
	for _, sess := range s.sessions {
		if sess.state == stateCommitting || now.Sub(sess.active) < maxAge {
			continue
		}
		stale = append(stale, sess)
	}
	for _, sess := range stale {
		s.dropLocked(sess)
	}
	s.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].id < stale[j].id })
	ids := make([]int, 0, len(stale))
	for _, sess := range stale {
		if sess.state == stateOpen {
			if err := os.RemoveAll(sess.dir); err != nil {
				s.log.Warn("remove reaped staging directory", "session_id", sess.id, "error", err)
			}
		}
		s.log.Info("session reaped", "session_id", sess.id, "owner", sess.owner, "idle", now.Sub(sess.active).Round(time.Second).String())
		ids = append(ids, sess.id)
	}
	return ids
}

// Sessions lists open sessions ordered by id.
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		state := "open"
		switch sess.state {
		case stateCommitting:
			state = "committing"
		case stateDone:
			state = "done"
		}
		out = append(out, SessionInfo{
			ID:        sess.id,
			Owner:     sess.owner,
			Package:   sess.params.AppPackageName,
			State:     state,
			CreatedAt: sess.created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// payloadEntry picks the staged file to install: base.apk if present,
// otherwise the only entry.
func payloadEntry(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	for _, f := range files {
		if f == "base.apk" {
			return filepath.Join(dir, f), nil
		}
	}
	switch len(files) {
	case 0:
		return "", errors.New("session has no payload")
	case 1:
		return filepath.Join(dir, files[0]), nil
	default:
		return "", fmt.Errorf("session has %d entries and no base.apk", len(files))
	}
}

func digest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
