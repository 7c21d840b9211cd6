// Package approval stores install permission prompts and the per-caller
// decisions they produce. Everything lives in small JSON files so an
// operator can resolve prompts from another process.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// ErrNotFound is returned for unknown prompts.
var ErrNotFound = errors.New("prompt not found")

// ErrCallerMismatch is returned when a caller name is presented by a uid
// other than the one it is bound to.
var ErrCallerMismatch = errors.New("caller is bound to another uid")

// Status is the state of a permission prompt.
type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
)

// Prompt is one permission request raised by a caller.
type Prompt struct {
	Key        string     `json:"key"`
	Caller     string     `json:"caller"`
	Ticket     int        `json:"ticket"`
	Status     Status     `json:"status"`
	Permanent  bool       `json:"permanent,omitempty"`
	Delivered  bool       `json:"delivered,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the prompt has been answered.
func (p Prompt) Resolved() bool { return p.Status != StatusPending }

// Decision is the standing answer for a caller.
type Decision struct {
	Caller    string     `json:"caller"`
	Granted   bool       `json:"granted"`
	Permanent bool       `json:"permanent,omitempty"`
	DecidedAt time.Time  `json:"decided_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether a time-limited grant has lapsed.
func (d Decision) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// Binding ties a caller name to the uid that first presented it.
type Binding struct {
	Caller  string    `json:"caller"`
	UID     int       `json:"uid"`
	BoundAt time.Time `json:"bound_at"`
}

// Store manages prompt and decision files on disk.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	for _, d := range []string{filepath.Join(dir, "prompts"), filepath.Join(dir, "decisions"), filepath.Join(dir, "callers")} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("cannot create approval directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// PromptDir is the directory holding prompt files.
func (s *Store) PromptDir() string { return filepath.Join(s.dir, "prompts") }

// Key returns the prompt key for caller's ticket.
func Key(caller string, ticket int) string {
	return caller + "-" + strconv.Itoa(ticket)
}

// Request records a pending prompt. Requesting an existing key returns the
// stored prompt unchanged.
func (s *Store) Request(caller string, ticket int) (*Prompt, error) {
	key := Key(caller, ticket)
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid prompt key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, err := s.readPrompt(key); err == nil {
		return p, nil
	}

	p := Prompt{
		Key:       key,
		Caller:    caller,
		Ticket:    ticket,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeAtomic(s.promptPath(key), p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Grant resolves the prompt as granted and records a standing grant for its
// caller. If duration > 0 the grant expires after it.
func (s *Store) Grant(key string, duration time.Duration) (*Prompt, error) {
	return s.resolve(key, func(p *Prompt, d *Decision) {
		p.Status = StatusGranted
		d.Granted = true
		if duration > 0 {
			exp := d.DecidedAt.Add(duration)
			d.ExpiresAt = &exp
		}
	})
}

// Deny resolves the prompt as denied. A permanent denial stops the caller
// from being prompted again until the decision is revoked.
func (s *Store) Deny(key string, permanent bool) (*Prompt, error) {
	return s.resolve(key, func(p *Prompt, d *Decision) {
		p.Status = StatusDenied
		p.Permanent = permanent
		d.Permanent = permanent
	})
}

func (s *Store) resolve(key string, apply func(*Prompt, *Decision)) (*Prompt, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid prompt key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.readPrompt(key)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", key, ErrNotFound)
	}
	if p.Resolved() {
		return nil, fmt.Errorf("prompt %q already %s", key, p.Status)
	}

	now := time.Now().UTC()
	d := Decision{Caller: p.Caller, DecidedAt: now}
	p.ResolvedAt = &now
	apply(p, &d)

	if err := writeAtomic(s.decisionPath(p.Caller), d); err != nil {
		return nil, err
	}
	if err := writeAtomic(s.promptPath(key), *p); err != nil {
		return nil, err
	}
	return p, nil
}

// Decision returns the standing decision for caller. ok is false when the
// caller has never been answered or a time-limited grant has expired.
func (s *Store) Decision(caller string) (d Decision, ok bool, err error) {
	if err := validateKey(caller); err != nil {
		return Decision{}, false, fmt.Errorf("invalid caller: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.decisionPath(caller))
	if errors.Is(err, os.ErrNotExist) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, false, fmt.Errorf("decode decision for %s: %w", caller, err)
	}
	if d.Expired(time.Now().UTC()) {
		return d, false, nil
	}
	return d, true, nil
}

// Bind ties caller to uid the first time the caller is seen. Later calls
// fail with ErrCallerMismatch unless uid matches the binding.
func (s *Store) Bind(caller string, uid int) error {
	if err := validateKey(caller); err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.bindingPath(caller))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return writeAtomic(s.bindingPath(caller), Binding{Caller: caller, UID: uid, BoundAt: time.Now().UTC()})
	case err != nil:
		return err
	}
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decode binding for %s: %w", caller, err)
	}
	if b.UID != uid {
		return fmt.Errorf("%w: %s belongs to uid %d, not %d", ErrCallerMismatch, caller, b.UID, uid)
	}
	return nil
}

// Binding returns the uid binding of caller, if any.
func (s *Store) Binding(caller string) (b Binding, ok bool, err error) {
	if err := validateKey(caller); err != nil {
		return Binding{}, false, fmt.Errorf("invalid caller: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.bindingPath(caller))
	if errors.Is(err, os.ErrNotExist) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return Binding{}, false, fmt.Errorf("decode binding for %s: %w", caller, err)
	}
	return b, true, nil
}

// Revoke forgets the standing decision and the uid binding for caller.
func (s *Store) Revoke(caller string) error {
	if err := validateKey(caller); err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, path := range []string{s.decisionPath(caller), s.bindingPath(caller)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the prompt stored under key.
func (s *Store) Get(key string) (*Prompt, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid prompt key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.readPrompt(key)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", key, ErrNotFound)
	}
	return p, nil
}

// MarkDelivered records that the prompt's result reached its caller.
func (s *Store) MarkDelivered(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.readPrompt(key)
	if err != nil {
		return fmt.Errorf("prompt %q: %w", key, ErrNotFound)
	}
	p.Delivered = true
	return writeAtomic(s.promptPath(key), *p)
}

// List returns all prompts ordered by creation time.
func (s *Store) List() ([]Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.PromptDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var prompts []Prompt
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, err := s.readPrompt(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		prompts = append(prompts, *p)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].CreatedAt.Before(prompts[j].CreatedAt) })
	return prompts, nil
}

// Pending returns unanswered prompts.
func (s *Store) Pending() ([]Prompt, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Prompt
	for _, p := range all {
		if !p.Resolved() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Undelivered returns resolved prompts for caller whose result has not been
// delivered yet.
func (s *Store) Undelivered(caller string) ([]Prompt, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Prompt
	for _, p := range all {
		if p.Caller == caller && p.Resolved() && !p.Delivered {
			out = append(out, p)
		}
	}
	return out, nil
}

// Cleanup removes delivered prompts. Pending and undelivered prompts stay.
func (s *Store) Cleanup() error {
	all, err := s.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, p := range all {
		if !p.Delivered {
			continue
		}
		if err := os.Remove(s.promptPath(p.Key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) promptPath(key string) string {
	return filepath.Join(s.PromptDir(), key+".json")
}

func (s *Store) decisionPath(caller string) string {
	return filepath.Join(s.dir, "decisions", caller+".json")
}

func (s *Store) bindingPath(caller string) string {
	return filepath.Join(s.dir, "callers", caller+".json")
}

func (s *Store) readPrompt(key string) (*Prompt, error) {
	data, err := os.ReadFile(s.promptPath(key))
	if err != nil {
		return nil, err
	}

	var p Prompt
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
