// Package integrity verifies the broker binary checksum before it starts
// serving privileged sessions.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/sideload/internal/integrity.ExpectedHash=<sha256hex>"
//
// When empty (dev builds), verification falls back to checksum files.
var ExpectedHash string

// TamperEvent records a binary integrity violation.
type TamperEvent struct {
	Timestamp    string `json:"timestamp"`
	Binary       string `json:"binary"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
}

// Checker verifies one binary.
type Checker struct {
	// Binary is the file to hash. Empty means the running executable.
	Binary string
	// Expected overrides ExpectedHash.
	Expected string
	// ChecksumPaths are tried in order when no hash is compiled in. Each file
	// holds a single hex SHA-256 digest. $VARS are expanded.
	ChecksumPaths []string
	// TamperLog receives one JSON line per mismatch. Empty disables it.
	TamperLog string
	Logger    *slog.Logger
}

// DefaultChecksumPaths returns the checksum file locations for stateDir.
func DefaultChecksumPaths(stateDir string) []string {
	return []string{
		"/etc/sideload/binary.sha256",
		filepath.Join(stateDir, "binary.sha256"),
	}
}

// Verify returns nil when the binary matches the expected hash or when no
// expected hash is available (dev build). On mismatch a tamper event is
// written before the error is returned.
func (c Checker) Verify() error {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "integrity")

	expected := c.Expected
	if expected == "" {
		expected = ExpectedHash
	}
	if expected == "" {
		expected = loadChecksumFile(c.ChecksumPaths)
	}
	if expected == "" {
		log.Warn("no build-time hash or checksum file found, integrity check skipped")
		return nil
	}

	binary, err := c.binary()
	if err != nil {
		return err
	}
	actual, err := hashFile(binary)
	if err != nil {
		return fmt.Errorf("integrity: cannot hash binary: %w", err)
	}

	if strings.EqualFold(actual, expected) {
		log.Debug("binary checksum verified", "binary", binary, "sha256", actual[:8]+"..."+actual[len(actual)-8:])
		return nil
	}

	event := TamperEvent{
		Timestamp:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Binary:       binary,
		ExpectedHash: expected,
		ActualHash:   actual,
		Type:         "binary_tamper",
	}
	event.Hostname, _ = os.Hostname()
	if err := writeTamperEvent(c.TamperLog, event); err != nil {
		log.Warn("tamper log write failed", "path", c.TamperLog, "error", err)
	}
	log.Error("binary checksum mismatch", "binary", binary, "expected", expected, "actual", actual)

	return fmt.Errorf("integrity: binary checksum mismatch (expected %s, got %s)", expected, actual)
}

// Record hashes the binary and writes the digest to path, so later
// Verify calls without a compiled-in hash can check it.
func (c Checker) Record(path string) (string, error) {
	binary, err := c.binary()
	if err != nil {
		return "", err
	}
	hash, err := hashFile(binary)
	if err != nil {
		return "", fmt.Errorf("integrity: cannot hash binary: %w", err)
	}
	if err := os.WriteFile(path, []byte(hash+"\n"), 0600); err != nil {
		return "", fmt.Errorf("integrity: write checksum: %w", err)
	}
	return hash, nil
}

func (c Checker) binary() (string, error) {
	if c.Binary != "" {
		return c.Binary, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	return exe, nil
}

// loadChecksumFile returns the first valid digest found, or "".
func loadChecksumFile(paths []string) string {
	for _, p := range paths {
		data, err := os.ReadFile(os.ExpandEnv(p))
		if err != nil {
			continue
		}
		hash := strings.TrimSpace(string(data))
		if len(hash) == 64 && isHex(hash) {
			return hash
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeTamperEvent(path string, event TamperEvent) error {
	if path == "" {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
