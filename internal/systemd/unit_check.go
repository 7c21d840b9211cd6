package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// CheckUnitFileIntegrity compares the unit file hash against the stored
// install-time hash. Returns a warning message if the unit file has been
// modified, or empty string if integrity is confirmed or checking is not
// applicable (no unit file or no stored hash).
func CheckUnitFileIntegrity(unitPath, hashPath string) string {
	if _, err := os.Stat(unitPath); err != nil {
		return ""
	}

	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expectedHash := strings.TrimSpace(string(stored))
	if len(expectedHash) != 64 {
		return ""
	}

	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unitPath, err)
	}
	h := sha256.Sum256(data)
	actualHash := hex.EncodeToString(h[:])

	if actualHash == expectedHash {
		return ""
	}

	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expectedHash[:16], actualHash[:16])
}

// RecordUnitFileHash writes the SHA-256 hash of the unit file to hashPath.
func RecordUnitFileHash(unitPath, hashPath string) error {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Errorf("read unit file: %w", err)
	}
	h := sha256.Sum256(data)
	return os.WriteFile(hashPath, []byte(hex.EncodeToString(h[:])+"\n"), 0600)
}
