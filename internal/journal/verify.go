package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify validates the hash chain of the journal at path and reports the
// first broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	expected := GenesisHash

	for scanner.Scan() {
		lineNum++
		line := append([]byte(nil), scanner.Bytes()...)

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}
		if entry.PrevHash != expected {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, entry.PrevHash),
				ErrorLine: lineNum,
			}
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum}
}
