package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Filter selects journal entries. Zero fields match everything.
type Filter struct {
	RequestID   string
	PackageName string
	FailedOnly  bool
	Limit       int // newest N after filtering; 0 = all
}

// Read returns entries matching filter in file order. Malformed lines are
// skipped.
func Read(path string, filter Filter) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if filter.RequestID != "" && e.RequestID != filter.RequestID {
			continue
		}
		if filter.PackageName != "" && e.PackageName != filter.PackageName {
			continue
		}
		if filter.FailedOnly && e.Succeeded {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}
