package journal

import "github.com/ppiankov/sideload/internal/model"

// TimestampFormat is the layout used in entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Entry is one install attempt in the hash-chained JSONL journal.
// Plain struct fields only, so json.Marshal output is deterministic and
// line hashes are reproducible.
type Entry struct {
	Timestamp   string `json:"ts"`
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller,omitempty"`
	Mechanism   string `json:"mechanism"`
	Source      string `json:"source"`
	PackageName string `json:"package,omitempty"`
	StatusCode  int    `json:"status_code"`
	Succeeded   bool   `json:"succeeded"`
	Message     string `json:"message,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	PrevHash    string `json:"prev_hash"`
}

// FromOutcome builds the journal entry for one finished request.
func FromOutcome(req model.InstallRequest, out model.InstallOutcome) Entry {
	return Entry{
		RequestID:   req.ID,
		Caller:      req.Caller,
		Mechanism:   string(req.Mechanism),
		Source:      req.Source,
		PackageName: req.DerivedPackageName(),
		StatusCode:  int(out.StatusCode),
		Succeeded:   out.Succeeded,
		Message:     out.Message,
		DurationMS:  out.Duration.Milliseconds(),
	}
}
