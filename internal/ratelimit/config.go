package ratelimit

import "time"

// Limit bounds how many requests one key may make per window.
// Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// Enabled returns true if the limit is configured.
func (l Limit) Enabled() bool {
	return l.MaxRequests > 0 && l.Window > 0
}
