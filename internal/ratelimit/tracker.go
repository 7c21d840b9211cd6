package ratelimit

import "time"

// window is the fixed counting window of one key.
type window struct {
	start time.Time
	count int
}

// snapshot returns the count in the current window, starting a new window
// when the previous one has expired.
func (w *window) snapshot(size time.Duration, now time.Time) int {
	if now.Sub(w.start) >= size {
		w.start = now
		w.count = 0
	}
	return w.count
}
