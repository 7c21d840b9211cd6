package brokerd

import "sync"

// hub wakes permission watchers when prompts of their caller change.
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan struct{}]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan struct{}]struct{})}
}

// subscribe returns a wakeup channel for caller. The channel is closed when
// the hub shuts down.
func (h *hub) subscribe(caller string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.subs[caller] == nil {
		h.subs[caller] = make(map[chan struct{}]struct{})
	}
	h.subs[caller][ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[caller][ch]; ok {
			delete(h.subs[caller], ch)
			close(ch)
		}
		if len(h.subs[caller]) == 0 {
			delete(h.subs, caller)
		}
	}
}

func (h *hub) notify(caller string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[caller] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *hub) watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for caller, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, caller)
	}
}
