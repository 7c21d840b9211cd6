package broker

import "sync"

// Watch observes binder death for the lifetime of one session.
type Watch struct {
	client *Client
	dead   chan struct{}
	once   sync.Once
}

// Dead is closed when the binder dies.
func (w *Watch) Dead() <-chan struct{} {
	return w.dead
}

// Fired reports whether the binder died since the watch was created.
func (w *Watch) Fired() bool {
	select {
	case <-w.dead:
		return true
	default:
		return false
	}
}

// Close removes the watch from the client.
func (w *Watch) Close() {
	w.client.removeWatch(w)
}

func (w *Watch) fire() {
	w.once.Do(func() { close(w.dead) })
}
