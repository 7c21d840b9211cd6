package bridge

import "sync"

// Mailbox delivers values to at most one attached receiver. Values sent
// while nobody is attached, or while the receiver's buffer is full, are
// discarded. A receiver that has gone away never causes Deliver to block
// or panic.
type Mailbox[T any] struct {
	mu  sync.Mutex
	ch  chan T
	gen uint64
}

// Attach installs a new receiver with the given buffer and returns its
// channel and a detach function. Attaching replaces any earlier receiver,
// whose channel is closed.
func (m *Mailbox[T]) Attach(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch != nil {
		close(m.ch)
	}
	m.gen++
	gen := m.gen
	ch := make(chan T, buffer)
	m.ch = ch

	var once sync.Once
	detach := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.gen == gen && m.ch != nil {
				close(m.ch)
				m.ch = nil
			}
		})
	}
	return ch, detach
}

// Deliver hands v to the attached receiver. It reports whether v was
// accepted.
func (m *Mailbox[T]) Deliver(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch == nil {
		return false
	}
	select {
	case m.ch <- v:
		return true
	default:
		return false
	}
}

// Attached reports whether a receiver is currently attached.
func (m *Mailbox[T]) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch != nil
}
