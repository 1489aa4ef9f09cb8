// Package mailbox provides an unbounded FIFO of closures drained by a single
// goroutine. Posting never blocks, so handlers running on the drain goroutine
// may post to any mailbox (including their own) without deadlocking.
package mailbox

import "sync"

// Mailbox is an unbounded queue of funcs executed in order by Run.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// New returns an open mailbox.
func New() *Mailbox {
	m := &Mailbox{done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Post enqueues fn. It reports false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, fn)
	m.cond.Signal()
	return true
}

// Run drains the mailbox until it is closed and empty. Call it from exactly one goroutine.
func (m *Mailbox) Run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
	}
}

// Close stops accepting new funcs; already queued funcs still run.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Done is closed when Run returns.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Len reports the number of queued funcs.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
