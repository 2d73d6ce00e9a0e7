package group

import "sync"

// mailbox is the unbounded FIFO feeding a channel's protocol goroutine.
// Transports push without blocking; the loop drains one task at a time.
type mailbox struct {
    mu     sync.Mutex
    cond   *sync.Cond
    q      []func()
    closed bool
}

func newMailbox() *mailbox {
    m := &mailbox{}
    m.cond = sync.NewCond(&m.mu)
    return m
}

func (m *mailbox) push(f func()) bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return false }
    m.q = append(m.q, f)
    m.cond.Signal()
    return true
}

func (m *mailbox) pop() (func(), bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for len(m.q) == 0 && !m.closed {
        m.cond.Wait()
    }
    if m.closed { return nil, false }
    f := m.q[0]
    m.q[0] = nil
    m.q = m.q[1:]
    return f, true
}

// close drops queued tasks and releases the loop.
func (m *mailbox) close() {
    m.mu.Lock()
    m.closed = true
    m.q = nil
    m.cond.Broadcast()
    m.mu.Unlock()
}

func (m *mailbox) run(done chan<- struct{}) {
    defer close(done)
    for {
        f, ok := m.pop()
        if !ok { return }
        f()
    }
}
