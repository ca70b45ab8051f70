package replica

import (
	"sync"
	"sync/atomic"

	"pairchat/metrics"
)

// Mailbox hands snapshots to a handler on its own goroutine. It holds at
// most one pending snapshot: a newer one replaces an undelivered older one.
type Mailbox struct {
	handler Handler

	mu        sync.Mutex
	pending   chan Snapshot
	done      chan struct{}
	cancelled atomic.Bool

	// handling is held for the length of each handler call.
	handling sync.Mutex
}

// NewMailbox starts the delivery goroutine for handler.
func NewMailbox(handler Handler) *Mailbox {
	m := &Mailbox{
		handler: handler,
		pending: make(chan Snapshot, 1),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Deliver replaces any undelivered snapshot with snap.
func (m *Mailbox) Deliver(snap Snapshot) {
	if m.cancelled.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.pending:
	default:
	}
	m.pending <- snap
}

// Stop ends delivery and waits for a handler call in progress, so the
// handler never runs after Stop returns. Calling Stop from inside the handler
// deadlocks. It reports false when the mailbox was already stopped.
func (m *Mailbox) Stop() bool {
	if !m.cancelled.CompareAndSwap(false, true) {
		return false
	}
	close(m.done)

	m.handling.Lock()
	m.handling.Unlock()
	return true
}

// Stopped reports whether Stop has been called.
func (m *Mailbox) Stopped() bool {
	return m.cancelled.Load()
}

func (m *Mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case snap := <-m.pending:
			if !m.dispatch(snap) {
				return
			}
		}
	}
}

func (m *Mailbox) dispatch(snap Snapshot) bool {
	m.handling.Lock()
	defer m.handling.Unlock()

	if m.cancelled.Load() {
		return false
	}
	m.handler(snap)
	metrics.SnapshotsDelivered.Inc()
	return true
}
