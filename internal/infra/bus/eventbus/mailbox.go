package eventbus

import (
	"context"
	"sync"

	"github.com/coachpo/barrierbus/internal/domain/schema"
)

type delivery struct {
	ctx context.Context
	evt *schema.Event
}

// mailbox is an unbounded FIFO drained by one goroutine, so a subscription
// sees events in the order they were enqueued and never blocks the publisher.
type mailbox struct {
	mu     sync.Mutex
	queue  []delivery
	sealed bool

	wake chan struct{}
	done chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push enqueues d. It reports false once the mailbox is sealed.
func (m *mailbox) push(d delivery) bool {
	m.mu.Lock()
	if m.sealed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, d)
	m.mu.Unlock()
	m.signal()
	return true
}

// seal stops intake; already queued deliveries are still processed.
func (m *mailbox) seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(process func(delivery)) {
	defer close(m.done)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			sealed := m.sealed
			m.mu.Unlock()
			if sealed {
				return
			}
			<-m.wake
			continue
		}
		next := m.queue[0]
		m.queue[0] = delivery{}
		m.queue = m.queue[1:]
		m.mu.Unlock()
		process(next)
	}
}
