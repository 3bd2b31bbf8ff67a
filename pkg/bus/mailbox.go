package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

var ErrMailboxClosed = errors.New("bus: mailbox closed")

// Mailbox is an agent's inbound queue.
type Mailbox struct {
	agentID string
	ch      chan *contracts.AgentMessage
	done    chan struct{}

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func newMailbox(agentID string, size int) *Mailbox {
	return &Mailbox{
		agentID: agentID,
		ch:      make(chan *contracts.AgentMessage, size),
		done:    make(chan struct{}),
	}
}

func (m *Mailbox) AgentID() string { return m.agentID }

// C receives delivered messages. It is closed when the agent unregisters or
// the bus closes.
func (m *Mailbox) C() <-chan *contracts.AgentMessage { return m.ch }

// Len is the number of queued, unread messages.
func (m *Mailbox) Len() int { return len(m.ch) }

// deliver blocks while the mailbox is full, without holding the lock, until
// the message is queued, ctx is done or the mailbox closes.
func (m *Mailbox) deliver(ctx context.Context, msg *contracts.AgentMessage) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrMailboxClosed
	}
	m.inflight.Add(1)
	m.mu.RUnlock()
	defer m.inflight.Done()

	select {
	case m.ch <- msg:
		return nil
	case <-m.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close wakes blocked senders and closes C once they have returned.
func (m *Mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.inflight.Wait()
	close(m.ch)
}
