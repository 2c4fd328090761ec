package tts

import (
	"context"
	"sync"

	"github.com/MrWong99/switchline/pkg/frame"
)

// mailbox is an unbounded FIFO of frames so the stage goroutine never
// blocks on a response that is waiting its turn to play.
type mailbox struct {
	mu     sync.Mutex
	items  []frame.Frame
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox { return &mailbox{notify: make(chan struct{}, 1)} }

func (m *mailbox) put(f frame.Frame) {
	m.mu.Lock()
	if !m.closed {
		m.items = append(m.items, f)
	}
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take blocks until items are available or the mailbox is closed. It
// returns the pending items and whether more may follow.
func (m *mailbox) take(ctx context.Context) ([]frame.Frame, bool) {
	for {
		m.mu.Lock()
		items, closed := m.items, m.closed
		m.items = nil
		m.mu.Unlock()
		if len(items) > 0 || closed {
			return items, !closed
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}
