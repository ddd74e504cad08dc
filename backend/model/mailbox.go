package model

import (
	"errors"
	"sync"

	"github.com/adwski/collab-relay/backend/protocol"
)

const (
	DefaultMailboxSize = 256
)

var (
	ErrMailboxClosed = errors.New("mailbox is closed")
	ErrMailboxFull   = errors.New("mailbox is full")
)

// Mailbox is a bounded outbound queue owned by a session.
// The channel is never closed, so pushes racing with Close cannot panic.
type Mailbox struct {
	ch   chan protocol.Envelope
	done chan struct{}
	once sync.Once
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{
		ch:   make(chan protocol.Envelope, size),
		done: make(chan struct{}),
	}
}

// Push enqueues env without blocking.
func (mb *Mailbox) Push(env protocol.Envelope) error {
	select {
	case <-mb.done:
		return ErrMailboxClosed
	default:
	}
	select {
	case <-mb.done:
		return ErrMailboxClosed
	case mb.ch <- env:
		return nil
	default:
		return ErrMailboxFull
	}
}

// C returns the receive side of the mailbox.
func (mb *Mailbox) C() <-chan protocol.Envelope { return mb.ch }

// Done is closed once the mailbox is closed.
func (mb *Mailbox) Done() <-chan struct{} { return mb.done }

// Close marks the mailbox as closed. Safe to call more than once.
func (mb *Mailbox) Close() {
	mb.once.Do(func() {
		close(mb.done)
	})
}
