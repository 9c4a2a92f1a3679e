// Package msgchan provides a closable, reopenable FIFO for outbound user
// messages. It decouples message producers (UI actions) from the single
// consumer that feeds the agent runtime.
package msgchan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Enqueue after Close and before Reopen.
var ErrClosed = errors.New("message channel is closed")

// ErrBusy is returned by Next when another consumer is already blocked.
var ErrBusy = errors.New("message channel already has a waiting consumer")

// Message is one queued outbound user message. SessionID is stamped from
// the channel's current session at enqueue time.
type Message struct {
	ID         string
	Content    string
	SessionID  string
	EnqueuedAt time.Time
}

// Channel is a FIFO with exactly one consumer. Next blocks until a message
// arrives or the context is cancelled; a pending message is handed straight
// to a blocked consumer without touching the backlog.
type Channel struct {
	mu        sync.Mutex
	backlog   []Message
	waiter    chan Message
	closed    bool
	sessionID string
}

// New returns an open, empty channel.
func New() *Channel {
	return &Channel{}
}

// SetSessionID updates the session stamped on subsequently enqueued
// messages. Messages already in the backlog keep their original session.
func (c *Channel) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Enqueue adds a message, or hands it directly to a blocked consumer.
// Returns ErrClosed while the channel is closed.
func (c *Channel) Enqueue(content string) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Message{}, ErrClosed
	}

	msg := Message{
		ID:         uuid.New().String(),
		Content:    content,
		SessionID:  c.sessionID,
		EnqueuedAt: time.Now(),
	}

	if c.waiter != nil {
		w := c.waiter
		c.waiter = nil
		w <- msg
		return msg, nil
	}

	c.backlog = append(c.backlog, msg)
	return msg, nil
}

// Next returns the oldest pending message, blocking until one arrives.
// It returns ErrClosed if the channel closes while waiting, ErrBusy if a
// consumer is already blocked, and the context's error on cancellation.
func (c *Channel) Next(ctx context.Context) (Message, error) {
	c.mu.Lock()
	if c.closed && len(c.backlog) == 0 {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	if len(c.backlog) > 0 {
		msg := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.mu.Unlock()
		return msg, nil
	}
	if c.waiter != nil {
		c.mu.Unlock()
		return Message{}, ErrBusy
	}

	w := make(chan Message, 1)
	c.waiter = w
	c.mu.Unlock()

	select {
	case msg, ok := <-w:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
		}
		c.mu.Unlock()
		// A message may have been handed off just before cancellation.
		select {
		case msg, ok := <-w:
			if ok {
				return msg, nil
			}
		default:
		}
		return Message{}, ctx.Err()
	}
}

// Close rejects further enqueues and wakes a blocked consumer. Pending
// messages stay in the backlog and remain drainable via Next.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.waiter != nil {
		close(c.waiter)
		c.waiter = nil
	}
}

// Reopen allows enqueuing again after Close.
func (c *Channel) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
}

// Clear drops all pending messages.
func (c *Channel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlog = nil
}

// PendingCount reports how many messages are waiting.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// Closed reports whether the channel currently rejects enqueues.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
