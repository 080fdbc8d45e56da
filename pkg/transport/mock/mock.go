// Package mock provides an in-memory transport.Conn for session tests.
//
// Tests push inbound messages with Push (or close the inbound side with
// Hangup) and inspect everything the session sent through Sent. FailAfter
// simulates a peer that disappears part way through a response stream.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/transport"
)

// Message is one recorded or scripted message.
type Message struct {
	Type transport.MessageType
	Data []byte
}

// Text returns the payload as a string.
func (m Message) Text() string { return string(m.Data) }

// Conn is a mock implementation of transport.Conn.
type Conn struct {
	mu sync.Mutex

	inbound chan Message
	hangup  chan struct{}
	hungUp  bool

	// Remote is returned by RemoteAddr.
	Remote string

	// FailAfter, when positive, makes every send after the first FailAfter
	// successful binary sends fail with ErrConnectionClosed and marks the
	// connection closed, as if the peer dropped mid-stream.
	FailAfter int

	// OnSend, if non-nil, is called after every successful send.
	OnSend func(Message)

	sent        []Message
	binarySends int
	closed      bool
	closeCode   transport.StatusCode
	closeReason string
	closeCalls  int
}

// NewConn returns a Conn with an inbound buffer of size messages.
func NewConn(buffer int) *Conn {
	return &Conn{
		inbound: make(chan Message, buffer),
		hangup:  make(chan struct{}),
		Remote:  "mock:0",
	}
}

// Push queues an inbound message. It blocks when the buffer is full.
func (c *Conn) Push(typ transport.MessageType, data []byte) {
	c.inbound <- Message{Type: typ, Data: data}
}

// PushBinary queues an inbound binary message.
func (c *Conn) PushBinary(data []byte) { c.Push(transport.MessageBinary, data) }

// Hangup simulates the peer closing the connection. Reads fail once all
// queued messages have been consumed.
func (c *Conn) Hangup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hungUp {
		c.hungUp = true
		close(c.hangup)
	}
}

// ReadMessage implements transport.Conn.
func (c *Conn) ReadMessage(ctx context.Context) (transport.MessageType, []byte, error) {
	select {
	case m := <-c.inbound:
		return m.Type, m.Data, nil
	default:
	}
	select {
	case m := <-c.inbound:
		return m.Type, m.Data, nil
	case <-c.hangup:
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return 0, nil, transport.ErrConnectionClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// SendText implements transport.Conn.
func (c *Conn) SendText(_ context.Context, text string) error {
	return c.send(Message{Type: transport.MessageText, Data: []byte(text)})
}

// SendBinary implements transport.Conn.
func (c *Conn) SendBinary(_ context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	return c.send(Message{Type: transport.MessageBinary, Data: cp})
}

func (c *Conn) send(m Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if m.Type == transport.MessageBinary {
		if c.FailAfter > 0 && c.binarySends >= c.FailAfter {
			c.closed = true
			c.mu.Unlock()
			c.Hangup()
			return transport.ErrConnectionClosed
		}
		c.binarySends++
	}
	c.sent = append(c.sent, m)
	hook := c.OnSend
	c.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close(code transport.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closed && c.closeCalls > 1 {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

// Closed implements transport.Conn.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string { return c.Remote }

// Sent returns a copy of every message sent so far.
func (c *Conn) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

// Texts returns the text messages sent so far, in order.
func (c *Conn) Texts() []string {
	var out []string
	for _, m := range c.Sent() {
		if m.Type == transport.MessageText {
			out = append(out, m.Text())
		}
	}
	return out
}

// Binaries returns the binary messages sent so far, in order.
func (c *Conn) Binaries() [][]byte {
	var out [][]byte
	for _, m := range c.Sent() {
		if m.Type == transport.MessageBinary {
			out = append(out, m.Data)
		}
	}
	return out
}

// CloseStatus returns the code and reason of the first Close call.
func (c *Conn) CloseStatus() (transport.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Ensure Conn implements transport.Conn at compile time.
var _ transport.Conn = (*Conn)(nil)
