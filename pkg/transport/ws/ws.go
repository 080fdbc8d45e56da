// Package ws implements transport.Conn over a WebSocket using
// github.com/coder/websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/pkg/transport"
)

var _ transport.Conn = (*Conn)(nil)

// Conn adapts a *websocket.Conn to transport.Conn.
type Conn struct {
	conn   *websocket.Conn
	remote string
	closed atomic.Bool
}

// AcceptOptions configures [Accept].
type AcceptOptions struct {
	// ReadLimit caps the size of one inbound message in bytes. Zero keeps the
	// library default (32 KiB).
	ReadLimit int64

	// OriginPatterns lists host patterns allowed in the Origin header. Empty
	// allows same-origin requests only.
	OriginPatterns []string

	// InsecureSkipVerify disables the Origin check entirely.
	InsecureSkipVerify bool
}

// Accept upgrades an HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     opts.OriginPatterns,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: accept: %w", err)
	}
	if opts.ReadLimit > 0 {
		c.SetReadLimit(opts.ReadLimit)
	}
	return New(c, r.RemoteAddr), nil
}

// New wraps an established WebSocket connection.
func New(c *websocket.Conn, remoteAddr string) *Conn {
	return &Conn{conn: c, remote: remoteAddr}
}

// ReadMessage implements transport.Conn.
func (c *Conn) ReadMessage(ctx context.Context) (transport.MessageType, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return 0, nil, c.translate(err)
	}
	if typ == websocket.MessageText {
		return transport.MessageText, data, nil
	}
	return transport.MessageBinary, data, nil
}

// SendText implements transport.Conn.
func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.write(ctx, websocket.MessageText, []byte(text))
}

// SendBinary implements transport.Conn.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageBinary, data)
}

func (c *Conn) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if c.closed.Load() {
		return transport.ErrConnectionClosed
	}
	if err := c.conn.Write(ctx, typ, data); err != nil {
		// coder/websocket closes the connection after any failed write.
		c.closed.Store(true)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", transport.ErrConnectionClosed, err)
	}
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close(code transport.StatusCode, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close(websocket.StatusCode(code), reason)
	if err != nil && isClosedErr(err) {
		return nil
	}
	return err
}

// Closed implements transport.Conn.
func (c *Conn) Closed() bool { return c.closed.Load() }

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string { return c.remote }

// translate maps errors that mean "the peer is gone" to
// transport.ErrConnectionClosed and marks the connection closed. Context
// errors pass through unchanged.
func (c *Conn) translate(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isClosedErr(err) {
		c.closed.Store(true)
		return fmt.Errorf("%w: %v", transport.ErrConnectionClosed, err)
	}
	return err
}

func isClosedErr(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed)
}
