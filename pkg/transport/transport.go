// Package transport defines the duplex, message-oriented connection a voice
// session runs over.
//
// A Conn carries discrete binary and text messages in both directions. Every
// send returns an error the caller inspects; once the peer is gone the
// connection reports [ErrConnectionClosed] and Closed returns true, so that
// best-effort sends can be skipped instead of attempted.
package transport

import (
	"context"
	"errors"
)

// ErrConnectionClosed is returned by reads and sends on a connection whose
// peer has gone away or which was closed locally.
var ErrConnectionClosed = errors.New("transport: connection closed")

// MessageType distinguishes binary audio from text control markers.
type MessageType int

const (
	MessageBinary MessageType = iota + 1
	MessageText
)

// String returns "binary" or "text".
func (t MessageType) String() string {
	switch t {
	case MessageBinary:
		return "binary"
	case MessageText:
		return "text"
	}
	return "unknown"
}

// StatusCode is a close status sent to the peer.
type StatusCode int

const (
	// StatusNormalClosure is a clean, intentional close (1000).
	StatusNormalClosure StatusCode = 1000

	// StatusGoingAway tells the peer the server is shutting down (1001).
	StatusGoingAway StatusCode = 1001

	// StatusInternalError tells the peer the server cannot serve the session
	// (1011), for example because the speech classifier is unavailable.
	StatusInternalError StatusCode = 1011
)

// Control markers sent as text messages.
const (
	MarkerProcessingStart = "PROCESSING_START"
	MarkerResponseEnd     = "TTS_END"
)

// Conn is one client connection.
//
// ReadMessage is called from a single goroutine. SendText and SendBinary may
// be called from a different goroutine than ReadMessage, but not concurrently
// with each other.
type Conn interface {
	// ReadMessage blocks until the next message arrives.
	ReadMessage(ctx context.Context) (MessageType, []byte, error)

	// SendText sends a text message.
	SendText(ctx context.Context, text string) error

	// SendBinary sends a binary message.
	SendBinary(ctx context.Context, data []byte) error

	// Close closes the connection with the given status and reason. Calling
	// Close more than once is safe.
	Close(code StatusCode, reason string) error

	// Closed reports whether the connection is known to be closed.
	Closed() bool

	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}
