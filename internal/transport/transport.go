// Package transport provides the connection layer: listeners that accept
// client connections on a named local endpoint and connections that carry
// framed JSON-RPC packets to and from those clients. Nothing in this
// package parses or interprets packet contents — that is internal/rpc and
// internal/dispatch's job.
package transport

import (
	"errors"
	"sync"
)

// DefaultOutboundQueueSize is the default bound on a connection's
// outbound packet queue (§5 Backpressure).
const DefaultOutboundQueueSize = 1024

// ErrQueueFull is returned by Send when the connection's outbound queue
// is saturated. The caller (dispatch) decides what that means for the
// message in flight: coalesce-and-drop for notifications, or close the
// connection for anything that must not be dropped.
var ErrQueueFull = errors.New("transport: outbound queue full")

// ErrClosed is returned by Send on a connection that has already closed.
var ErrClosed = errors.New("transport: connection closed")

// EndpointID addresses a specific logical peer on a multiplexed
// transport. Simple stream transports (the local socket, one WebSocket
// per connection) never multiplex, so every packet carries the empty
// EndpointID and callers should ignore it.
type EndpointID string

// Packet is one inbound, already-deframed message tagged with the
// endpoint it arrived from.
type Packet struct {
	Data     []byte
	Endpoint EndpointID
}

// Connection is one client's transport-level session. Send is safe to
// call from any goroutine; framing and ordering are preserved by an
// internal writer goroutine owned by the concrete implementation.
type Connection interface {
	// ID uniquely identifies this connection for the lifetime of the
	// process (used as half of the (connection, id) correlation key).
	ID() string

	// Packets returns the channel of inbound packets. It is never closed;
	// readers must select on it together with Done() and exit when Done
	// fires.
	Packets() <-chan Packet

	// Send enqueues an outbound packet. Returns ErrQueueFull if the
	// bounded outbound queue is saturated, or ErrClosed if the
	// connection has already gone away.
	Send(data []byte, endpoint EndpointID) error

	// Close tears down the connection and cancels any pending sends
	// with ErrClosed. Re-opening is a new Connection; there is no
	// automatic reconnect at this layer.
	Close() error

	// Done is closed when the connection has fully torn down.
	Done() <-chan struct{}
}

// Listener accepts Connections on a named local endpoint.
type Listener interface {
	// Accept blocks until a new connection arrives or the listener is
	// closed, in which case it returns an error: ErrListenerClosed from
	// WebSocketListener, the underlying net error from LocalListener.
	Accept() (Connection, error)

	// Addr returns a human-readable description of the bound endpoint.
	Addr() string

	Close() error
}

// ErrListenerClosed is returned by Accept once the listener has been
// closed by the caller.
var ErrListenerClosed = errors.New("transport: listener closed")

// connIDSeq hands out the process-local connection ids ("sock-1",
// "ws-2", ...) that both built-in transports assign.
var (
	connIDMu  sync.Mutex
	connIDSeq uint64
)

func nextConnID(prefix string) string {
	connIDMu.Lock()
	connIDSeq++
	n := connIDSeq
	connIDMu.Unlock()
	return prefix + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
