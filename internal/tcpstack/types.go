// Package tcpstack implements the TCP-equivalent reliable transport: socket
// table, connection establishment, sliding-window data transfer with
// Karn's-rule RTT estimation, and FIN-exchange teardown (spec.md §4.3).
package tcpstack

import (
	"fmt"
	"time"

	"go.vnet.dev/vnet/internal/vip"
)

// Port is a 16-bit TCP port number.
type Port uint16

// Descriptor is the small integer the external command surface uses to
// name a socket (spec.md §3 "SocketDescriptor").
type Descriptor int

// SocketID identifies a socket in the socket table: either a listener
// keyed by local port, or an established connection keyed by the full
// 4-tuple (spec.md §3).
type SocketID struct {
	Listening  bool
	LocalPort  Port
	RemoteVIP  vip.Addr
	RemotePort Port
}

// ListenID builds the SocketID for a listening socket on port.
func ListenID(port Port) SocketID { return SocketID{Listening: true, LocalPort: port} }

// ConnID builds the SocketID for an established connection's 4-tuple.
func ConnID(local Port, remoteVIP vip.Addr, remotePort Port) SocketID {
	return SocketID{LocalPort: local, RemoteVIP: remoteVIP, RemotePort: remotePort}
}

func (s SocketID) String() string {
	if s.Listening {
		return fmt.Sprintf("listen(%d)", s.LocalPort)
	}
	return fmt.Sprintf("conn(%d<-%s:%d)", s.LocalPort, vip.String(s.RemoteVIP), s.RemotePort)
}

// Tunable constants from spec.md §4.3 and §5.
const (
	MaxSegmentSize    = 1024
	DefaultWindowSize = 65535
	ConnectionTimeout = 2 * time.Second
	MaxPendingAccepts = 1024
	MaxRetransmits    = 5
	InitialRTO        = 1 * time.Second
	MinRTO            = 200 * time.Millisecond
	MaxRTO            = 60 * time.Second
	TimeWaitDuration  = 60 * time.Second // 2*MSL
	FirstEphemeral    = 1024
)

// State is one of the eleven connection states of spec.md §3.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// ShutdownKind selects which half of a connection shutdown() affects.
type ShutdownKind int

const (
	ShutdownRead ShutdownKind = iota
	ShutdownWrite
	ShutdownReadWrite
)

// Errors surfaced to callers, per spec.md §7.

// NoSocketError means descriptor names no socket in the table.
type NoSocketError struct{ Descriptor Descriptor }

func (e *NoSocketError) Error() string {
	return fmt.Sprintf("tcpstack: no socket on descriptor %d", e.Descriptor)
}

// ConnNotEstablishedError means an operation needs an established
// connection but the socket hasn't completed its handshake.
type ConnNotEstablishedError struct{}

func (e *ConnNotEstablishedError) Error() string { return "tcpstack: connection not established" }

// ConnClosedError means the connection closed before the operation could
// complete.
type ConnClosedError struct{}

func (e *ConnClosedError) Error() string { return "tcpstack: connection closed" }

// ClosedError reports how many bytes were delivered before the connection
// closed out from under a blocked Read.
type ClosedError struct{ BytesDelivered int }

func (e *ClosedError) Error() string {
	return fmt.Sprintf("tcpstack: closed after delivering %d bytes", e.BytesDelivered)
}

// isConnClosed reports whether err signals ordinary connection closure
// (with or without a partial read) rather than a genuine failure, for
// callers that read to EOF and should stop on either.
func isConnClosed(err error) bool {
	switch err.(type) {
	case *ConnClosedError, *ClosedError:
		return true
	}
	return false
}

// AlreadyClosedError means close() was called twice on the same socket.
type AlreadyClosedError struct{}

func (e *AlreadyClosedError) Error() string { return "tcpstack: socket already closed" }

// TimeoutError means connect() did not complete within ConnectionTimeout.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "tcpstack: connection timed out" }

// TransportError wraps a forwarding-layer failure (no route, link down)
// encountered while trying to reach a peer.
type TransportError struct{ Cause error }

func (e *TransportError) Error() string { return "tcpstack: transport failure: " + e.Cause.Error() }
func (e *TransportError) Unwrap() error { return e.Cause }

// ListenError and AcceptError distinguish why listen()/accept() failed.

type ListenErrorKind int

const (
	ListenErrorPortInUse ListenErrorKind = iota
)

type ListenError struct{ Kind ListenErrorKind }

func (e *ListenError) Error() string { return "tcpstack: port already in listen state" }

type AcceptError struct{}

func (e *AcceptError) Error() string { return "tcpstack: listener closed" }
