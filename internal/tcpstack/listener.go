package tcpstack

import (
	"context"

	"github.com/golang/glog"
)

// Listener is a passive-open socket keyed by local port. Completed
// handshakes (connections that reached Established in SynReceived) are
// enqueued here for Accept to pick up.
type Listener struct {
	port       Port
	descriptor Descriptor
	accepted   chan *Connection
}

func newListener(port Port, descriptor Descriptor) *Listener {
	return &Listener{
		port:       port,
		descriptor: descriptor,
		accepted:   make(chan *Connection, MaxPendingAccepts),
	}
}

// enqueue is called by a spawned connection once its handshake completes.
// It never blocks: a full accept queue means the listener isn't being
// serviced, and spec.md's inbound path must not stall on that.
func (l *Listener) enqueue(c *Connection) {
	select {
	case l.accepted <- c:
	default:
		glog.Warningf("tcpstack: accept queue full on port %d, dropping completed connection", l.port)
	}
}

// Accept blocks until a connection completes its handshake or ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	select {
	case c, ok := <-l.accepted:
		if !ok {
			return nil, &AcceptError{}
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Port() Port { return l.port }
