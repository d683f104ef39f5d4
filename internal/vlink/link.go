// Package vlink implements a single point-to-point virtual link: one side
// of a LinkDefinition, carried over a real UDP socket to the peer's
// datagram endpoint (spec.md §4.1).
package vlink

import (
	"net"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"go.vnet.dev/vnet/internal/config"
	"go.vnet.dev/vnet/internal/iphdr"
	"go.vnet.dev/vnet/internal/vip"
)

// Dispatcher receives datagrams decoded off a Link's wire. It is invoked
// from the link's own reader goroutine, so implementations must not block
// indefinitely and must not re-enter the link that called them while
// holding a lock the link needs.
type Dispatcher func(h iphdr.IPv4Header, payload []byte, linkIndex int)

// Link is one side of a point-to-point virtual connection to a peer node.
type Link struct {
	Index      int
	LocalVIP   vip.Addr
	RemoteVIP  vip.Addr
	remoteAddr *net.UDPAddr

	conn *net.UDPConn
	up   atomic.Bool

	dispatch Dispatcher
}

// New constructs a Link from a parsed definition. conn is a UDP socket
// already bound to the host's own datagram endpoint and shared across all
// of a node's links (one socket, many peers); node.Node's socket reader
// demultiplexes inbound datagrams to links by source address.
func New(index int, def config.LinkDefinition, conn *net.UDPConn) (*Link, error) {
	remoteAddr := &net.UDPAddr{IP: def.RemoteIP, Port: int(def.RemotePort)}

	l := &Link{
		Index:      index,
		LocalVIP:   def.LocalVIP,
		RemoteVIP:  def.RemoteVIP,
		remoteAddr: remoteAddr,
		conn:       conn,
	}
	l.up.Store(def.Up)
	return l, nil
}

// SetUp toggles this link's up/down flag. Datagram sends on a down link are
// rejected with LinkDownError without touching the shared socket table.
func (l *Link) SetUp(up bool) { l.up.Store(up) }

// Up reports whether this link currently forwards traffic.
func (l *Link) Up() bool { return l.up.Load() }

// RemoteAddr returns the UDP endpoint frames for this link are sent to.
func (l *Link) RemoteAddr() *net.UDPAddr { return l.remoteAddr }

// Send encodes and transmits an IPv4 datagram to this link's peer.
func (l *Link) Send(h iphdr.IPv4Header, payload []byte) error {
	if !l.Up() {
		return &LinkDownError{Index: l.Index}
	}
	datagram := iphdr.EncodeIPv4(h, payload)
	if _, err := l.conn.WriteToUDP(datagram, l.remoteAddr); err != nil {
		return errors.Wrapf(err, "link %d: send to %s", l.Index, l.remoteAddr)
	}
	return nil
}

// Deliver hands an inbound datagram, already known to have arrived from
// this link's peer, to the registered dispatcher. Decode failures (bad
// checksum, short packet) are logged and dropped, never propagated as a
// fatal error — spec.md §7 requires protocol violations never panic.
func (l *Link) Deliver(datagram []byte) {
	h, payload, err := iphdr.DecodeIPv4(datagram)
	if err != nil {
		glog.Warningf("link %d: dropping malformed datagram: %v", l.Index, err)
		return
	}
	if l.dispatch == nil {
		return
	}
	l.dispatch(h, payload, l.Index)
}

// Attach registers the callback that receives every datagram arriving on
// this link, mirroring the attach/dispatcher split used by this codebase's
// ethernet link endpoint (netstack/link/eth): the link owns delivery, the
// forwarding plane owns interpretation.
func (l *Link) Attach(d Dispatcher) { l.dispatch = d }

// LinkDownError is returned by Send when the link's up/down flag is false.
type LinkDownError struct{ Index int }

func (e *LinkDownError) Error() string {
	return "vlink: link is down"
}
