// Package forwarding implements the virtual-IP forwarding plane: the set of
// links a node owns, inbound datagram demultiplexing, TTL accounting, the
// drop-policy hook, and protocol dispatch for locally delivered payloads
// (spec.md §4.1).
package forwarding

import (
	"sync"

	"github.com/golang/glog"

	"go.vnet.dev/vnet/internal/drop"
	"go.vnet.dev/vnet/internal/iphdr"
	"go.vnet.dev/vnet/internal/vip"
	"go.vnet.dev/vnet/internal/vlink"
)

// ProtocolHandler processes a payload delivered to this node under a given
// IP protocol number (spec.md §2 "Protocol dispatch").
type ProtocolHandler interface {
	HandlePacket(h iphdr.IPv4Header, payload []byte, net *Net)
}

// Router resolves a destination virtual IP to an outbound link and next
// hop. It is satisfied by *route.Table.
type Router interface {
	Lookup(dst vip.Addr) (linkIndex int, nextHop vip.Addr, ok bool)
}

// NoRouteError means the router has no entry for a destination.
type NoRouteError struct{ Dst vip.Addr }

func (e *NoRouteError) Error() string { return "forwarding: no route to " + vip.String(e.Dst) }

// Net owns a node's set of links and demultiplexes inbound traffic.
type Net struct {
	mu    sync.RWMutex
	links []*vlink.Link
	local map[vip.Addr]*vlink.Link

	handlers map[uint8]ProtocolHandler
	router   Router
	dropper  drop.Policy
}

// New builds an empty forwarding plane. Until SetRouter is called, Send
// fails with NoRouteError for every destination.
func New(dropper drop.Policy) *Net {
	if dropper == nil {
		dropper = drop.Never{}
	}
	return &Net{
		local:    make(map[vip.Addr]*vlink.Link),
		handlers: make(map[uint8]ProtocolHandler),
		dropper:  dropper,
	}
}

// SetRouter installs the route table consulted for forwarding decisions.
// Net and the route table are mutually dependent (the route table
// advertises over Net's links, Net forwards via the route table's
// lookups), so this is set post-construction rather than at New.
func (n *Net) SetRouter(r Router) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.router = r
}

// RegisterHandler binds a protocol number to the handler invoked for
// locally delivered payloads under that protocol.
func (n *Net) RegisterHandler(proto uint8, h ProtocolHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[proto] = h
}

// AddLink registers a link and attaches this Net's inbound dispatch to it.
func (n *Net) AddLink(l *vlink.Link) {
	n.mu.Lock()
	n.links = append(n.links, l)
	n.local[l.LocalVIP] = l
	n.mu.Unlock()

	l.Attach(n.deliver)
}

// Links returns a snapshot of the node's links, in registration order.
func (n *Net) Links() []*vlink.Link {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*vlink.Link, len(n.links))
	copy(out, n.links)
	return out
}

// IsLocal reports whether addr names one of this node's own interfaces.
func (n *Net) IsLocal(addr vip.Addr) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.local[addr]
	return ok
}

// LookupLocalVIP resolves the outbound link a destination would route
// through and returns that link's own local VIP, the address a segment
// originated for dst should carry as its source.
func (n *Net) LookupLocalVIP(dst vip.Addr) (local vip.Addr, linkIndex int, ok bool) {
	n.mu.RLock()
	router := n.router
	n.mu.RUnlock()
	if router == nil {
		return vip.Zero, 0, false
	}
	linkIdx, _, ok := router.Lookup(dst)
	if !ok {
		return vip.Zero, 0, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if linkIdx < 0 || linkIdx >= len(n.links) {
		return vip.Zero, 0, false
	}
	return n.links[linkIdx].LocalVIP, linkIdx, true
}

// Send originates a new datagram: it builds a fresh IPv4 header with
// ttl=iphdr.DefaultTTL, fills in the source address from the chosen
// outbound link's local VIP, and transmits it on that link (spec.md §4.1).
func (n *Net) Send(payload []byte, proto uint8, dst vip.Addr) error {
	n.mu.RLock()
	router := n.router
	n.mu.RUnlock()

	if router == nil {
		return &NoRouteError{Dst: dst}
	}
	linkIdx, _, ok := router.Lookup(dst)
	if !ok {
		return &NoRouteError{Dst: dst}
	}

	n.mu.RLock()
	if linkIdx < 0 || linkIdx >= len(n.links) {
		n.mu.RUnlock()
		return &NoRouteError{Dst: dst}
	}
	link := n.links[linkIdx]
	n.mu.RUnlock()

	h := iphdr.IPv4Header{
		TTL:      iphdr.DefaultTTL,
		Protocol: proto,
		Src:      link.LocalVIP,
		Dst:      dst,
	}
	if err := link.Send(h, payload); err != nil {
		if _, down := err.(*vlink.LinkDownError); down {
			return &LinkDownError{Index: linkIdx}
		}
		return err
	}
	return nil
}

// LinkDownError is returned by Send when the chosen outbound link is down.
type LinkDownError struct{ Index int }

func (e *LinkDownError) Error() string { return "forwarding: link is down" }

// deliver is invoked by a link's reader goroutine for every inbound
// datagram already known to be checksum-valid (vlink.Link.Deliver decodes
// and validates before calling this). It implements spec.md §4.1 steps 2-4.
func (n *Net) deliver(h iphdr.IPv4Header, payload []byte, linkIndex int) {
	if n.dropper.ShouldDrop(h) {
		return
	}

	if n.IsLocal(h.Dst) {
		h.TTL--
		if h.TTL == 0 {
			glog.Warningf("forwarding: dropping datagram to %s: TTL expired at destination", vip.String(h.Dst))
			return
		}
		n.dispatchLocal(h, payload)
		return
	}

	h.TTL--
	if h.TTL == 0 {
		glog.Warningf("forwarding: dropping datagram to %s: TTL expired in transit", vip.String(h.Dst))
		return
	}

	n.mu.RLock()
	router := n.router
	n.mu.RUnlock()
	if router == nil {
		return
	}
	nextLinkIdx, _, ok := router.Lookup(h.Dst)
	if !ok {
		glog.Warningf("forwarding: no route to %s, dropping", vip.String(h.Dst))
		return
	}

	n.mu.RLock()
	var link *vlink.Link
	if nextLinkIdx >= 0 && nextLinkIdx < len(n.links) {
		link = n.links[nextLinkIdx]
	}
	n.mu.RUnlock()
	if link == nil || !link.Up() {
		glog.Warningf("forwarding: link down or missing for route to %s, dropping", vip.String(h.Dst))
		return
	}

	// Re-emit without altering source address: source is preserved across
	// hops so the ultimate receiver still sees the original sender.
	if err := link.Send(h, payload); err != nil {
		glog.Warningf("forwarding: forward to %s failed: %v", vip.String(h.Dst), err)
	}
}

func (n *Net) dispatchLocal(h iphdr.IPv4Header, payload []byte) {
	n.mu.RLock()
	handler, ok := n.handlers[h.Protocol]
	n.mu.RUnlock()
	if !ok {
		glog.Infof("forwarding: no handler registered for protocol %d", h.Protocol)
		return
	}
	handler.HandlePacket(h, payload, n)
}
