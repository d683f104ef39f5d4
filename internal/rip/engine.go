package rip

import (
	"context"
	"time"

	"github.com/golang/glog"

	"go.vnet.dev/vnet/internal/forwarding"
	"go.vnet.dev/vnet/internal/iphdr"
	"go.vnet.dev/vnet/internal/route"
	"go.vnet.dev/vnet/internal/vip"
	"go.vnet.dev/vnet/internal/vlink"
)

// DefaultUpdateInterval and DefaultMaxAge are spec.md §4.2's default timer
// values.
const (
	DefaultUpdateInterval = 5 * time.Second
	DefaultMaxAge         = 12 * time.Second
)

// Engine owns the periodic broadcaster and the inbound RIP handler; it
// wires forwarding.Net's protocol dispatch to route.Table.
type Engine struct {
	net            *forwarding.Net
	table          *route.Table
	updateInterval time.Duration
}

// New builds a RIP engine over the given forwarding plane and route table.
// It registers itself as the iphdr.ProtoRIP handler on net.
func New(net *forwarding.Net, table *route.Table, updateInterval time.Duration) *Engine {
	if updateInterval <= 0 {
		updateInterval = DefaultUpdateInterval
	}
	e := &Engine{net: net, table: table, updateInterval: updateInterval}
	net.RegisterHandler(iphdr.ProtoRIP, e)
	return e
}

// HandlePacket implements forwarding.ProtocolHandler.
func (e *Engine) HandlePacket(h iphdr.IPv4Header, payload []byte, net *forwarding.Net) {
	msg, err := Decode(payload)
	if err != nil {
		glog.Warningf("rip: dropping malformed message from %s: %v", vip.String(h.Src), err)
		return
	}

	switch msg.Command {
	case CommandRequest:
		e.sendFullTableTo(h.Src, linkIndexForNeighbor(net, h.Src))
	case CommandResponse:
		if e.table.ApplyUpdate(linkIndexForNeighbor(net, h.Src), h.Src, msg.Entries) {
			glog.Infof("rip: route table updated from %s", vip.String(h.Src))
		}
	default:
		glog.Warningf("rip: unknown command %d from %s", msg.Command, vip.String(h.Src))
	}
}

// linkIndexForNeighbor finds which link a neighbor's VIP is reachable over.
// RIP messages always arrive directly from the link's peer, so the link
// whose RemoteVIP matches the sender is the one the advertisement came in
// on.
func linkIndexForNeighbor(net *forwarding.Net, neighbor vip.Addr) int {
	for _, l := range net.Links() {
		if l.RemoteVIP == neighbor {
			return l.Index
		}
	}
	return -1
}

func (e *Engine) sendFullTableTo(dst vip.Addr, linkIndex int) {
	entries := e.table.SnapshotFor(linkIndex)
	if err := e.net.Send(Encode(Message{Command: CommandResponse, Entries: entries}), iphdr.ProtoRIP, dst); err != nil {
		glog.Warningf("rip: sending full table to %s: %v", vip.String(dst), err)
	}
}

// Run broadcasts the table to every up link every updateInterval, and
// sweeps expired entries, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.broadcastAll()
			e.sweepExpired()
		}
	}
}

func (e *Engine) broadcastAll() {
	for _, l := range e.net.Links() {
		if !l.Up() {
			continue
		}
		e.broadcastOn(l)
	}
}

func (e *Engine) broadcastOn(l *vlink.Link) {
	entries := e.table.SnapshotFor(l.Index)
	msg := Message{Command: CommandResponse, Entries: entries}
	if err := e.net.Send(Encode(msg), iphdr.ProtoRIP, l.RemoteVIP); err != nil {
		glog.Warningf("rip: broadcast on link %d: %v", l.Index, err)
	}
}

func (e *Engine) sweepExpired() {
	if changed := e.table.Expire(); len(changed) > 0 {
		glog.Infof("rip: %d route(s) expired", len(changed))
	}
}
