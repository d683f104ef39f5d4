// Package node wires the forwarding plane, route table, RIP engine, and
// TCP stack together into one running instance, and supervises their
// background goroutines (spec.md §5 "Task inventory per node").
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.vnet.dev/vnet/internal/config"
	"go.vnet.dev/vnet/internal/drop"
	"go.vnet.dev/vnet/internal/forwarding"
	"go.vnet.dev/vnet/internal/rip"
	"go.vnet.dev/vnet/internal/route"
	"go.vnet.dev/vnet/internal/tcpstack"
	"go.vnet.dev/vnet/internal/vip"
	"go.vnet.dev/vnet/internal/vlink"
)

const inboundQueueDepth = 256

// Node is one running instance of the stack: a UDP endpoint, its set of
// virtual links, and the forwarding/routing/transport state layered over
// them.
type Node struct {
	conn   *net.UDPConn
	net    *forwarding.Net
	routes *route.Table
	rip    *rip.Engine
	TCP    *tcpstack.Stack

	mu    sync.RWMutex
	links []*vlink.Link

	inbound []chan []byte
}

// New binds the host UDP endpoint, builds one Link per definition, and
// wires the forwarding plane, route table, RIP engine, and TCP stack over
// them. It does not yet start any background goroutines; call Run for
// that.
func New(host config.HostEndpoint, defs []config.LinkDefinition, dropPolicy drop.Policy) (*Node, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: host.IP, Port: int(host.Port)})
	if err != nil {
		return nil, errors.Wrapf(err, "binding host endpoint %s:%d", host.IP, host.Port)
	}

	fnet := forwarding.New(dropPolicy)
	routes := route.New(rip.DefaultMaxAge)

	n := &Node{conn: conn, net: fnet, routes: routes}

	for i, def := range defs {
		link, err := vlink.New(i, def, conn)
		if err != nil {
			return nil, errors.Wrapf(err, "constructing link %d", i)
		}
		fnet.AddLink(link)
		routes.AddLocal(def.LocalVIP, i)
		routes.AddDirect(def.RemoteVIP, i, def.RemoteVIP)
		n.links = append(n.links, link)
		n.inbound = append(n.inbound, make(chan []byte, inboundQueueDepth))
	}

	fnet.SetRouter(routes)
	n.rip = rip.New(fnet, routes, rip.DefaultUpdateInterval)
	n.TCP = tcpstack.New(fnet)

	return n, nil
}

// Run starts the socket reader, one inbound-processing goroutine per link,
// and the RIP engine's periodic broadcaster/expiry sweep. It blocks until
// ctx is cancelled or a goroutine fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.socketReader(ctx) })
	for i, l := range n.links {
		i, l := i, l
		g.Go(func() error { return n.linkReader(ctx, i, l) })
	}
	g.Go(func() error { return n.rip.Run(ctx) })

	return g.Wait()
}

// socketReader reads every inbound datagram off the shared UDP endpoint
// and demultiplexes it, by source address, onto the owning link's inbound
// channel. This is the single point of contention for an otherwise
// per-link-concurrent pipeline.
func (n *Node) socketReader(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		if err := n.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return err
		}
		nRead, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "reading from socket")
		}
		datagram := append([]byte(nil), buf[:nRead]...)

		idx, ok := n.linkIndexFor(from)
		if !ok {
			glog.Warningf("node: datagram from unrecognized peer %s, dropping", from)
			continue
		}
		select {
		case n.inbound[idx] <- datagram:
		default:
			glog.Warningf("node: inbound queue full for link %d, dropping datagram", idx)
		}
	}
}

func (n *Node) linkReader(ctx context.Context, idx int, l *vlink.Link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case datagram := <-n.inbound[idx]:
			l.Deliver(datagram)
		}
	}
}

func (n *Node) linkIndexFor(addr *net.UDPAddr) (int, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for i, l := range n.links {
		remote := l.RemoteAddr()
		if remote.IP.Equal(addr.IP) && remote.Port == addr.Port {
			return i, true
		}
	}
	return 0, false
}

// Net returns the node's forwarding plane, for sending raw test-protocol
// payloads from the shell's `send` command.
func (n *Node) Net() *forwarding.Net { return n.net }

// Routes returns the node's route table, for the `lr` shell command.
func (n *Node) Routes() *route.Table { return n.routes }

// Links returns the node's links in interface-index order, for the `li`
// shell command.
func (n *Node) Links() []*vlink.Link {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*vlink.Link, len(n.links))
	copy(out, n.links)
	return out
}

// SetLinkUp toggles the up/down flag of the link at index i.
func (n *Node) SetLinkUp(index int, up bool) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if index < 0 || index >= len(n.links) {
		return fmt.Errorf("node: no interface %d", index)
	}
	n.links[index].SetUp(up)
	return nil
}

// Close releases the node's UDP socket.
func (n *Node) Close() error {
	return n.conn.Close()
}

// LocalVIPs returns the set of virtual addresses this node answers to.
func (n *Node) LocalVIPs() []vip.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]vip.Addr, len(n.links))
	for i, l := range n.links {
		out[i] = l.LocalVIP
	}
	return out
}
