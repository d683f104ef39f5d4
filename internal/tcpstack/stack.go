package tcpstack

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"go.vnet.dev/vnet/internal/forwarding"
	"go.vnet.dev/vnet/internal/iphdr"
	"go.vnet.dev/vnet/internal/vip"
)

// Stack is the socket table: it maps SocketID to sockets, assigns
// descriptors and ephemeral ports, and is the forwarding.ProtocolHandler
// registered for iphdr.ProtoTCP (spec.md §3 "Socket table").
type Stack struct {
	mu sync.RWMutex

	net *forwarding.Net

	listeners map[Port]*Listener
	conns     map[SocketID]*Connection

	descOf   map[SocketID]Descriptor
	byDesc   map[Descriptor]any // *Connection or *Listener
	nextPort Port
	nextDesc Descriptor
}

// New builds a TCP stack over net and registers it as the iphdr.ProtoTCP
// handler.
func New(net *forwarding.Net) *Stack {
	s := &Stack{
		net:       net,
		listeners: make(map[Port]*Listener),
		conns:     make(map[SocketID]*Connection),
		descOf:    make(map[SocketID]Descriptor),
		byDesc:    make(map[Descriptor]any),
		nextPort:  FirstEphemeral,
	}
	net.RegisterHandler(iphdr.ProtoTCP, s)
	return s
}

// HandlePacket implements forwarding.ProtocolHandler: it demultiplexes an
// inbound segment to its connection, or to a listener if it is a fresh SYN.
func (s *Stack) HandlePacket(h iphdr.IPv4Header, payload []byte, _ *forwarding.Net) {
	f, tcpPayload, err := iphdr.DecodeTCP(h.Src, h.Dst, payload)
	if err != nil {
		glog.Warningf("tcpstack: dropping malformed segment from %s: %v", vip.String(h.Src), err)
		return
	}

	id := ConnID(Port(f.DstPort), h.Src, Port(f.SrcPort))

	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	if ok {
		conn.HandlePacket(f, tcpPayload)
		return
	}

	if f.Flags&iphdr.FlagSYN == 0 || f.Flags&iphdr.FlagACK != 0 {
		glog.Infof("tcpstack: segment for unknown socket %s, dropping", id)
		return
	}

	s.mu.RLock()
	listener, ok := s.listeners[Port(f.DstPort)]
	s.mu.RUnlock()
	if !ok {
		glog.Infof("tcpstack: SYN to port %d with no listener, dropping", f.DstPort)
		return
	}

	conn = newConnection(s, Port(f.DstPort), h.Src, Port(f.SrcPort))
	conn.listener = listener
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()

	conn.mu.Lock()
	conn.startPassiveOpen(f.SeqNum)
	conn.mu.Unlock()
}

// Listen opens a passive-open socket on port.
func (s *Stack) Listen(port Port) (*Listener, Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listeners[port]; exists {
		return nil, 0, &ListenError{Kind: ListenErrorPortInUse}
	}
	d := s.allocDescLocked()
	l := newListener(port, d)
	s.listeners[port] = l
	s.byDesc[d] = l
	return l, d, nil
}

// Accept waits for the next completed connection on a listener and
// assigns it a descriptor.
func (s *Stack) Accept(ctx context.Context, l *Listener) (*Connection, Descriptor, error) {
	c, err := l.Accept(ctx)
	if err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	d := s.allocDescLocked()
	c.descriptor = d
	s.byDesc[d] = c
	s.descOf[c.id()] = d
	s.mu.Unlock()
	return c, d, nil
}

// Connect performs an active open against (remoteVIP, remotePort),
// blocking until the handshake completes, fails, or ConnectionTimeout
// elapses (spec.md §4.3.1).
func (s *Stack) Connect(remoteVIP vip.Addr, remotePort Port) (*Connection, Descriptor, error) {
	s.mu.Lock()
	localPort := s.allocPortLocked()
	c := newConnection(s, localPort, remoteVIP, remotePort)
	d := s.allocDescLocked()
	c.descriptor = d
	s.conns[c.id()] = c
	s.byDesc[d] = c
	s.descOf[c.id()] = d
	s.mu.Unlock()

	c.mu.Lock()
	c.startActiveOpen()
	c.mu.Unlock()

	deadline := time.Now().Add(ConnectionTimeout)
	c.mu.Lock()
	for c.state == StateSynSent && c.err == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		waitWithTimeout(c.cond, remaining)
	}
	state := c.state
	err := c.err
	if state != StateEstablished && c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if state != StateEstablished {
		s.removeConnection(c.id())
		if err != nil {
			return nil, 0, err
		}
		if time.Now().After(deadline) {
			return nil, 0, &TimeoutError{}
		}
		return nil, 0, &TransportError{Cause: &ConnClosedError{}}
	}
	return c, d, nil
}

// waitWithTimeout calls cond.Wait but gives up waiting past d, by arranging
// a timer to broadcast the condition. cond's lock must be held by caller.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cond.Broadcast)
	defer timer.Stop()
	cond.Wait()
}

// GetConnByDescriptor returns the connection registered under d, if any.
func (s *Stack) GetConnByDescriptor(d Descriptor) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byDesc[d].(*Connection)
	return c, ok
}

// GetListenerByDescriptor returns the listener registered under d, if any.
func (s *Stack) GetListenerByDescriptor(d Descriptor) (*Listener, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byDesc[d].(*Listener)
	return l, ok
}

// CloseByDescriptor closes whatever socket d names.
func (s *Stack) CloseByDescriptor(d Descriptor) error {
	s.mu.RLock()
	v, ok := s.byDesc[d]
	s.mu.RUnlock()
	if !ok {
		return &NoSocketError{Descriptor: d}
	}
	switch sock := v.(type) {
	case *Connection:
		return sock.Close()
	case *Listener:
		s.mu.Lock()
		delete(s.listeners, sock.port)
		delete(s.byDesc, d)
		s.mu.Unlock()
		return nil
	default:
		return &NoSocketError{Descriptor: d}
	}
}

// removeConnection drops a connection from the socket table once it
// reaches Closed.
func (s *Stack) removeConnection(id SocketID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.descOf[id]; ok {
		delete(s.byDesc, d)
		delete(s.descOf, id)
	}
	delete(s.conns, id)
}

func (s *Stack) allocDescLocked() Descriptor {
	d := s.nextDesc
	s.nextDesc++
	return d
}

func (s *Stack) allocPortLocked() Port {
	for {
		p := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = FirstEphemeral
		}
		if _, inUse := s.listeners[p]; inUse {
			continue
		}
		return p
	}
}

// SocketSummary is one row of the `ls` shell listing.
type SocketSummary struct {
	Descriptor   Descriptor
	State        string
	LocalWindow  uint16
	RemoteWindow uint16
}

// ListSockets returns every socket in descriptor order, for the `ls`
// command (spec.md's SUPPLEMENT listing format).
func (s *Stack) ListSockets() []SocketSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SocketSummary, 0, len(s.byDesc))
	for d, v := range s.byDesc {
		switch sock := v.(type) {
		case *Connection:
			local, remote := sock.Windows()
			out = append(out, SocketSummary{Descriptor: d, State: sock.State().String(), LocalWindow: local, RemoteWindow: remote})
		case *Listener:
			out = append(out, SocketSummary{Descriptor: d, State: StateListen.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor < out[j].Descriptor })
	return out
}
