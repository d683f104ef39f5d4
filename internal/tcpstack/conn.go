package tcpstack

import (
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"go.vnet.dev/vnet/internal/iphdr"
	"go.vnet.dev/vnet/internal/vip"
)

// Connection is one TCP-equivalent socket past the listening state: an
// active connect, or a connection spawned off a listener's 3-way handshake.
// A single mutex serializes all packet handling and user operations on it,
// satisfying spec.md §5's "a socket never processes two inbound segments
// concurrently".
type Connection struct {
	mu   sync.Mutex
	cond *sync.Cond

	stack      *Stack
	descriptor Descriptor
	localPort  Port
	remoteVIP  vip.Addr
	remotePort Port
	listener   *Listener // non-nil if spawned from a passive open

	state State

	iss, irs       uint32
	sndUna, sndNxt uint32
	sndWnd         uint16
	rcvNxt         uint32
	rcvWnd         uint16

	sendBuf    []byte // user bytes not yet segmented onto the wire
	recvBuf    []byte // in-order bytes delivered, awaiting a reader
	outOfOrder map[uint32][]byte

	retransmitQ []*outstandingSegment
	rtt         *rttEstimator

	finSeq    uint32
	finQueued bool // FIN has been assigned a sequence number and segmented
	peerFIN   bool

	readClosed, writeClosed bool
	err                     error // terminal error; set once, then returned to all waiters

	timer        *time.Timer
	probeLimiter *rate.Limiter // paces zero-window probes independent of rto backoff
}

func newConnection(stack *Stack, localPort Port, remoteVIP vip.Addr, remotePort Port) *Connection {
	c := &Connection{
		stack:      stack,
		localPort:  localPort,
		remoteVIP:  remoteVIP,
		remotePort: remotePort,
		iss:        rand.Uint32(),
		rcvWnd:     DefaultWindowSize,
		outOfOrder:   make(map[uint32][]byte),
		rtt:          newRTTEstimator(),
		probeLimiter: rate.NewLimiter(rate.Every(MinRTO), 1),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Connection) id() SocketID {
	return ConnID(c.localPort, c.remoteVIP, c.remotePort)
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Windows reports the current local and remote window sizes, for the `ls`
// shell listing.
func (c *Connection) Windows() (local, remote uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DefaultWindowSize - uint16(len(c.recvBuf)), c.sndWnd
}

// --- active/passive open ---

func (c *Connection) startActiveOpen() {
	c.state = StateSynSent
	c.sndNxt = c.iss + 1
	c.sndUna = c.iss
	c.sendSegment(iphdr.FlagSYN, c.iss, nil)
	c.armTimer()
}

// startPassiveOpen replies SYN+ACK to an inbound SYN; call with id fields
// already populated and state Closed.
func (c *Connection) startPassiveOpen(theirSeq uint32) {
	c.irs = theirSeq
	c.rcvNxt = theirSeq + 1
	c.state = StateSynReceived
	c.sndNxt = c.iss + 1
	c.sndUna = c.iss
	c.sendSegment(iphdr.FlagSYN|iphdr.FlagACK, c.iss, nil)
}

// --- inbound segment handling ---

// HandlePacket processes one inbound TCP segment already matched to this
// connection's 4-tuple by the socket table.
func (c *Connection) HandlePacket(f iphdr.TCPFields, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateSynSent:
		c.handleSynSent(f)
	case StateSynReceived:
		c.handleSynReceived(f)
	default:
		c.handleEstablishedOrLater(f, payload)
	}
}

func (c *Connection) handleSynSent(f iphdr.TCPFields) {
	if f.Flags&iphdr.FlagSYN == 0 || f.Flags&iphdr.FlagACK == 0 {
		return
	}
	if f.AckNum != c.iss+1 {
		return
	}
	c.sndUna = c.iss + 1
	c.sndNxt = c.iss + 1
	c.irs = f.SeqNum
	c.rcvNxt = f.SeqNum + 1
	c.sndWnd = f.WindowSize
	c.state = StateEstablished
	c.applyAck(f.AckNum, f.WindowSize) // retire the SYN from the retransmission queue
	c.sendAck()
	c.cond.Broadcast()
}

func (c *Connection) handleSynReceived(f iphdr.TCPFields) {
	if f.Flags&iphdr.FlagSYN != 0 {
		// Duplicate SYN: retransmit SYN+ACK, do not re-allocate.
		c.sendSegment(iphdr.FlagSYN|iphdr.FlagACK, c.iss, nil)
		return
	}
	if f.Flags&iphdr.FlagACK == 0 || f.AckNum != c.iss+1 {
		return
	}
	c.sndUna = c.iss + 1
	c.sndNxt = c.iss + 1
	c.state = StateEstablished
	c.cond.Broadcast()
	if c.listener != nil {
		c.listener.enqueue(c)
	}
}

func (c *Connection) handleEstablishedOrLater(f iphdr.TCPFields, payload []byte) {
	if f.Flags&iphdr.FlagACK != 0 {
		c.applyAck(f.AckNum, f.WindowSize)
	}

	if len(payload) > 0 || f.Flags&iphdr.FlagFIN != 0 {
		c.handleIncomingData(f, payload)
	}

	c.applyTeardownEvents(f)
}

// handleIncomingData implements the receive-path ordering rules of
// spec.md §4.3.2: in-order segments append directly, future segments wait
// in an out-of-order map, and anything already covered is a duplicate ack.
func (c *Connection) handleIncomingData(f iphdr.TCPFields, payload []byte) {
	segLen := uint32(len(payload))
	finBit := f.Flags&iphdr.FlagFIN != 0

	switch {
	case f.SeqNum == c.rcvNxt:
		c.recvBuf = append(c.recvBuf, payload...)
		c.rcvNxt += segLen
		c.drainOutOfOrder()
		if finBit && f.SeqNum+segLen == c.rcvNxt {
			c.rcvNxt++
			c.peerFIN = true
		}
		c.cond.Broadcast()
	case f.SeqNum > c.rcvNxt:
		if segLen > 0 {
			c.outOfOrder[f.SeqNum] = payload
		}
		// FIN arriving out of order is simply not actionable until the gap
		// fills; the peer will retransmit it.
	default:
		// seq + len <= rcv_nxt: fully duplicate, fall through to the ack
		// already sent below.
	}
	c.sendAck()
}

func (c *Connection) drainOutOfOrder() {
	for {
		seg, ok := c.outOfOrder[c.rcvNxt]
		if !ok {
			return
		}
		delete(c.outOfOrder, c.rcvNxt)
		c.recvBuf = append(c.recvBuf, seg...)
		c.rcvNxt += uint32(len(seg))
	}
}

// applyTeardownEvents implements the FIN-exchange transition table of
// spec.md §4.3.3.
func (c *Connection) applyTeardownEvents(f iphdr.TCPFields) {
	finAcked := c.finQueued && c.sndUna == c.finSeq+1

	switch c.state {
	case StateEstablished:
		if c.peerFIN {
			c.state = StateCloseWait
			c.cond.Broadcast()
		}
	case StateFinWait1:
		if c.peerFIN && finAcked {
			c.enterTimeWait()
		} else if finAcked {
			c.state = StateFinWait2
			c.cond.Broadcast()
		} else if c.peerFIN {
			c.state = StateClosing
			c.cond.Broadcast()
		}
	case StateFinWait2:
		if c.peerFIN {
			c.enterTimeWait()
		}
	case StateClosing:
		if finAcked {
			c.enterTimeWait()
		}
	case StateLastAck:
		if finAcked {
			c.transitionClosed(nil)
		}
	}
}

func (c *Connection) enterTimeWait() {
	c.state = StateTimeWait
	c.cond.Broadcast()
	time.AfterFunc(TimeWaitDuration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.transitionClosed(nil)
	})
}

func (c *Connection) transitionClosed(err error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if err != nil && c.err == nil {
		c.err = err
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.stack.removeConnection(c.id())
	c.cond.Broadcast()
}

// --- ACK / retransmission ---

func (c *Connection) applyAck(ack uint32, window uint16) {
	if seqGreater(ack, c.sndUna) {
		c.sndUna = ack
	}
	c.sndWnd = window

	now := time.Now()
	kept := c.retransmitQ[:0]
	for _, seg := range c.retransmitQ {
		if !seqGreater(ack, seg.seq) {
			kept = append(kept, seg)
			continue
		}
		if seqGreaterOrEqual(ack, seg.end()) {
			if !seg.retransmit {
				c.rtt.sample(now.Sub(seg.firstSentAt))
			}
			continue // fully acknowledged, drop from queue
		}
		kept = append(kept, seg)
	}
	c.retransmitQ = kept

	if len(c.retransmitQ) == 0 && c.timer != nil {
		c.timer.Stop()
	}
	c.emitLocked()
	c.cond.Broadcast()
}

func seqGreater(a, b uint32) bool        { return int32(a-b) > 0 }
func seqGreaterOrEqual(a, b uint32) bool { return int32(a-b) >= 0 }

// emitLocked forms and transmits as many segments as the peer's
// advertised window allows, from sendBuf's unsent bytes, and arms the
// retransmission timer. Must be called with c.mu held.
func (c *Connection) emitLocked() {
	inFlight := c.sndNxt - c.sndUna
	for len(c.sendBuf) > 0 {
		avail := int(c.sndWnd) - int(inFlight)
		if avail <= 0 {
			break
		}
		n := len(c.sendBuf)
		if n > avail {
			n = avail
		}
		if n > MaxSegmentSize {
			n = MaxSegmentSize
		}
		if n == 0 {
			break
		}
		chunk := c.sendBuf[:n]
		c.sendBuf = c.sendBuf[n:]

		seq := c.sndNxt
		c.sndNxt += uint32(n)
		inFlight += uint32(n)
		c.queueAndSend(seq, iphdr.FlagACK, chunk)
	}

	// Zero-window probe: keep the connection alive by retransmitting one
	// byte at snd_una so the peer's next ACK can reopen the window. Paced
	// by probeLimiter rather than emitted on every ACK that finds the
	// window still closed.
	c.probeLimiter.SetLimit(rate.Every(c.rtt.rto))
	if c.sndWnd == 0 && len(c.sendBuf) > 0 && len(c.retransmitQ) == 0 && c.probeLimiter.Allow() {
		c.queueAndSend(c.sndUna, iphdr.FlagACK, c.sendBuf[:1])
	}

	c.armTimer()
}

func (c *Connection) queueAndSend(seq uint32, flags uint8, data []byte) {
	now := time.Now()
	seg := &outstandingSegment{seq: seq, data: append([]byte(nil), data...), flags: flags, firstSentAt: now, lastTxAt: now, rto: c.rtt.rto, txCount: 1}
	c.retransmitQ = append(c.retransmitQ, seg)
	c.transmit(seg)
}

func (c *Connection) transmit(seg *outstandingSegment) {
	f := iphdr.TCPFields{
		SrcPort:    uint16(c.localPort),
		DstPort:    uint16(c.remotePort),
		SeqNum:     seg.seq,
		AckNum:     c.rcvNxt,
		Flags:      seg.flags,
		WindowSize: c.rcvWnd,
	}
	segment := iphdr.EncodeTCP(localVIPFor(c), c.remoteVIP, f, seg.data)
	if err := c.stack.net.Send(segment, iphdr.ProtoTCP, c.remoteVIP); err != nil {
		glog.Warningf("tcpstack: transmit to %s:%d failed: %v", vip.String(c.remoteVIP), c.remotePort, err)
		// A send failure during the initial SYN means the peer is
		// unreachable at the forwarding layer (no route, link down): fail
		// the pending active open immediately rather than waiting out
		// ConnectionTimeout only to report a generic timeout.
		if c.state == StateSynSent && c.err == nil {
			c.err = &TransportError{Cause: err}
			c.cond.Broadcast()
		}
	}
}

func (c *Connection) sendSegment(flags uint8, seq uint32, data []byte) {
	c.queueAndSend(seq, flags, data)
}

func (c *Connection) sendAck() {
	f := iphdr.TCPFields{
		SrcPort:    uint16(c.localPort),
		DstPort:    uint16(c.remotePort),
		SeqNum:     c.sndNxt,
		AckNum:     c.rcvNxt,
		Flags:      iphdr.FlagACK,
		WindowSize: DefaultWindowSize - uint16(len(c.recvBuf)),
	}
	segment := iphdr.EncodeTCP(localVIPFor(c), c.remoteVIP, f, nil)
	if err := c.stack.net.Send(segment, iphdr.ProtoTCP, c.remoteVIP); err != nil {
		glog.Warningf("tcpstack: ack to %s:%d failed: %v", vip.String(c.remoteVIP), c.remotePort, err)
	}
}

func localVIPFor(c *Connection) vip.Addr {
	if l, _, ok := c.stack.net.LookupLocalVIP(c.remoteVIP); ok {
		return l
	}
	return vip.Zero
}

func (c *Connection) armTimer() {
	if len(c.retransmitQ) == 0 {
		return
	}
	oldest := c.retransmitQ[0]
	d := oldest.rto
	if c.timer == nil {
		c.timer = time.AfterFunc(d, c.onTimerFire)
	} else {
		c.timer.Reset(d)
	}
}

func (c *Connection) onTimerFire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.retransmitQ) == 0 {
		return
	}
	oldest := c.retransmitQ[0]
	oldest.txCount++
	oldest.retransmit = true
	oldest.rto = clampDuration(oldest.rto*2, MinRTO, MaxRTO)
	oldest.lastTxAt = time.Now()

	if oldest.txCount > MaxRetransmits {
		c.transitionClosed(&ConnClosedError{})
		return
	}

	c.transmit(oldest)
	c.timer.Reset(oldest.rto)
}

// --- user-facing operations ---

// SendAll enqueues bytes for transmission, blocking until every byte has
// been admitted to the send buffer (back-pressure per spec.md §5); it does
// not wait for the peer to acknowledge them.
func (c *Connection) SendAll(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(data) > 0 {
		if c.err != nil {
			return c.err
		}
		if c.writeClosed {
			return &ConnClosedError{}
		}
		free := DefaultWindowSize - len(c.sendBuf)
		if free <= 0 {
			c.cond.Wait()
			continue
		}
		n := len(data)
		if n > free {
			n = free
		}
		c.sendBuf = append(c.sendBuf, data[:n]...)
		data = data[n:]
		c.emitLocked()
	}
	return nil
}

// Read blocks until maxBytes bytes have been delivered, filling the
// caller's request the way a read_all(buf) call does: it does not return
// early just because at least one byte is ready. If the peer closes (FIN
// or a terminal error) before maxBytes bytes arrive, Read returns whatever
// was delivered so far together with a ClosedError reporting that count,
// or a bare ConnClosedError/stored error if nothing was delivered at all.
func (c *Connection) Read(maxBytes int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]byte, 0, maxBytes)
	for len(out) < maxBytes {
		if len(c.recvBuf) > 0 {
			n := maxBytes - len(out)
			if n > len(c.recvBuf) {
				n = len(c.recvBuf)
			}
			out = append(out, c.recvBuf[:n]...)
			c.recvBuf = c.recvBuf[n:]
			continue
		}
		if c.peerFIN {
			return out, closedErr(out, &ConnClosedError{})
		}
		if c.err != nil {
			return out, closedErr(out, c.err)
		}
		if c.readClosed {
			return out, closedErr(out, &ConnClosedError{})
		}
		c.cond.Wait()
	}
	return out, nil
}

// closedErr reports a partial read: ClosedError{len(out)} if anything was
// delivered before the connection ended, or the plain terminal error
// otherwise (matching spec.md's read_all/Closed(n_bytes_delivered) pair).
func closedErr(out []byte, terminal error) error {
	if len(out) > 0 {
		return &ClosedError{BytesDelivered: len(out)}
	}
	return terminal
}

// ReadAvailable returns whatever bytes are already buffered, up to
// maxBytes, without waiting to fill the full request: it blocks only while
// the receive buffer is empty, then returns as soon as at least one byte
// is available, EOF, or an error. This backs the shell's non-blocking `r`
// command, which must not stall waiting for bytes the peer hasn't sent.
func (c *Connection) ReadAvailable(maxBytes int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.recvBuf) == 0 {
		if c.peerFIN {
			return nil, &ConnClosedError{}
		}
		if c.err != nil {
			return nil, c.err
		}
		if c.readClosed {
			return nil, &ConnClosedError{}
		}
		c.cond.Wait()
	}
	n := len(c.recvBuf)
	if n > maxBytes {
		n = maxBytes
	}
	out := append([]byte(nil), c.recvBuf[:n]...)
	c.recvBuf = c.recvBuf[n:]
	return out, nil
}

// Shutdown implements the read/write/both half-close per spec.md §4.3.3.
func (c *Connection) Shutdown(kind ShutdownKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == ShutdownRead || kind == ShutdownReadWrite {
		c.readClosed = true
	}
	if kind == ShutdownWrite || kind == ShutdownReadWrite {
		if err := c.closeWriteLocked(); err != nil {
			return err
		}
	}
	c.cond.Broadcast()
	return nil
}

// Close is the user-initiated active close: send FIN and transition per
// the teardown table.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeWriteLocked()
}

func (c *Connection) closeWriteLocked() error {
	if c.writeClosed {
		return &AlreadyClosedError{}
	}
	c.writeClosed = true

	switch c.state {
	case StateEstablished:
		c.finSeq = c.sndNxt
		c.finQueued = true
		c.sndNxt++
		c.queueAndSend(c.finSeq, iphdr.FlagFIN|iphdr.FlagACK, nil)
		c.state = StateFinWait1
	case StateCloseWait:
		c.finSeq = c.sndNxt
		c.finQueued = true
		c.sndNxt++
		c.queueAndSend(c.finSeq, iphdr.FlagFIN|iphdr.FlagACK, nil)
		c.state = StateLastAck
	}
	c.cond.Broadcast()
	return nil
}
