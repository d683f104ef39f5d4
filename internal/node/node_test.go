package node

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.vnet.dev/vnet/internal/config"
	"go.vnet.dev/vnet/internal/drop"
	"go.vnet.dev/vnet/internal/tcpstack"
	"go.vnet.dev/vnet/internal/vip"
)

// twoNodePair builds two directly-linked nodes on loopback UDP ports,
// mirroring a two-line link file for each side, and starts both.
func twoNodePair(t *testing.T, portA, portB int, policyA, policyB drop.Policy) (a, b *Node, stop func()) {
	t.Helper()

	vipA, _ := vip.Parse("10.0.0.1")
	vipB, _ := vip.Parse("10.0.0.2")

	hostA := config.HostEndpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(portA)}
	hostB := config.HostEndpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(portB)}

	defsA := []config.LinkDefinition{{LocalVIP: vipA, RemoteVIP: vipB, RemoteIP: net.ParseIP("127.0.0.1"), RemotePort: uint16(portB), Up: true}}
	defsB := []config.LinkDefinition{{LocalVIP: vipB, RemoteVIP: vipA, RemoteIP: net.ParseIP("127.0.0.1"), RemotePort: uint16(portA), Up: true}}

	var err error
	a, err = New(hostA, defsA, policyA)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err = New(hostB, defsB, policyB)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	go b.Run(ctx)

	return a, b, func() {
		cancel()
		a.Close()
		b.Close()
	}
}

func TestHelloWorld(t *testing.T) {
	a, b, stop := twoNodePair(t, 19101, 19102, drop.Never{}, drop.Never{})
	defer stop()

	listener, _, err := b.TCP.Listen(7000)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer acceptCancel()
	acceptedCh := make(chan *tcpstack.Connection, 1)
	go func() {
		conn, _, err := b.TCP.Accept(acceptCtx, listener)
		if err == nil {
			acceptedCh <- conn
		}
	}()

	vipB, _ := vip.Parse("10.0.0.2")
	clientConn, _, err := a.TCP.Connect(vipB, 7000)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var serverConn *tcpstack.Connection
	select {
	case serverConn = <-acceptedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("accept did not complete")
	}

	msg := []byte("hello world")
	if err := clientConn.SendAll(msg); err != nil {
		t.Fatalf("SendAll: %v", err)
	}

	got, err := serverConn.Read(len(msg))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("Read = %q, want %q", got, msg)
	}
}

// establish connects a and b and returns both ends of the resulting
// connection, exercising the same handshake path as TestHelloWorld.
func establish(t *testing.T, a, b *Node, port tcpstack.Port) (client, server *tcpstack.Connection) {
	t.Helper()

	listener, _, err := b.TCP.Listen(port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer acceptCancel()
	acceptedCh := make(chan *tcpstack.Connection, 1)
	go func() {
		conn, _, err := b.TCP.Accept(acceptCtx, listener)
		if err == nil {
			acceptedCh <- conn
		}
	}()

	vipB, _ := vip.Parse("10.0.0.2")
	client, _, err = a.TCP.Connect(vipB, port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case server = <-acceptedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not complete")
	}
	return client, server
}

// TestLargeTransfer exercises segmentation (MaxSegmentSize chunking) and
// sliding-window flow control by pushing far more than one segment's worth
// of data across a connection.
func TestLargeTransfer(t *testing.T) {
	a, b, stop := twoNodePair(t, 19111, 19112, drop.Never{}, drop.Never{})
	defer stop()

	client, server := establish(t, a, b, 7001)

	want := make([]byte, 10*tcpstack.MaxSegmentSize+123)
	for i := range want {
		want[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() { done <- client.SendAll(want) }()

	got := make([]byte, 0, len(want))
	for len(got) < len(want) {
		chunk, err := server.Read(len(want) - len(got))
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, chunk...)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("large transfer mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

// TestLossyTransferRetransmits exercises the retransmission/RTO path by
// dropping a fraction of datagrams in both directions and confirming the
// data still arrives intact.
func TestLossyTransferRetransmits(t *testing.T) {
	lossy := drop.NewUniform(0.2)
	a, b, stop := twoNodePair(t, 19113, 19114, lossy, lossy)
	defer stop()

	client, server := establish(t, a, b, 7002)

	want := []byte("the quick brown fox jumps over the lazy dog, repeated enough to span several retransmit rounds")
	done := make(chan error, 1)
	go func() { done <- client.SendAll(want) }()

	got := make([]byte, 0, len(want))
	deadline := time.Now().Add(20 * time.Second)
	for len(got) < len(want) && time.Now().Before(deadline) {
		chunk, err := server.Read(len(want) - len(got))
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, chunk...)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("lossy transfer mismatch: got %q, want %q", got, want)
	}
}

// TestBidirectionalTransfer sends data in both directions over the same
// connection concurrently.
func TestBidirectionalTransfer(t *testing.T) {
	a, b, stop := twoNodePair(t, 19115, 19116, drop.Never{}, drop.Never{})
	defer stop()

	client, server := establish(t, a, b, 7003)

	toServer := []byte("from client")
	toClient := []byte("from server")

	errCh := make(chan error, 2)
	go func() { errCh <- client.SendAll(toServer) }()
	go func() { errCh <- server.SendAll(toClient) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("SendAll: %v", err)
		}
	}

	gotAtServer, err := server.Read(len(toServer))
	if err != nil {
		t.Fatalf("server Read: %v", err)
	}
	if string(gotAtServer) != string(toServer) {
		t.Fatalf("server got %q, want %q", gotAtServer, toServer)
	}

	gotAtClient, err := client.Read(len(toClient))
	if err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if string(gotAtClient) != string(toClient) {
		t.Fatalf("client got %q, want %q", gotAtClient, toClient)
	}
}

// TestHalfClose exercises shutdown(write): the active closer moves through
// FinWait1/FinWait2 while still able to read, and the passive side moves to
// CloseWait.
func TestHalfClose(t *testing.T) {
	a, b, stop := twoNodePair(t, 19117, 19118, drop.Never{}, drop.Never{})
	defer stop()

	client, server := establish(t, a, b, 7004)

	if err := client.Shutdown(tcpstack.ShutdownWrite); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for server.State() != tcpstack.StateCloseWait && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.State(); got != tcpstack.StateCloseWait {
		t.Fatalf("server state = %v, want CloseWait", got)
	}

	deadline = time.Now().Add(3 * time.Second)
	for client.State() != tcpstack.StateFinWait2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := client.State(); got != tcpstack.StateFinWait2 {
		t.Fatalf("client state = %v, want FinWait2", got)
	}

	// The passive side can still send; the active closer can still read.
	msg := []byte("still readable after half-close")
	if err := server.SendAll(msg); err != nil {
		t.Fatalf("SendAll after half-close: %v", err)
	}
	got, err := client.Read(len(msg))
	if err != nil {
		t.Fatalf("Read after half-close: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("Read after half-close = %q, want %q", got, msg)
	}
}

// TestConnectToUnreachableFailsFast confirms that Connect to an address
// with no route reports a transport failure (spec.md §8: "Returns
// Transport(DestUnreachable) within connection_timeout") rather than
// falling through to a bare timeout after waiting out the full
// ConnectionTimeout.
func TestConnectToUnreachableFailsFast(t *testing.T) {
	a, _, stop := twoNodePair(t, 19119, 19120, drop.Never{}, drop.Never{})
	defer stop()

	unreachable, _ := vip.Parse("10.0.0.99")
	start := time.Now()
	_, _, err := a.TCP.Connect(unreachable, 9000)
	elapsed := time.Since(start)

	var transportErr *tcpstack.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Connect err = %v (%T), want *tcpstack.TransportError", err, err)
	}
	if elapsed >= tcpstack.ConnectionTimeout {
		t.Errorf("Connect to an unreachable address took %v, want well under ConnectionTimeout (%v): it should fail fast on the routing error, not wait out the timeout", elapsed, tcpstack.ConnectionTimeout)
	}
}

// TestReadPartialFillThenPeerClose covers the second half of the
// read_all round-trip law: when the peer closes before a Read's requested
// length is satisfied, Read returns the bytes actually delivered together
// with a ClosedError reporting that count.
func TestReadPartialFillThenPeerClose(t *testing.T) {
	a, b, stop := twoNodePair(t, 19121, 19122, drop.Never{}, drop.Never{})
	defer stop()

	client, server := establish(t, a, b, 7005)

	partial := []byte("only some bytes")
	if err := client.SendAll(partial); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := server.Read(len(partial) + 50)
	var closedErr *tcpstack.ClosedError
	if !errors.As(err, &closedErr) {
		t.Fatalf("Read err = %v (%T), want *tcpstack.ClosedError", err, err)
	}
	if closedErr.BytesDelivered != len(partial) {
		t.Errorf("BytesDelivered = %d, want %d", closedErr.BytesDelivered, len(partial))
	}
	if string(got) != string(partial) {
		t.Fatalf("Read data = %q, want %q", got, partial)
	}
}
