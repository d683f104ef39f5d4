// Package shell implements the command surface of spec.md §6: a pure
// line-in, text-out handler meant to be driven by an external REPL (stdin
// loop, test harness, or anything else that can hand it a string and print
// what comes back).
package shell

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"go.vnet.dev/vnet/internal/node"
	"go.vnet.dev/vnet/internal/tcpstack"
	"go.vnet.dev/vnet/internal/vip"
)

// Shell dispatches one line of user input at a time against a node.
type Shell struct {
	node *node.Node
}

// New builds a Shell over a running node.
func New(n *node.Node) *Shell { return &Shell{node: n} }

// Quit is returned by Handle when the user typed "q": the caller should
// stop feeding Handle further input and exit cleanly.
var Quit = fmt.Errorf("shell: quit")

// Handle parses and executes one command line, returning the text to show
// the user. Unknown commands and malformed arguments produce a
// human-readable diagnostic rather than an error, per spec.md §6; Handle
// only returns a non-nil error for "q".
func (s *Shell) Handle(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "li", "interfaces":
		return s.listInterfaces(), nil
	case "lr", "routes":
		return s.listRoutes(), nil
	case "ls":
		return s.listSockets(), nil
	case "up":
		return s.setLinkUp(args, true)
	case "down":
		return s.setLinkUp(args, false)
	case "send":
		return s.send(args)
	case "a":
		return s.listen(args)
	case "c":
		return s.connect(args)
	case "s":
		return s.sendOnSocket(args)
	case "r":
		return s.read(args)
	case "sd":
		return s.shutdown(args)
	case "cl":
		return s.close(args)
	case "sf":
		return s.sendFile(args)
	case "rf":
		return s.recvFile(args)
	case "q":
		return "", Quit
	default:
		return fmt.Sprintf("unknown command %q", cmd), nil
	}
}

func (s *Shell) listInterfaces() string {
	var b strings.Builder
	b.WriteString("id\tstate\tlocal\tremote\n")
	for i, l := range s.node.Links() {
		state := "down"
		if l.Up() {
			state = "up"
		}
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s\n", i, state, vip.String(l.LocalVIP), vip.String(l.RemoteVIP))
	}
	return b.String()
}

func (s *Shell) listRoutes() string {
	var b strings.Builder
	b.WriteString("dst\tnext\tcost\n")
	for _, e := range s.node.Routes().Snapshot() {
		fmt.Fprintf(&b, "%s\t%s\t%d\n", vip.String(e.Dst), vip.String(e.NextHopVIP), e.Cost)
	}
	return b.String()
}

func (s *Shell) listSockets() string {
	var b strings.Builder
	b.WriteString("id\tstate\tlocal window size\tremote window size\n")
	for _, sock := range s.node.TCP.ListSockets() {
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s\n", sock.Descriptor, sock.State,
			humanize.Bytes(uint64(sock.LocalWindow)), humanize.Bytes(uint64(sock.RemoteWindow)))
	}
	return b.String()
}

func (s *Shell) setLinkUp(args []string, up bool) (string, error) {
	if len(args) < 1 {
		return "usage: up|down <link-id>", nil
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("invalid link id %q", args[0]), nil
	}
	if err := s.node.SetLinkUp(idx, up); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

func (s *Shell) send(args []string) (string, error) {
	if len(args) < 3 {
		return "usage: send <vip> <proto> <payload>", nil
	}
	dst, err := vip.Parse(args[0])
	if err != nil {
		return err.Error(), nil
	}
	proto, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Sprintf("invalid protocol %q", args[1]), nil
	}
	payload := strings.Join(args[2:], " ")
	if err := s.node.Net().Send([]byte(payload), uint8(proto), dst); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

func (s *Shell) listen(args []string) (string, error) {
	if len(args) < 1 {
		return "usage: a <port>", nil
	}
	port, err := parsePort(args[0])
	if err != nil {
		return err.Error(), nil
	}
	_, d, err := s.node.TCP.Listen(port)
	if err != nil {
		return err.Error(), nil
	}
	return fmt.Sprintf("listening on port %d as socket %d", port, d), nil
}

func (s *Shell) connect(args []string) (string, error) {
	if len(args) < 2 {
		return "usage: c <vip> <port>", nil
	}
	dst, err := vip.Parse(args[0])
	if err != nil {
		return err.Error(), nil
	}
	port, err := parsePort(args[1])
	if err != nil {
		return err.Error(), nil
	}
	_, d, err := s.node.TCP.Connect(dst, port)
	if err != nil {
		return err.Error(), nil
	}
	return fmt.Sprintf("connection established as socket %d", d), nil
}

func (s *Shell) sendOnSocket(args []string) (string, error) {
	if len(args) < 2 {
		return "usage: s <sid> <payload>", nil
	}
	conn, err := s.connByArg(args[0])
	if err != nil {
		return err.Error(), nil
	}
	payload := strings.Join(args[1:], " ")
	if err := conn.SendAll([]byte(payload)); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

func (s *Shell) read(args []string) (string, error) {
	if len(args) < 2 {
		return "usage: r <sid> <n> [y|N]", nil
	}
	conn, err := s.connByArg(args[0])
	if err != nil {
		return err.Error(), nil
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Sprintf("invalid byte count %q", args[1]), nil
	}
	blocking := len(args) >= 3 && strings.EqualFold(args[2], "y")

	var data []byte
	if blocking {
		// Blocking: fill the full n bytes requested, or report how many
		// arrived before the connection closed.
		data, err = conn.Read(n)
	} else {
		// Non-blocking: only take what's already sitting in the receive
		// buffer window, reported via Windows(); if nothing, return empty
		// without waiting for more to arrive.
		local, _ := conn.Windows()
		if local == tcpstack.DefaultWindowSize {
			return "", nil
		}
		data, err = conn.ReadAvailable(n)
	}
	if err != nil {
		if ce, ok := err.(*tcpstack.ClosedError); ok {
			return fmt.Sprintf("%s\n(connection closed after %d bytes)", string(data), ce.BytesDelivered), nil
		}
		return err.Error(), nil
	}
	return string(data), nil
}

func (s *Shell) shutdown(args []string) (string, error) {
	if len(args) < 1 {
		return "usage: sd <sid> [r|w|both]", nil
	}
	conn, err := s.connByArg(args[0])
	if err != nil {
		return err.Error(), nil
	}
	kind := tcpstack.ShutdownWrite
	if len(args) >= 2 {
		switch args[1] {
		case "r":
			kind = tcpstack.ShutdownRead
		case "w":
			kind = tcpstack.ShutdownWrite
		case "both":
			kind = tcpstack.ShutdownReadWrite
		default:
			return fmt.Sprintf("invalid shutdown kind %q", args[1]), nil
		}
	}
	if err := conn.Shutdown(kind); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

func (s *Shell) close(args []string) (string, error) {
	if len(args) < 1 {
		return "usage: cl <sid>", nil
	}
	d, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("invalid socket id %q", args[0]), nil
	}
	if err := s.node.TCP.CloseByDescriptor(tcpstack.Descriptor(d)); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

func (s *Shell) sendFile(args []string) (string, error) {
	if len(args) < 3 {
		return "usage: sf <path> <vip> <port>", nil
	}
	dst, err := vip.Parse(args[1])
	if err != nil {
		return err.Error(), nil
	}
	port, err := parsePort(args[2])
	if err != nil {
		return err.Error(), nil
	}
	if err := s.node.TCP.SendFile(args[0], dst, port); err != nil {
		return err.Error(), nil
	}
	return "send file complete", nil
}

func (s *Shell) recvFile(args []string) (string, error) {
	if len(args) < 2 {
		return "usage: rf <path> <port>", nil
	}
	port, err := parsePort(args[1])
	if err != nil {
		return err.Error(), nil
	}
	if err := s.node.TCP.RecvFile(context.Background(), args[0], port); err != nil {
		return err.Error(), nil
	}
	return "receive file complete", nil
}

func (s *Shell) connByArg(arg string) (*tcpstack.Connection, error) {
	d, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid socket id %q", arg)
	}
	conn, ok := s.node.TCP.GetConnByDescriptor(tcpstack.Descriptor(d))
	if !ok {
		return nil, &tcpstack.NoSocketError{Descriptor: tcpstack.Descriptor(d)}
	}
	return conn, nil
}

func parsePort(s string) (tcpstack.Port, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return tcpstack.Port(n), nil
}
