package tcpstack

import (
	"context"
	"io"
	"os"

	"go.vnet.dev/vnet/internal/vip"
)

const fileChunkSize = 64 * 1024

// SendFileError names why SendFile failed (spec.md SUPPLEMENT).
type SendFileError struct {
	Op    string // "open", "read", "connect", "send"
	Cause error
}

func (e *SendFileError) Error() string { return "tcpstack: send_file " + e.Op + ": " + e.Cause.Error() }
func (e *SendFileError) Unwrap() error { return e.Cause }

// RecvFileError names why RecvFile failed.
type RecvFileError struct {
	Op    string // "io", "listen", "accept"
	Cause error
}

func (e *RecvFileError) Error() string { return "tcpstack: recv_file " + e.Op + ": " + e.Cause.Error() }
func (e *RecvFileError) Unwrap() error { return e.Cause }

// SendFile opens path, connects to (remoteVIP, remotePort), streams the
// file in 64 KiB chunks, then half-closes the write side and waits for the
// peer to acknowledge that FIN (spec.md §4.4).
func (s *Stack) SendFile(path string, remoteVIP vip.Addr, remotePort Port) error {
	f, err := os.Open(path)
	if err != nil {
		return &SendFileError{Op: "open", Cause: err}
	}
	defer f.Close()

	conn, _, err := s.Connect(remoteVIP, remotePort)
	if err != nil {
		return &SendFileError{Op: "connect", Cause: err}
	}

	buf := make([]byte, fileChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := conn.SendAll(buf[:n]); err != nil {
				return &SendFileError{Op: "send", Cause: err}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &SendFileError{Op: "read", Cause: readErr}
		}
	}

	if err := conn.Close(); err != nil {
		return &SendFileError{Op: "send", Cause: err}
	}
	conn.mu.Lock()
	for conn.state != StateClosed && !(conn.finQueued && conn.sndUna == conn.finSeq+1) {
		conn.cond.Wait()
	}
	conn.mu.Unlock()
	return nil
}

// RecvFile listens on port, accepts exactly one connection, and writes
// incoming bytes to path until the peer's FIN delivers EOF.
func (s *Stack) RecvFile(ctx context.Context, path string, port Port) error {
	listener, _, err := s.Listen(port)
	if err != nil {
		return &RecvFileError{Op: "listen", Cause: err}
	}
	defer s.CloseByDescriptor(listener.descriptor)

	conn, _, err := s.Accept(ctx, listener)
	if err != nil {
		return &RecvFileError{Op: "accept", Cause: err}
	}

	out, err := os.Create(path)
	if err != nil {
		return &RecvFileError{Op: "io", Cause: err}
	}
	defer out.Close()

	for {
		chunk, err := conn.ReadAvailable(fileChunkSize)
		if len(chunk) > 0 {
			if _, werr := out.Write(chunk); werr != nil {
				return &RecvFileError{Op: "io", Cause: werr}
			}
		}
		if isConnClosed(err) {
			break
		}
		if err != nil {
			return &RecvFileError{Op: "io", Cause: err}
		}
	}
	return nil
}
