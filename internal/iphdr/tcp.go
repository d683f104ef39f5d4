package iphdr

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"go.vnet.dev/vnet/internal/vip"
)

// TCP flag bits, re-exported from gvisor's header package so callers of
// this package don't need to import it directly.
const (
	FlagFIN = header.TCPFlagFin
	FlagSYN = header.TCPFlagSyn
	FlagRST = header.TCPFlagRst
	FlagPSH = header.TCPFlagPsh
	FlagACK = header.TCPFlagAck
)

// TCPFields is the decoded form of a segment's transport-layer header.
type TCPFields struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	Flags      uint8
	WindowSize uint16
}

// EncodeTCP builds a complete 20-byte-header TCP segment (no options) with
// the IPv4-pseudo-header checksum required by spec.md §4.3.4.
func EncodeTCP(src, dst vip.Addr, f TCPFields, payload []byte) []byte {
	total := header.TCPMinimumSize + len(payload)
	buf := make([]byte, total)
	tcp := header.TCP(buf)
	tcp.Encode(&header.TCPFields{
		SrcPort:    f.SrcPort,
		DstPort:    f.DstPort,
		SeqNum:     f.SeqNum,
		AckNum:     f.AckNum,
		DataOffset: header.TCPMinimumSize,
		Flags:      f.Flags,
		WindowSize: f.WindowSize,
	})
	copy(buf[header.TCPMinimumSize:], payload)

	xsum := header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(ProtoTCP), src, dst, uint16(total))
	xsum = header.Checksum(payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum, uint16(total)))
	return buf
}

// DecodeTCP validates the pseudo-header checksum and splits a segment into
// its header fields and payload. A mismatched checksum is dropped silently
// by the caller (no ACK is produced for it), per spec.md §4.3.4.
func DecodeTCP(src, dst vip.Addr, segment []byte) (TCPFields, []byte, error) {
	if len(segment) < header.TCPMinimumSize {
		return TCPFields{}, nil, fmt.Errorf("iphdr: tcp segment too short: %d bytes", len(segment))
	}
	tcp := header.TCP(segment)
	payload := segment[tcp.DataOffset():]

	xsum := header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(ProtoTCP), src, dst, uint16(len(segment)))
	xsum = header.Checksum(payload, xsum)
	if tcp.CalculateChecksum(xsum, uint16(len(segment))) != 0xffff {
		return TCPFields{}, nil, &BadChecksumError{}
	}

	return TCPFields{
		SrcPort:    tcp.SourcePort(),
		DstPort:    tcp.DestinationPort(),
		SeqNum:     tcp.SequenceNumber(),
		AckNum:     tcp.AckNumber(),
		Flags:      tcp.Flags(),
		WindowSize: tcp.WindowSize(),
	}, payload, nil
}
