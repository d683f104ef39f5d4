// Package iphdr encodes and decodes the IPv4 and TCP wire headers carried
// inside vnet datagrams, built on gvisor's tcpip/header primitives rather
// than hand-rolled byte fiddling.
package iphdr

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"go.vnet.dev/vnet/internal/vip"
)

// Protocol numbers registered with the forwarding plane's dispatch table.
const (
	ProtoTest = 0
	ProtoTCP  = 6
	ProtoRIP  = 200
)

// DefaultTTL is the hop count every locally originated datagram starts with.
// spec.md §9 fixes this at 16, resolving the 15-vs-16 ambiguity between the
// original source's two modules in favor of 16.
const DefaultTTL = 16

// IPv4Header is the parsed form of a datagram's network-layer header.
type IPv4Header struct {
	TTL      uint8
	Protocol uint8
	Src      vip.Addr
	Dst      vip.Addr
}

// EncodeIPv4 serializes header fields plus payload into a complete IPv4
// datagram with a correct RFC 791 checksum.
func EncodeIPv4(h IPv4Header, payload []byte) []byte {
	total := header.IPv4MinimumSize + len(payload)
	buf := make([]byte, total)
	ipv4 := header.IPv4(buf)
	ipv4.Encode(&header.IPv4Fields{
		TOS:            0,
		TotalLength:    uint16(total),
		ID:             0,
		Flags:          0,
		FragmentOffset: 0,
		TTL:            h.TTL,
		Protocol:       h.Protocol,
		SrcAddr:        h.Src,
		DstAddr:        h.Dst,
	})
	ipv4.SetChecksum(0)
	ipv4.SetChecksum(^ipv4.CalculateChecksum())
	copy(buf[header.IPv4MinimumSize:], payload)
	return buf
}

// DecodeIPv4 validates the checksum and splits a datagram into its header
// and payload. A checksum mismatch is reported as BadChecksumError so the
// caller can drop it silently per spec.md §7.
func DecodeIPv4(datagram []byte) (IPv4Header, []byte, error) {
	if len(datagram) < header.IPv4MinimumSize {
		return IPv4Header{}, nil, fmt.Errorf("iphdr: datagram too short: %d bytes", len(datagram))
	}
	ipv4 := header.IPv4(datagram)
	if ipv4.CalculateChecksum() != 0xffff {
		return IPv4Header{}, nil, &BadChecksumError{}
	}
	total := int(ipv4.TotalLength())
	if total > len(datagram) {
		total = len(datagram)
	}
	h := IPv4Header{
		TTL:      ipv4.TTL(),
		Protocol: ipv4.Protocol(),
		Src:      ipv4.SourceAddress(),
		Dst:      ipv4.DestinationAddress(),
	}
	return h, datagram[header.IPv4MinimumSize:total], nil
}

// BadChecksumError indicates a datagram failed IPv4 checksum validation.
type BadChecksumError struct{}

func (*BadChecksumError) Error() string { return "iphdr: bad IPv4 checksum" }
