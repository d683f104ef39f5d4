// Package vip represents the virtual IP addresses that identify nodes on
// the overlay fabric. They are unrelated to the real UDP endpoints links are
// carried over.
package vip

import (
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// Addr is a 4-byte virtual IP, reusing gvisor's tcpip.Address representation
// (a raw big-endian byte string) rather than inventing a parallel type.
type Addr = tcpip.Address

// Zero is the unspecified virtual address (0.0.0.0).
var Zero = FromBytes([4]byte{})

// FromBytes builds an Addr from raw octets.
func FromBytes(b [4]byte) Addr {
	return tcpip.Address(b[:])
}

// Parse decodes the dotted-quad string representation of a virtual IP.
func Parse(s string) (Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return "", &ParseError{Input: s}
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", &ParseError{Input: s}
	}
	return tcpip.Address(v4), nil
}

// ParseError reports a malformed virtual-IP literal.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return "vip: invalid address " + e.Input
}

// ToUint32 renders a as a big-endian 32-bit integer, the form RIP entries
// carry an address in on the wire.
func ToUint32(a Addr) uint32 {
	if len(a) != 4 {
		return 0
	}
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// FromUint32 is the inverse of ToUint32.
func FromUint32(v uint32) Addr {
	return FromBytes([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// String renders a as a dotted-quad.
func String(a Addr) string {
	if len(a) != 4 {
		return "<invalid>"
	}
	return net.IP(a).String()
}

// IsAny reports whether a is the unspecified address.
func IsAny(a Addr) bool {
	if len(a) == 0 {
		return false
	}
	for _, o := range a {
		if o != 0 {
			return false
		}
	}
	return true
}
