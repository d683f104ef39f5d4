// Package drop implements the pluggable packet-drop injection policy the
// forwarding plane consults on every inbound datagram (spec.md §1 lists this
// as an external collaborator: a predicate over the parsed IPv4 header).
package drop

import (
	"sync/atomic"

	"go.vnet.dev/vnet/internal/iphdr"
)

// Policy decides whether an inbound datagram should be silently discarded.
type Policy interface {
	ShouldDrop(h iphdr.IPv4Header) bool
}

// Never never drops a packet. It is the default policy.
type Never struct{}

// ShouldDrop implements Policy.
func (Never) ShouldDrop(iphdr.IPv4Header) bool { return false }

// Uniform drops roughly a fixed fraction of packets, deterministically: it
// drops one packet out of every 1/rate, rather than flipping a weighted
// coin per packet, so that a given run's drop count is reproducible.
type Uniform struct {
	never  bool
	every  uint64
	counti uint64
}

// NewUniform builds a Uniform policy for the given rate in [0, 1).
func NewUniform(rate float64) *Uniform {
	if rate <= 0 {
		return &Uniform{never: true}
	}
	if rate >= 1 {
		rate = 0.999999
	}
	return &Uniform{every: uint64(1 / rate)}
}

// ShouldDrop implements Policy.
func (u *Uniform) ShouldDrop(iphdr.IPv4Header) bool {
	if u.never {
		return false
	}
	n := atomic.AddUint64(&u.counti, 1) - 1
	return n%u.every == 0
}
