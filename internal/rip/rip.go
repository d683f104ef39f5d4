// Package rip implements the RIP-style distance-vector protocol that keeps
// every node's route table converged: wire encode/decode, the periodic
// broadcaster, and the inbound forwarding.ProtocolHandler (spec.md §4.2).
package rip

import (
	"encoding/binary"

	"go.vnet.dev/vnet/internal/route"
	"go.vnet.dev/vnet/internal/vip"
)

// Command values for the u16 command field.
const (
	CommandRequest  uint16 = 1
	CommandResponse uint16 = 2
)

const hostMask uint32 = 0xffffffff

const entrySize = 4 + 4 + 4 // cost, address, mask, each a u32

// Message is a decoded RIP payload.
type Message struct {
	Command uint16
	Entries []route.AdvertisedEntry
}

// Encode renders m in the wire format: command u16, num_entries u16,
// followed by num_entries {cost, address, mask} u32 triples.
func Encode(m Message) []byte {
	buf := make([]byte, 4+entrySize*len(m.Entries))
	binary.BigEndian.PutUint16(buf[0:2], m.Command)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(m.Entries)))

	off := 4
	for _, e := range m.Entries {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(e.Cost))
		binary.BigEndian.PutUint32(buf[off+4:off+8], vip.ToUint32(e.Dst))
		binary.BigEndian.PutUint32(buf[off+8:off+12], hostMask)
		off += entrySize
	}
	return buf
}

// ShortMessageError means a RIP payload was too small to hold its header or
// its declared number of entries.
type ShortMessageError struct{ Len int }

func (e *ShortMessageError) Error() string { return "rip: message too short" }

// Decode parses a wire-format RIP payload.
func Decode(payload []byte) (Message, error) {
	if len(payload) < 4 {
		return Message{}, &ShortMessageError{Len: len(payload)}
	}
	cmd := binary.BigEndian.Uint16(payload[0:2])
	n := binary.BigEndian.Uint16(payload[2:4])

	need := 4 + int(n)*entrySize
	if len(payload) < need {
		return Message{}, &ShortMessageError{Len: len(payload)}
	}

	entries := make([]route.AdvertisedEntry, 0, n)
	off := 4
	for i := 0; i < int(n); i++ {
		cost := binary.BigEndian.Uint32(payload[off : off+4])
		addr := binary.BigEndian.Uint32(payload[off+4 : off+8])
		// mask is skipped, not read: entries are always host routes.
		off += entrySize

		c := cost
		if c > route.Unreachable {
			c = route.Unreachable
		}
		entries = append(entries, route.AdvertisedEntry{
			Dst:  vip.FromUint32(addr),
			Cost: uint8(c),
		})
	}
	return Message{Command: cmd, Entries: entries}, nil
}
