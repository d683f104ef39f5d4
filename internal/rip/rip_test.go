package rip

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.vnet.dev/vnet/internal/route"
	"go.vnet.dev/vnet/internal/vip"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a, _ := vip.Parse("10.0.0.1")
	b, _ := vip.Parse("10.0.0.2")
	msg := Message{
		Command: CommandResponse,
		Entries: []route.AdvertisedEntry{
			{Dst: a, Cost: 0},
			{Dst: b, Cost: 3},
		},
	}

	wire := Encode(msg)
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("Decode(Encode(msg)) mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsShortMessage(t *testing.T) {
	if _, err := Decode([]byte{0, 1}); err == nil {
		t.Error("Decode on a 2-byte payload succeeded, want error")
	}
	// Header claims 2 entries but the payload only has room for zero.
	if _, err := Decode([]byte{0, 2, 0, 2}); err == nil {
		t.Error("Decode with truncated entries succeeded, want error")
	}
}

func TestDecodeClampsCostToUnreachable(t *testing.T) {
	a, _ := vip.Parse("10.0.0.1")
	msg := Message{Command: CommandResponse, Entries: []route.AdvertisedEntry{{Dst: a, Cost: 200}}}
	got, err := Decode(Encode(msg))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Entries[0].Cost != route.Unreachable {
		t.Errorf("cost = %d, want %d", got.Entries[0].Cost, route.Unreachable)
	}
}
