package drop

import (
	"testing"

	"go.vnet.dev/vnet/internal/iphdr"
)

func TestNeverDrop(t *testing.T) {
	p := Never{}
	for i := 0; i < 100; i++ {
		if p.ShouldDrop(iphdr.IPv4Header{}) {
			t.Fatal("Never.ShouldDrop returned true")
		}
	}
}

func TestUniformIsDeterministic(t *testing.T) {
	p := NewUniform(0.1)
	var got []bool
	for i := 0; i < 30; i++ {
		got = append(got, p.ShouldDrop(iphdr.IPv4Header{}))
	}

	q := NewUniform(0.1)
	for i, want := range got {
		if g := q.ShouldDrop(iphdr.IPv4Header{}); g != want {
			t.Fatalf("packet %d: got %v, want %v (drop sequence must be reproducible)", i, g, want)
		}
	}
}

func TestUniformDropsAboutOneInN(t *testing.T) {
	p := NewUniform(0.1) // every = 10
	dropped := 0
	for i := 0; i < 100; i++ {
		if p.ShouldDrop(iphdr.IPv4Header{}) {
			dropped++
		}
	}
	if dropped != 10 {
		t.Errorf("dropped %d of 100 packets at rate 0.1, want exactly 10", dropped)
	}
}

func TestUniformZeroRateNeverDrops(t *testing.T) {
	p := NewUniform(0)
	for i := 0; i < 50; i++ {
		if p.ShouldDrop(iphdr.IPv4Header{}) {
			t.Fatal("rate=0 policy dropped a packet")
		}
	}
}
