package route

import (
	"testing"
	"time"

	"go.vnet.dev/vnet/internal/vip"
)

func addr(t *testing.T, s string) vip.Addr {
	t.Helper()
	a, err := vip.Parse(s)
	if err != nil {
		t.Fatalf("vip.Parse(%q): %v", s, err)
	}
	return a
}

func TestLookupLocal(t *testing.T) {
	tbl := New(time.Minute)
	a := addr(t, "10.0.0.1")
	tbl.AddLocal(a, 0)

	link, next, ok := tbl.Lookup(a)
	if !ok || link != 0 || next != a {
		t.Errorf("Lookup(local) = (%d, %v, %v)", link, next, ok)
	}
}

func TestApplyUpdateAdoptsBetterRoute(t *testing.T) {
	tbl := New(time.Minute)
	dst := addr(t, "10.0.0.9")
	neighbor := addr(t, "10.0.0.2")

	changed := tbl.ApplyUpdate(0, neighbor, []AdvertisedEntry{{Dst: dst, Cost: 1}})
	if !changed {
		t.Fatal("ApplyUpdate on new destination reported no change")
	}
	link, next, ok := tbl.Lookup(dst)
	if !ok || link != 0 || next != neighbor {
		t.Fatalf("Lookup after first update = (%d, %v, %v)", link, next, ok)
	}

	// A worse route via a different neighbor must not displace the
	// existing one.
	tbl.ApplyUpdate(1, addr(t, "10.0.0.3"), []AdvertisedEntry{{Dst: dst, Cost: 5}})
	_, next, _ = tbl.Lookup(dst)
	if next != neighbor {
		t.Errorf("worse route via link 1 displaced the existing route: next = %v", next)
	}

	// A better route via a different neighbor must replace it.
	tbl.ApplyUpdate(1, addr(t, "10.0.0.3"), []AdvertisedEntry{{Dst: dst, Cost: 0}})
	_, next, _ = tbl.Lookup(dst)
	if next != addr(t, "10.0.0.3") {
		t.Errorf("better route did not replace existing: next = %v", next)
	}
}

func TestApplyUpdateWithdrawsUnreachable(t *testing.T) {
	tbl := New(time.Minute)
	dst := addr(t, "10.0.0.9")
	neighbor := addr(t, "10.0.0.2")

	tbl.ApplyUpdate(0, neighbor, []AdvertisedEntry{{Dst: dst, Cost: 1}})
	tbl.ApplyUpdate(0, neighbor, []AdvertisedEntry{{Dst: dst, Cost: Unreachable}})

	if _, _, ok := tbl.Lookup(dst); ok {
		t.Error("Lookup succeeded after neighbor withdrew the only route")
	}
}

func TestSnapshotForAppliesPoisonReverse(t *testing.T) {
	tbl := New(time.Minute)
	local := addr(t, "10.0.0.1")
	dst := addr(t, "10.0.0.9")
	neighbor := addr(t, "10.0.0.2")

	tbl.AddLocal(local, 0)
	tbl.ApplyUpdate(1, neighbor, []AdvertisedEntry{{Dst: dst, Cost: 1}})

	snap := tbl.SnapshotFor(1)
	costs := map[vip.Addr]uint8{}
	for _, e := range snap {
		costs[e.Dst] = e.Cost
	}
	if costs[dst] != Unreachable {
		t.Errorf("SnapshotFor(1)[dst] = %d, want %d (poisoned)", costs[dst], Unreachable)
	}
	if costs[local] != 0 {
		t.Errorf("SnapshotFor(1)[local] = %d, want 0 (local always true cost)", costs[local])
	}

	snap0 := tbl.SnapshotFor(0)
	costs0 := map[vip.Addr]uint8{}
	for _, e := range snap0 {
		costs0[e.Dst] = e.Cost
	}
	if costs0[dst] != 2 {
		t.Errorf("SnapshotFor(0)[dst] = %d, want 2 (advertised 1 plus one hop, not poisoned on a different link)", costs0[dst])
	}
}

func TestExpireMarksThenRemoves(t *testing.T) {
	tbl := New(50 * time.Millisecond)
	dst := addr(t, "10.0.0.9")
	neighbor := addr(t, "10.0.0.2")
	tbl.ApplyUpdate(0, neighbor, []AdvertisedEntry{{Dst: dst, Cost: 1}})

	time.Sleep(75 * time.Millisecond)
	changed := tbl.Expire()
	if len(changed) != 1 || changed[0] != dst {
		t.Fatalf("Expire after maxAge = %v, want [%v]", changed, dst)
	}
	if _, _, ok := tbl.Lookup(dst); ok {
		t.Error("Lookup succeeded for a route marked unreachable by Expire")
	}

	time.Sleep(50 * time.Millisecond)
	tbl.Expire()
	if got := len(tbl.Snapshot()); got != 0 {
		t.Errorf("entries remaining after 2*maxAge = %d, want 0", got)
	}
}
