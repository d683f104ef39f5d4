// Package route implements the distance-vector route table: lookups for
// the forwarding plane, Bellman-Ford-style updates from RIP advertisements,
// split-horizon-with-poison-reverse snapshots for outbound advertisements,
// and expiry of stale entries (spec.md §3, §4.2).
package route

import (
	"sync"
	"time"

	"go.vnet.dev/vnet/internal/vip"
)

// Unreachable is the RIP "infinity" cost: a route at this cost is
// advertised but not used for forwarding.
const Unreachable = 16

// Entry is one destination's current best route.
type Entry struct {
	Dst         vip.Addr
	Cost        uint8
	NextHopLink int
	NextHopVIP  vip.Addr
	Local       bool
	updatedAt   time.Time
}

// Table is a node's route table, safe for concurrent lookup and update.
type Table struct {
	mu      sync.RWMutex
	entries map[vip.Addr]*Entry
	maxAge  time.Duration
}

// New builds an empty table. maxAge is how long a learned (non-local) entry
// may go without a refreshing advertisement before Expire marks it
// unreachable; an entry unrefreshed for 2*maxAge is removed entirely.
func New(maxAge time.Duration) *Table {
	return &Table{
		entries: make(map[vip.Addr]*Entry),
		maxAge:  maxAge,
	}
}

// AddDirect seeds a cost-1 route to a link's peer, learned from the link
// configuration itself rather than an advertisement. Without this, a node
// could not reach a directly-connected neighbor until the first periodic
// RIP broadcast arrived; the link file already tells us this route exists.
// It is not a local entry: the neighbor's own advertisements over the same
// link refresh it, and Expire ages it out like any learned route when they
// stop. It is installed only here, at construction; bringing a link back up
// does not re-add it.
func (t *Table) AddDirect(dst vip.Addr, linkIndex int, nextHop vip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, exists := t.entries[dst]; exists && cur.Local {
		return
	}
	t.entries[dst] = &Entry{
		Dst: dst, Cost: 1, NextHopLink: linkIndex,
		NextHopVIP: nextHop, updatedAt: time.Now(),
	}
}

// AddLocal installs a directly-connected interface as a zero-cost route
// whose next hop is the interface itself. Local routes never expire.
func (t *Table) AddLocal(addr vip.Addr, linkIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[addr] = &Entry{
		Dst:         addr,
		Cost:        0,
		NextHopLink: linkIndex,
		NextHopVIP:  addr,
		Local:       true,
		updatedAt:   time.Now(),
	}
}

// Lookup resolves dst to the link to forward on and the next-hop VIP. It
// returns ok=false if there is no route, or the route's cost is
// Unreachable.
func (t *Table) Lookup(dst vip.Addr) (linkIndex int, nextHop vip.Addr, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, found := t.entries[dst]
	if !found || e.Cost >= Unreachable {
		return 0, vip.Zero, false
	}
	return e.NextHopLink, e.NextHopVIP, true
}

// AdvertisedEntry is one (destination, cost) pair as carried on the wire,
// before the receiving node's own link cost is added.
type AdvertisedEntry struct {
	Dst  vip.Addr
	Cost uint8
}

// ApplyUpdate folds a neighbor's advertisement, received over fromLink with
// the neighbor reachable at neighborVIP, into the table. It implements the
// standard distance-vector replacement rule: adopt a strictly better route,
// or refresh the route currently in use even when its cost is unchanged (so
// the link it came in on keeps resetting its expiry), and withdraw a route
// when its current next hop reports it unreachable.
func (t *Table) ApplyUpdate(fromLink int, neighborVIP vip.Addr, entries []AdvertisedEntry) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ad := range entries {
		cost := ad.Cost
		if cost < Unreachable {
			cost++
		}
		if cost > Unreachable {
			cost = Unreachable
		}

		cur, exists := t.entries[ad.Dst]
		switch {
		case !exists:
			if cost >= Unreachable {
				continue
			}
			t.entries[ad.Dst] = &Entry{
				Dst: ad.Dst, Cost: cost, NextHopLink: fromLink,
				NextHopVIP: neighborVIP, updatedAt: time.Now(),
			}
			changed = true

		case cur.Local:
			// Never let a remote advertisement override a directly
			// connected interface.
			continue

		case cur.NextHopLink == fromLink:
			// Same advertiser we're already routing through: always
			// accept, even if cost is unchanged, to refresh the timer.
			cur.Cost = cost
			cur.NextHopVIP = neighborVIP
			cur.updatedAt = time.Now()
			changed = true

		case cost < cur.Cost:
			cur.Cost = cost
			cur.NextHopLink = fromLink
			cur.NextHopVIP = neighborVIP
			cur.updatedAt = time.Now()
			changed = true
		}
	}
	return changed
}

// Expire marks entries unrefreshed for longer than maxAge as unreachable,
// and removes entries unrefreshed for longer than 2*maxAge outright. Local
// entries are exempt. It returns the destinations that changed cost this
// call, so callers can trigger a triggered update.
func (t *Table) Expire() []vip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []vip.Addr
	now := time.Now()
	for dst, e := range t.entries {
		if e.Local {
			continue
		}
		age := now.Sub(e.updatedAt)
		if age > 2*t.maxAge {
			delete(t.entries, dst)
			continue
		}
		if age > t.maxAge && e.Cost < Unreachable {
			e.Cost = Unreachable
			changed = append(changed, dst)
		}
	}
	return changed
}

// SnapshotFor builds the advertisement to send out a given link, applying
// split-horizon with poison reverse: any route this node would forward
// back out over that same link is reported as unreachable instead of its
// real cost, preventing routing loops between direct neighbors.
func (t *Table) SnapshotFor(linkIndex int) []AdvertisedEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]AdvertisedEntry, 0, len(t.entries))
	for dst, e := range t.entries {
		cost := e.Cost
		if e.NextHopLink == linkIndex && !e.Local {
			cost = Unreachable
		}
		out = append(out, AdvertisedEntry{Dst: dst, Cost: cost})
	}
	return out
}

// Snapshot returns every entry currently in the table, for the "lr" /
// "routes" shell command.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}
