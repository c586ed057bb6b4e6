// Package iproute implements the stack's routing information base: a
// fixed-capacity table supporting add/update/remove and the 3-pass lookup
// (exact network match, then masked match, then default route) the
// original's ip_route_find_by_network performs, plus a lookup by local
// interface address used by ARP resolution. Go's map gives the dual
// indices (by network, by interface) the original built with two red-black
// trees sharing the same backing array.
package iproute

import (
	"sync"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/errcode"
)

// Route is one routing table entry.
type Route struct {
	Network      addr.IPv4
	Netmask      addr.IPv4
	Gateway      addr.IPv4
	Iface        addr.IPv4 // local interface address this route egresses through
	IfaceHandle  int       // opaque link handle, carried through for callers that need it
}

// Table is the stack's routing information base, bounded to
// config.IPRIBSize entries.
type Table struct {
	mu        sync.RWMutex
	byNetwork map[addr.IPv4]*Route
	byIface   map[addr.IPv4]*Route
	order     []addr.IPv4 // insertion order, for masked-match scanning determinism
}

// NewTable constructs an empty routing table.
func NewTable() *Table {
	return &Table{
		byNetwork: make(map[addr.IPv4]*Route),
		byIface:   make(map[addr.IPv4]*Route),
	}
}

// Update inserts or replaces the route keyed by its network address.
func (t *Table) Update(r Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byNetwork[r.Network]; !exists && len(t.byNetwork) >= config.IPRIBSize {
		return errcode.New(errcode.ENoMem, "iproute.Update", nil)
	}

	if old, ok := t.byNetwork[r.Network]; ok {
		delete(t.byIface, old.Iface)
	} else {
		t.order = append(t.order, r.Network)
	}

	route := r
	t.byNetwork[r.Network] = &route
	t.byIface[r.Iface] = &route
	return nil
}

// Remove deletes the route for the given network address.
func (t *Table) Remove(network addr.IPv4) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.byNetwork[network]
	if !ok {
		return errcode.New(errcode.EInval, "iproute.Remove", nil)
	}
	delete(t.byNetwork, network)
	delete(t.byIface, r.Iface)
	for i, n := range t.order {
		if n == network {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// FindByNetwork performs the 3-pass lookup: exact network match, then the
// first route whose netmask covers addr, then the default route
// (network 0.0.0.0).
func (t *Table) FindByNetwork(a addr.IPv4) (Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.byNetwork[a]; ok {
		return *r, nil
	}

	for _, net := range t.order {
		r := t.byNetwork[net]
		if r.Network == (a & r.Netmask) {
			return *r, nil
		}
	}

	if r, ok := t.byNetwork[0]; ok {
		return *r, nil
	}

	return Route{}, errcode.New(errcode.ENoRoute, "iproute.FindByNetwork", nil)
}

// FindByIface reports whether addr belongs to a locally configured
// interface, returning that interface address. Used by ARP to decide
// whether to answer a request or source a request's sender address.
func (t *Table) FindByIface(iface addr.IPv4) (addr.IPv4, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byIface[iface]
	if !ok {
		return 0, false
	}
	return r.Iface, true
}

// RouteByIface returns the full route entry for a local interface address, used
// when ARP needs the gateway/handle context to source a request.
func (t *Table) RouteByIface(iface addr.IPv4) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byIface[iface]
	if !ok {
		return Route{}, false
	}
	return *r, true
}
