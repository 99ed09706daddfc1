package route

import (
	"sort"
	"sync/atomic"
)

// Snapshot is an immutable view of the routing table at one point in time.
type Snapshot struct {
	version uint64
	routes  map[Host]*Info
	byIntf  map[string][]Host // interface -> sorted hosts
}

var emptySnapshot = &Snapshot{routes: map[Host]*Info{}, byIntf: map[string][]Host{}}

func newSnapshot(version uint64, routes map[Host]*Info) *Snapshot {
	byIntf := make(map[string][]Host)
	for h, r := range routes {
		for _, intf := range r.interfaces {
			byIntf[intf] = append(byIntf[intf], h)
		}
	}
	for _, hosts := range byIntf {
		sortHosts(hosts)
	}
	return &Snapshot{version: version, routes: routes, byIntf: byIntf}
}

func sortHosts(hosts []Host) {
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].less(hosts[j]) })
}

// Version counts publications; the empty initial table is version 0.
func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) Len() int { return len(s.routes) }

// Get returns the route of h, if present.
func (s *Snapshot) Get(h Host) (*Info, bool) {
	r, ok := s.routes[h]
	return r, ok
}

// Hosts returns every endpoint in the snapshot, sorted.
func (s *Snapshot) Hosts() []Host {
	hosts := make([]Host, 0, len(s.routes))
	for h := range s.routes {
		hosts = append(hosts, h)
	}
	sortHosts(hosts)
	return hosts
}

// HostsFor returns the endpoints serving intf, sorted. This is what the call
// path consults to resolve a target.
func (s *Snapshot) HostsFor(intf string) []Host {
	hosts := s.byIntf[intf]
	out := make([]Host, len(hosts))
	copy(out, hosts)
	return out
}

// Routes returns a copy of the host -> route mapping.
func (s *Snapshot) Routes() map[Host]*Info {
	out := make(map[Host]*Info, len(s.routes))
	for h, r := range s.routes {
		out[h] = r
	}
	return out
}

// Table holds the current Snapshot. Readers never block; Replace is a single
// pointer swap and must only be called by one writer at a time.
type Table struct {
	current atomic.Pointer[Snapshot]
}

// NewTable returns a table holding an empty version 0 snapshot.
func NewTable() *Table {
	t := &Table{}
	t.current.Store(emptySnapshot)
	return t
}

// Snapshot returns the latest published snapshot.
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Replace publishes routes as the next snapshot. The table takes ownership of
// the map; callers must not touch it afterwards.
func (t *Table) Replace(routes map[Host]*Info) *Snapshot {
	next := newSnapshot(t.current.Load().version+1, routes)
	t.current.Store(next)
	return next
}
