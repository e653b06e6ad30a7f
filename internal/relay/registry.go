package relay

import (
	"sort"
	"sync"
)

// group is the member set of a single named group. Each group carries its
// own lock so that traffic in one group never contends with another.
type group struct {
	mu       sync.RWMutex
	members  map[ID]*Connection
	snapshot []*Connection
	dead     bool
}

// Registry maps group names to their member connections. All methods are
// safe for concurrent use.
//
// Empty groups are dropped as soon as their last member leaves; a later Join
// recreates the group.
type Registry struct {
	mu     sync.Mutex
	groups map[string]*group
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]*group),
	}
}

func (r *Registry) lookup(name string, create bool) *group {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok && create {
		g = &group{members: make(map[ID]*Connection)}
		r.groups[name] = g
	}
	return g
}

// Join adds conn to the named group. Joining twice is a no-op.
func (r *Registry) Join(name string, conn *Connection) {
	for {
		g := r.lookup(name, true)

		g.mu.Lock()
		if g.dead {
			// Collected between lookup and lock; retry against the new group.
			g.mu.Unlock()
			continue
		}
		if _, exists := g.members[conn.id]; !exists {
			g.members[conn.id] = conn
			g.snapshot = nil
		}
		g.mu.Unlock()
		return
	}
}

// Leave removes the connection with the given id from the named group and
// reports whether it was a member. Leaving a group one is not in is a no-op.
func (r *Registry) Leave(name string, id ID) bool {
	g := r.lookup(name, false)
	if g == nil {
		return false
	}

	g.mu.Lock()
	_, removed := g.members[id]
	if removed {
		delete(g.members, id)
		g.snapshot = nil
	}
	empty := len(g.members) == 0 && !g.dead
	g.mu.Unlock()

	if empty {
		r.collect(name, g)
	}
	return removed
}

// collect drops g from the map if it is still registered under name and
// still empty.
func (r *Registry) collect(name string, g *group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groups[name] != g {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) > 0 {
		return
	}
	g.dead = true
	delete(r.groups, name)
}

// Members returns a point-in-time snapshot of the named group. The returned
// slice is never modified by the registry and may be iterated freely.
func (r *Registry) Members(name string) []*Connection {
	g := r.lookup(name, false)
	if g == nil {
		return nil
	}

	g.mu.RLock()
	snap := g.snapshot
	g.mu.RUnlock()
	if snap != nil {
		return snap
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snapshot == nil {
		g.snapshot = make([]*Connection, 0, len(g.members))
		for _, conn := range g.members {
			g.snapshot = append(g.snapshot, conn)
		}
	}
	return g.snapshot
}

// Contains reports whether id is currently a member of the named group.
func (r *Registry) Contains(name string, id ID) bool {
	g := r.lookup(name, false)
	if g == nil {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[id]
	return ok
}

// Len returns the number of members in the named group.
func (r *Registry) Len(name string) int {
	g := r.lookup(name, false)
	if g == nil {
		return 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Groups returns the sorted names of all live groups.
func (r *Registry) Groups() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}
