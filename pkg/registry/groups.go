package registry

import "sort"

// Group is a named set of nodes. Membership is stored by UUID and resolved
// against the live node table, so removed nodes never appear in Nodes.
type Group struct {
	name string
	r    *Registry

	// guarded by r.mu
	members []string
}

// Group returns the group called name, creating it if needed.
func (r *Registry) Group(name string) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groupLocked(name)
}

func (r *Registry) groupLocked(name string) *Group {
	g, ok := r.groups[name]
	if !ok {
		g = &Group{name: name, r: r}
		r.groups[name] = g
	}
	return g
}

// LookupGroup returns an existing group without creating one.
func (r *Registry) LookupGroup(name string) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	return g, ok
}

// Groups returns the sorted group names.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.groups))
	for name := range r.groups {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (g *Group) Name() string { return g.name }

// Add puts the node with uuid into the group. Adding twice is a no-op.
func (g *Group) Add(uuid string) error {
	g.r.mu.Lock()
	defer g.r.mu.Unlock()
	if _, ok := g.r.nodes[uuid]; !ok {
		return NewRegistryError(CodeNodeNotFound, "node "+uuid+" is not registered")
	}
	g.addLocked(uuid)
	return nil
}

func (g *Group) addLocked(uuid string) {
	for _, m := range g.members {
		if m == uuid {
			return
		}
	}
	g.members = append(g.members, uuid)
}

// Remove takes the node out of the group and reports whether it was a member.
func (g *Group) Remove(uuid string) bool {
	g.r.mu.Lock()
	defer g.r.mu.Unlock()
	return g.removeLocked(uuid)
}

func (g *Group) removeLocked(uuid string) bool {
	for i, m := range g.members {
		if m == uuid {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return true
		}
	}
	return false
}

// Has reports whether the node is a member.
func (g *Group) Has(uuid string) bool {
	g.r.mu.RLock()
	defer g.r.mu.RUnlock()
	for _, m := range g.members {
		if m == uuid {
			return true
		}
	}
	return false
}

// Nodes returns the live members in join order.
func (g *Group) Nodes() []*Node {
	g.r.mu.RLock()
	defer g.r.mu.RUnlock()
	out := make([]*Node, 0, len(g.members))
	for _, uuid := range g.members {
		if n, ok := g.r.nodes[uuid]; ok {
			out = append(out, n)
		}
	}
	return out
}
