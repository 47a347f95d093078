// Package membership tracks cluster liveness. A copy-on-write membership
// table converges through full-table gossip, and a heartbeat-driven failure
// detector moves peers Alive -> Suspected -> Dead, feeding ring mutations
// and migration planning.
package membership

import (
	"sort"

	"github.com/strandkv/strand/internal/model"
)

// Table is an immutable snapshot of the local membership view. Mutations
// return a new table, mirroring the ring's copy-on-write discipline, so
// concurrent readers never lock.
type Table struct {
	members map[model.NodeID]model.PhysicalNode
}

// Change records one accepted update produced by a merge. An incarnation
// bump counts even when the state is unchanged, so bootstrap seeds get
// replaced by the peer's authoritative entry.
type Change struct {
	Node model.PhysicalNode
	From model.NodeState
	New  bool
}

// NewTable builds a table from the given members.
func NewTable(members ...model.PhysicalNode) *Table {
	t := &Table{members: make(map[model.NodeID]model.PhysicalNode, len(members))}
	for _, m := range members {
		t.members[m.ID] = m
	}
	return t
}

// Get returns the entry for a node.
func (t *Table) Get(id model.NodeID) (model.PhysicalNode, bool) {
	m, ok := t.members[id]
	return m, ok
}

// Len returns the number of tracked members.
func (t *Table) Len() int { return len(t.members) }

// Members returns all entries sorted by id.
func (t *Table) Members() []model.PhysicalNode {
	out := make([]model.PhysicalNode, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InState returns the members currently in the given state, sorted by id.
func (t *Table) InState(state model.NodeState) []model.PhysicalNode {
	var out []model.PhysicalNode
	for _, m := range t.members {
		if m.State == state {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// With returns a new table with the entry upserted unconditionally. Used by
// the detector for locally observed transitions.
func (t *Table) With(m model.PhysicalNode) *Table {
	next := t.clone()
	next.members[m.ID] = m
	return next
}

// Without returns a new table with the node dropped.
func (t *Table) Without(id model.NodeID) *Table {
	next := t.clone()
	delete(next.members, id)
	return next
}

// Merge folds a remote table into this one and returns the merged table
// plus the transitions applied. The rule is idempotent and commutative:
// the higher incarnation wins; on equal incarnations the more severe state
// wins. Merging in any order therefore converges every node to the same
// view without ordering assumptions.
func (t *Table) Merge(remote []model.PhysicalNode) (*Table, []Change) {
	next := t.clone()
	var changes []Change

	for _, r := range remote {
		local, known := next.members[r.ID]
		if !known {
			next.members[r.ID] = r
			changes = append(changes, Change{Node: r, New: true})
			continue
		}
		if !supersedes(r, local) {
			continue
		}
		next.members[r.ID] = r
		changes = append(changes, Change{Node: r, From: local.State})
	}

	if len(changes) == 0 {
		return t, nil
	}
	return next, changes
}

// supersedes reports whether the remote entry should replace the local one.
func supersedes(remote, local model.PhysicalNode) bool {
	if remote.Incarnation != local.Incarnation {
		return remote.Incarnation > local.Incarnation
	}
	return remote.State.MoreSevereThan(local.State)
}

// AddrOf implements transport.AddrResolver.
func (t *Table) AddrOf(id model.NodeID) (string, bool) {
	m, ok := t.members[id]
	if !ok {
		return "", false
	}
	return m.Addr, true
}

func (t *Table) clone() *Table {
	next := &Table{members: make(map[model.NodeID]model.PhysicalNode, len(t.members))}
	for id, m := range t.members {
		next.members[id] = m
	}
	return next
}
