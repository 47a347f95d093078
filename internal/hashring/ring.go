// Package hashring implements the consistent hash ring that maps hash-space
// positions to physical nodes through virtual nodes.
//
// Ring values are immutable: AddNode and RemoveNode return a new Ring with a
// bumped generation and never touch the receiver. A single owner (the
// membership manager) publishes new snapshots through a Publisher, so
// concurrent lookups always operate on one consistent snapshot and never
// take a lock.
package hashring

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/model"
)

// VirtualNode is one hash-space position owned by a physical node. The
// owner is held as an id, not a pointer: physical node records live in the
// membership table and are looked up there.
type VirtualNode struct {
	Position uint64
	Owner    model.NodeID
}

// Ring is an immutable, versioned snapshot of the vnode ring. Positions are
// strictly increasing with no duplicates.
type Ring struct {
	generation uint64
	vnodes     []VirtualNode
	perNode    map[model.NodeID]int // vnode count per physical node
}

// New returns an empty ring at generation zero.
func New() *Ring {
	return &Ring{perNode: map[model.NodeID]int{}}
}

// HashKey maps a key to its ring position.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// vnodePosition derives the deterministic position of vnode index i for a
// node. seed stays zero unless the position collides with an occupied one.
func vnodePosition(id model.NodeID, index, seed int) uint64 {
	if seed == 0 {
		return xxhash.Sum64String(fmt.Sprintf("%s/%d", id, index))
	}
	return xxhash.Sum64String(fmt.Sprintf("%s/%d#%d", id, index, seed))
}

// Generation returns the ring's monotonically increasing version.
func (r *Ring) Generation() uint64 { return r.generation }

// NodeCount returns the number of physical nodes on the ring.
func (r *Ring) NodeCount() int { return len(r.perNode) }

// VNodeCount returns the total number of virtual nodes.
func (r *Ring) VNodeCount() int { return len(r.vnodes) }

// HasNode reports whether the physical node owns vnodes on this ring.
func (r *Ring) HasNode(id model.NodeID) bool {
	_, ok := r.perNode[id]
	return ok
}

// Nodes returns the physical node ids present on the ring, sorted.
func (r *Ring) Nodes() []model.NodeID {
	ids := make([]model.NodeID, 0, len(r.perNode))
	for id := range r.perNode {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddNode returns a new ring containing vnodeCount deterministically derived
// positions for the node, generation bumped by one. Exact position
// collisions are resolved by perturbing the derivation seed, never by
// failing. Adding a node already present returns the receiver unchanged.
func (r *Ring) AddNode(id model.NodeID, vnodeCount int) *Ring {
	if vnodeCount <= 0 || r.HasNode(id) {
		return r
	}

	occupied := make(map[uint64]struct{}, len(r.vnodes)+vnodeCount)
	for _, v := range r.vnodes {
		occupied[v.Position] = struct{}{}
	}

	next := make([]VirtualNode, len(r.vnodes), len(r.vnodes)+vnodeCount)
	copy(next, r.vnodes)

	for i := 0; i < vnodeCount; i++ {
		var pos uint64
		for seed := 0; ; seed++ {
			pos = vnodePosition(id, i, seed)
			if _, taken := occupied[pos]; !taken {
				break
			}
		}
		occupied[pos] = struct{}{}
		next = append(next, VirtualNode{Position: pos, Owner: id})
	}

	sort.Slice(next, func(i, j int) bool { return next[i].Position < next[j].Position })

	perNode := make(map[model.NodeID]int, len(r.perNode)+1)
	for n, c := range r.perNode {
		perNode[n] = c
	}
	perNode[id] = vnodeCount

	return &Ring{generation: r.generation + 1, vnodes: next, perNode: perNode}
}

// RemoveNode returns a new ring with every vnode owned by the node dropped,
// generation bumped by one. Removing an absent node returns the receiver.
func (r *Ring) RemoveNode(id model.NodeID) *Ring {
	count, ok := r.perNode[id]
	if !ok {
		return r
	}

	next := make([]VirtualNode, 0, len(r.vnodes)-count)
	for _, v := range r.vnodes {
		if v.Owner != id {
			next = append(next, v)
		}
	}

	perNode := make(map[model.NodeID]int, len(r.perNode)-1)
	for n, c := range r.perNode {
		if n != id {
			perNode[n] = c
		}
	}

	return &Ring{generation: r.generation + 1, vnodes: next, perNode: perNode}
}

// successorIndex returns the index of the first vnode at or after the hash
// position, wrapping to zero past the end.
func (r *Ring) successorIndex(pos uint64) int {
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].Position >= pos
	})
	if idx == len(r.vnodes) {
		idx = 0
	}
	return idx
}

// Lookup returns the physical node owning the key hash. For a fixed ring
// snapshot the result is a pure function of the hash.
func (r *Ring) Lookup(keyHash uint64) (model.NodeID, error) {
	if len(r.vnodes) == 0 {
		return "", errs.Wrap("ring.lookup", "", fmt.Errorf("%w: ring has no nodes", errs.ErrInvariantViolation))
	}
	return r.vnodes[r.successorIndex(keyHash)].Owner, nil
}

// ReplicasFor walks clockwise from the key hash and collects up to n
// distinct physical owners. Fewer than n are returned only when the ring
// holds fewer than n physical nodes.
func (r *Ring) ReplicasFor(keyHash uint64, n int) []model.NodeID {
	if len(r.vnodes) == 0 || n <= 0 {
		return nil
	}

	start := r.successorIndex(keyHash)
	seen := make(map[model.NodeID]struct{}, n)
	owners := make([]model.NodeID, 0, n)

	for i := 0; i < len(r.vnodes) && len(owners) < n; i++ {
		owner := r.vnodes[(start+i)%len(r.vnodes)].Owner
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		owners = append(owners, owner)
	}
	return owners
}

// predecessorPosition returns the position of the vnode immediately before
// index i, wrapping to the last vnode for i == 0.
func (r *Ring) predecessorPosition(i int) uint64 {
	if i == 0 {
		return r.vnodes[len(r.vnodes)-1].Position
	}
	return r.vnodes[i-1].Position
}

// OwnedRanges returns the hash ranges the node is the primary owner of:
// for each of its vnodes, the half-open range (predecessor, position].
func (r *Ring) OwnedRanges(id model.NodeID) []model.TokenRange {
	if !r.HasNode(id) || len(r.vnodes) == 0 {
		return nil
	}
	var ranges []model.TokenRange
	for i, v := range r.vnodes {
		if v.Owner != id {
			continue
		}
		ranges = append(ranges, model.TokenRange{Start: r.predecessorPosition(i), End: v.Position})
	}
	return ranges
}
