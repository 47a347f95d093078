package hashring

import (
	"github.com/strandkv/strand/internal/model"
)

// RangeMove describes one hash range whose data must travel from Source to
// Target to make the next ring snapshot safe to serve.
type RangeMove struct {
	Range  model.TokenRange
	Source model.NodeID
	Target model.NodeID
}

// JoinMoves computes the ranges a joining node takes over, given the ring
// before the join and the candidate ring containing the new node. For each
// vnode the joiner owns on the candidate ring, the range between its
// predecessor and the vnode moves from the range's current owner to the
// joiner.
func JoinMoves(before, after *Ring, joining model.NodeID) []RangeMove {
	if before.NodeCount() == 0 || !after.HasNode(joining) {
		return nil
	}
	var moves []RangeMove
	for i, v := range after.vnodes {
		if v.Owner != joining {
			continue
		}
		rng := model.TokenRange{Start: after.predecessorPosition(i), End: v.Position}
		source, err := before.Lookup(rng.End)
		if err != nil || source == joining {
			continue
		}
		moves = append(moves, RangeMove{Range: rng, Source: source, Target: joining})
	}
	return moves
}

// RemovalMoves computes the copies needed to restore replication factor n
// after a node was dropped from the ring. For each range the removed node
// primarily owned, the node newly pulled into the range's replica set must
// receive a copy from a surviving replica.
func RemovalMoves(before, after *Ring, removed model.NodeID, n int) []RangeMove {
	if after.NodeCount() < n || n < 1 {
		// Not enough survivors to restore full replication; nothing to copy
		// until a replacement joins.
		return nil
	}
	var moves []RangeMove
	for _, rng := range before.OwnedRanges(removed) {
		replicas := after.ReplicasFor(rng.End, n)
		if len(replicas) < n {
			continue
		}
		// The first n-1 replicas already held the range as secondary
		// copies; the last one is new to the set.
		source := replicas[0]
		target := replicas[n-1]
		if source == target {
			continue
		}
		moves = append(moves, RangeMove{Range: rng, Source: source, Target: target})
	}
	return moves
}
