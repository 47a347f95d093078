// Package migration moves key ranges between nodes when the topology
// changes. A node join is staged behind dual writes and a throttled bulk
// copy, then made visible through a single ring swap; a node death triggers
// copies that restore the replication factor. Source data is never deleted
// before the cutover has been published, so an aborted migration loses
// nothing.
package migration

import (
	"github.com/google/uuid"

	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/model"
)

type planKind int

const (
	planJoin planKind = iota
	planRestore
)

func (k planKind) String() string {
	if k == planJoin {
		return "join"
	}
	return "restore"
}

// plan groups the tasks of one topology change. Join plans carry the
// candidate ring that the cutover publishes once every task has copied.
type plan struct {
	id     string
	kind   planKind
	node   model.NodeID
	before *hashring.Ring
	after  *hashring.Ring
	tasks  []*task

	remaining int
	failed    bool
	// stale is set when the cutover lost its compare-and-swap, meaning the
	// ring changed while the plan ran; the join is replanned fresh.
	stale bool
}

func newPlan(kind planKind, node model.NodeID, before, after *hashring.Ring, moves []hashring.RangeMove) *plan {
	p := &plan{
		id:     uuid.NewString(),
		kind:   kind,
		node:   node,
		before: before,
		after:  after,
	}
	for _, move := range moves {
		p.tasks = append(p.tasks, &task{
			id:     uuid.NewString(),
			plan:   p,
			source: move.Source,
			target: move.Target,
			rng:    move.Range,
			phase:  model.MigrationPhaseIdle,
			status: model.MigrationStatusPending,
		})
	}
	p.remaining = len(p.tasks)
	return p
}

// planNodeJoin derives the candidate ring containing the joiner and the
// range copies needed before it may serve.
func planNodeJoin(before *hashring.Ring, joining model.NodeID, vnodeCount int) *plan {
	after := before.AddNode(joining, vnodeCount)
	if after == before {
		return nil
	}
	moves := hashring.JoinMoves(before, after, joining)
	return newPlan(planJoin, joining, before, after, moves)
}

// planNodeRestore derives the copies that restore the replication factor
// after the dead node was dropped from the ring.
func planNodeRestore(before, after *hashring.Ring, dead model.NodeID, replicationFactor int) *plan {
	moves := hashring.RemovalMoves(before, after, dead, replicationFactor)
	return newPlan(planRestore, dead, before, after, moves)
}
