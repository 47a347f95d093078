package model

import "time"

// NodeID identifies a physical node in the cluster.
type NodeID string

// NodeState represents the lifecycle state of a physical node
type NodeState string

const (
	// NodeStateAlive indicates a node that is heartbeating normally
	NodeStateAlive NodeState = "ALIVE"
	// NodeStateSuspected indicates a node that missed heartbeats and is
	// pending indirect confirmation
	NodeStateSuspected NodeState = "SUSPECTED"
	// NodeStateDead indicates a confirmed-failed node
	NodeStateDead NodeState = "DEAD"
)

// severity orders states for the gossip merge tie-break: when two entries
// carry the same incarnation, the more severe state wins.
var severity = map[NodeState]int{
	NodeStateAlive:     0,
	NodeStateSuspected: 1,
	NodeStateDead:      2,
}

// MoreSevereThan reports whether s outranks other under equal incarnations.
func (s NodeState) MoreSevereThan(other NodeState) bool {
	return severity[s] > severity[other]
}

// PhysicalNode represents one member of the cluster as seen by the local
// membership table. Instances are copied, never shared, across snapshots.
type PhysicalNode struct {
	ID          NodeID
	Addr        string
	State       NodeState
	Incarnation uint64
	LastSeen    time.Time
}
