// Package transport defines the node RPC contract the distribution layer
// consumes, with one network-backed HTTP implementation and one in-memory
// fake for deterministic tests. Wire encoding is an implementation detail
// of each transport; callers only see the call semantics.
package transport

import (
	"context"

	"github.com/strandkv/strand/internal/model"
)

// Transport is the capability interface for talking to peer nodes. Every
// call carries an independent timeout through its context.
type Transport interface {
	// Ping probes a node for liveness.
	Ping(ctx context.Context, node model.NodeID) error

	// IndirectPing asks via to probe target on the caller's behalf, used
	// to confirm a suspected node through a third party.
	IndirectPing(ctx context.Context, via, target model.NodeID) error

	// Get fetches the stored entry (tombstones included) for a key.
	Get(ctx context.Context, node model.NodeID, key []byte) (model.Entry, error)

	// Set applies a versioned write on the node.
	Set(ctx context.Context, node model.NodeID, entry model.Entry) error

	// Delete applies a versioned tombstone on the node.
	Delete(ctx context.Context, node model.NodeID, key []byte, version model.Version) error

	// BulkCopy streams every entry in the hash range from the node,
	// invoking fn per entry. A non-nil fn error aborts the stream.
	BulkCopy(ctx context.Context, node model.NodeID, rng model.TokenRange, fn func(model.Entry) error) error

	// Count returns how many entries the node stores in the hash range,
	// used for migration progress estimates.
	Count(ctx context.Context, node model.NodeID, rng model.TokenRange) (int, error)

	// DeleteRange drops every entry in the hash range on the node. Used by
	// migration cleanup once ownership has moved away.
	DeleteRange(ctx context.Context, node model.NodeID, rng model.TokenRange) (int, error)

	// Gossip exchanges full membership tables with the node: the local
	// table is pushed, the peer's table comes back for merging.
	Gossip(ctx context.Context, node model.NodeID, local []model.PhysicalNode) ([]model.PhysicalNode, error)
}

// AddrResolver maps node ids to network addresses. The membership table is
// the production implementation.
type AddrResolver interface {
	AddrOf(node model.NodeID) (string, bool)
}
