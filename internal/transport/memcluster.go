package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/model"
	"github.com/strandkv/strand/internal/storage"
)

// GossipHandler serves one incoming gossip exchange: merge the remote table
// and return the local one.
type GossipHandler func(remote []model.PhysicalNode) []model.PhysicalNode

// MemCluster is the in-memory Transport fake: a set of storage engines
// addressed by node id, with per-node fault injection. It gives tests a
// deterministic multi-node cluster with no network involved.
type MemCluster struct {
	mu    sync.RWMutex
	nodes map[model.NodeID]*memNode
}

type memNode struct {
	engine storage.Engine
	gossip GossipHandler
	down   bool
}

// NewMemCluster creates an empty cluster.
func NewMemCluster() *MemCluster {
	return &MemCluster{nodes: make(map[model.NodeID]*memNode)}
}

// AddNode registers a node backed by the given engine.
func (c *MemCluster) AddNode(id model.NodeID, engine storage.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[id] = &memNode{engine: engine}
}

// SetGossipHandler wires the node's membership manager into the fake.
func (c *MemCluster) SetGossipHandler(id model.NodeID, h GossipHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		n.gossip = h
	}
}

// SetDown marks a node unreachable (true) or reachable (false). Calls to a
// down node fail with NodeUnreachable, as a dead network peer would.
func (c *MemCluster) SetDown(id model.NodeID, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		n.down = down
	}
}

// Engine returns the engine behind a node, for test assertions.
func (c *MemCluster) Engine(id model.NodeID) storage.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.nodes[id]; ok {
		return n.engine
	}
	return nil
}

func (c *MemCluster) node(op string, id model.NodeID) (*memNode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok || n.down {
		return nil, errs.Wrap(op, string(id), errs.ErrNodeUnreachable)
	}
	return n, nil
}

// Ping implements Transport.
func (c *MemCluster) Ping(ctx context.Context, id model.NodeID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.node("mem.ping", id)
	return err
}

// IndirectPing implements Transport.
func (c *MemCluster) IndirectPing(ctx context.Context, via, target model.NodeID) error {
	if _, err := c.node("mem.indirect_ping", via); err != nil {
		return err
	}
	return c.Ping(ctx, target)
}

// Get implements Transport.
func (c *MemCluster) Get(ctx context.Context, id model.NodeID, key []byte) (model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return model.Entry{}, err
	}
	n, err := c.node("mem.get", id)
	if err != nil {
		return model.Entry{}, err
	}
	entry, ok := n.engine.GetVersioned(key)
	if !ok {
		return model.Entry{}, errs.Wrap("mem.get", string(id), errs.ErrKeyNotFound)
	}
	return entry, nil
}

// Set implements Transport.
func (c *MemCluster) Set(ctx context.Context, id model.NodeID, entry model.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := c.node("mem.set", id)
	if err != nil {
		return err
	}
	return n.engine.Set(entry)
}

// Delete implements Transport.
func (c *MemCluster) Delete(ctx context.Context, id model.NodeID, key []byte, version model.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := c.node("mem.delete", id)
	if err != nil {
		return err
	}
	return n.engine.Delete(key, version)
}

// BulkCopy implements Transport.
func (c *MemCluster) BulkCopy(ctx context.Context, id model.NodeID, rng model.TokenRange, fn func(model.Entry) error) error {
	n, err := c.node("mem.bulk_copy", id)
	if err != nil {
		return err
	}
	for _, entry := range n.engine.ScanRange(rng) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return fmt.Errorf("bulk copy consumer: %w", err)
		}
	}
	return nil
}

// Count implements Transport.
func (c *MemCluster) Count(ctx context.Context, id model.NodeID, rng model.TokenRange) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.node("mem.count", id)
	if err != nil {
		return 0, err
	}
	return n.engine.CountRange(rng), nil
}

// DeleteRange implements Transport.
func (c *MemCluster) DeleteRange(ctx context.Context, id model.NodeID, rng model.TokenRange) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.node("mem.delete_range", id)
	if err != nil {
		return 0, err
	}
	return n.engine.DeleteRange(rng), nil
}

// Gossip implements Transport.
func (c *MemCluster) Gossip(ctx context.Context, id model.NodeID, local []model.PhysicalNode) ([]model.PhysicalNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := c.node("mem.gossip", id)
	if err != nil {
		return nil, err
	}
	if n.gossip == nil {
		return nil, nil
	}
	return n.gossip(local), nil
}
