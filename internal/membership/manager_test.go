package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/model"
	"github.com/strandkv/strand/internal/storage"
	"github.com/strandkv/strand/internal/transport"
)

func testConfig(id model.NodeID) Config {
	return Config{
		LocalID:           id,
		LocalAddr:         string(id) + ":7400",
		VNodeCount:        50,
		ReplicationFactor: 3,
		HeartbeatInterval: 20 * time.Millisecond,
		MissedThreshold:   2,
		DeadGrace:         50 * time.Millisecond,
		GossipInterval:    20 * time.Millisecond,
	}
}

// newTestCluster wires n managers over one in-memory transport, each with
// its own ring publisher, and bootstraps them against the first node.
func newTestCluster(t *testing.T, ids ...model.NodeID) (*transport.MemCluster, map[model.NodeID]*Manager) {
	t.Helper()
	cluster := transport.NewMemCluster()
	managers := make(map[model.NodeID]*Manager, len(ids))

	for _, id := range ids {
		cluster.AddNode(id, storage.NewMemoryEngine(time.Hour, zap.NewNop()))
	}
	for _, id := range ids {
		mgr := NewManager(testConfig(id), hashring.NewPublisher(hashring.New()), nil, zap.NewNop())
		mgr.SetTransport(cluster)
		cluster.SetGossipHandler(id, mgr.HandleGossip)
		managers[id] = mgr
	}

	seed := model.PhysicalNode{ID: ids[0], Addr: string(ids[0]) + ":7400"}
	for _, mgr := range managers {
		mgr.Bootstrap([]model.PhysicalNode{seed})
	}
	return cluster, managers
}

func gossipRounds(ctx context.Context, managers map[model.NodeID]*Manager, rounds int) {
	for i := 0; i < rounds; i++ {
		for _, mgr := range managers {
			mgr.GossipOnce(ctx)
		}
	}
}

func TestManager_GossipConvergence(t *testing.T) {
	_, managers := newTestCluster(t, "node-a", "node-b", "node-c", "node-d")
	ctx := context.Background()

	gossipRounds(ctx, managers, 8)

	for id, mgr := range managers {
		table := mgr.Table()
		require.Equal(t, 4, table.Len(), "node %s has incomplete view", id)
		for _, m := range table.Members() {
			assert.Equal(t, model.NodeStateAlive, m.State)
		}
		// Without a join handler, every discovered node is admitted to the
		// local ring immediately.
		ring := mgr.publisher.Current()
		assert.Equal(t, 4, ring.NodeCount(), "node %s ring incomplete", id)
	}
}

func TestManager_SuspectThenDead(t *testing.T) {
	cluster, managers := newTestCluster(t, "node-a", "node-b")
	ctx := context.Background()
	a := managers["node-a"]

	gossipRounds(ctx, managers, 4)
	require.Equal(t, 2, a.Table().Len())

	var mu sync.Mutex
	var deadEvents []model.NodeID
	var before, after *hashring.Ring
	a.SetDeadHandler(func(b, aft *hashring.Ring, dead model.NodeID) {
		mu.Lock()
		defer mu.Unlock()
		before, after = b, aft
		deadEvents = append(deadEvents, dead)
	})

	cluster.SetDown("node-b", true)

	// Two missed heartbeats cross the threshold; the indirect probe (here
	// a direct fallback, no third node exists) then confirms death.
	a.probeOnce(ctx)
	a.probeOnce(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deadEvents) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	entry, ok := a.Table().Get("node-b")
	require.True(t, ok)
	assert.Equal(t, model.NodeStateDead, entry.State)
	assert.Equal(t, model.NodeID("node-b"), deadEvents[0])
	assert.True(t, before.HasNode("node-b"))
	assert.False(t, after.HasNode("node-b"))
	assert.False(t, a.publisher.Current().HasNode("node-b"))
}

func TestManager_SuspectedRecoversOnHeartbeat(t *testing.T) {
	_, managers := newTestCluster(t, "node-a", "node-b", "node-c")
	ctx := context.Background()
	a := managers["node-a"]

	gossipRounds(ctx, managers, 6)
	require.Equal(t, 3, a.Table().Len())

	// Force node-b into Suspected directly.
	require.True(t, a.suspect("node-b"))
	entry, _ := a.Table().Get("node-b")
	require.Equal(t, model.NodeStateSuspected, entry.State)

	// The indirect probe through node-c succeeds, so the peer is restored.
	a.confirmSuspect(ctx, "node-b")

	entry, _ = a.Table().Get("node-b")
	assert.Equal(t, model.NodeStateAlive, entry.State)
}

func TestManager_RefutesStaleFailureGossip(t *testing.T) {
	_, managers := newTestCluster(t, "node-a", "node-b")
	a := managers["node-a"]

	self, _ := a.Table().Get("node-a")
	require.Equal(t, uint64(1), self.Incarnation)

	// A peer claims node-a is dead at our current incarnation.
	a.mergeRemote([]model.PhysicalNode{
		{ID: "node-a", Addr: "node-a:7400", State: model.NodeStateDead, Incarnation: 1},
	})

	self, _ = a.Table().Get("node-a")
	assert.Equal(t, model.NodeStateAlive, self.State)
	assert.Equal(t, uint64(2), self.Incarnation, "refutation must bump the incarnation")
}

func TestManager_DeadGossipRemovesFromRing(t *testing.T) {
	_, managers := newTestCluster(t, "node-a", "node-b", "node-c")
	ctx := context.Background()
	a := managers["node-a"]

	gossipRounds(ctx, managers, 6)
	require.True(t, a.publisher.Current().HasNode("node-b"))

	// Death learned via gossip, not via the local detector.
	a.mergeRemote([]model.PhysicalNode{
		{ID: "node-b", Addr: "node-b:7400", State: model.NodeStateDead, Incarnation: 2},
	})

	assert.False(t, a.publisher.Current().HasNode("node-b"))
	entry, _ := a.Table().Get("node-b")
	assert.Equal(t, model.NodeStateDead, entry.State)
}

func TestManager_JoinHandlerDefersRingAdmission(t *testing.T) {
	cluster := transport.NewMemCluster()
	cluster.AddNode("node-a", storage.NewMemoryEngine(time.Hour, zap.NewNop()))

	a := NewManager(testConfig("node-a"), hashring.NewPublisher(hashring.New()), nil, zap.NewNop())
	a.SetTransport(cluster)

	var joined []model.NodeID
	a.SetJoinHandler(func(n model.PhysicalNode) {
		joined = append(joined, n.ID)
	})
	a.Bootstrap(nil)

	a.mergeRemote([]model.PhysicalNode{
		{ID: "node-b", Addr: "node-b:7400", State: model.NodeStateAlive, Incarnation: 1},
	})

	require.Equal(t, []model.NodeID{"node-b"}, joined)
	assert.False(t, a.publisher.Current().HasNode("node-b"),
		"join handler present: ring admission is the migration manager's call")
}

func TestManager_ForgetDeadNode(t *testing.T) {
	_, managers := newTestCluster(t, "node-a", "node-b")
	ctx := context.Background()
	a := managers["node-a"]
	gossipRounds(ctx, managers, 4)

	a.confirmDead("node-b")
	require.Equal(t, 2, a.Table().Len())

	a.Forget("node-b")
	assert.Equal(t, 1, a.Table().Len())

	// Forget only applies to Dead nodes.
	a.Forget("node-a")
	assert.Equal(t, 1, a.Table().Len())
}
