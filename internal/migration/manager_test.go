package migration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/coordinator"
	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/model"
	"github.com/strandkv/strand/internal/storage"
	"github.com/strandkv/strand/internal/transport"
)

const eventually = 5 * time.Second

type fixture struct {
	cluster   *transport.MemCluster
	publisher *hashring.Publisher
	coord     *coordinator.Coordinator
	mgr       *Manager

	mu        sync.Mutex
	forgotten []model.NodeID
}

func newFixture(t *testing.T, cfg Config, nodes ...model.NodeID) *fixture {
	t.Helper()
	f := &fixture{cluster: transport.NewMemCluster()}

	ring := hashring.New()
	for _, id := range nodes {
		f.cluster.AddNode(id, storage.NewMemoryEngine(time.Hour, zap.NewNop()))
		ring = ring.AddNode(id, 100)
	}
	f.publisher = hashring.NewPublisher(ring)

	f.coord = coordinator.New(coordinator.Config{
		LocalID:           nodes[0],
		ReplicationFactor: 3,
		WriteQuorum:       2,
		ReadQuorum:        2,
		OpTimeout:         time.Second,
	}, f.publisher, f.cluster, nil, zap.NewNop())

	if cfg.VNodeCount == 0 {
		cfg.VNodeCount = 100
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 3
	}
	f.mgr = NewManager(cfg, f.publisher, f.cluster, f.coord, f.forget, nil, zap.NewNop())
	f.mgr.Start(context.Background())
	return f
}

func (f *fixture) forget(id model.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
}

func (f *fixture) forgottenNodes() []model.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.NodeID(nil), f.forgotten...)
}

func (f *fixture) addNode(id model.NodeID) {
	f.cluster.AddNode(id, storage.NewMemoryEngine(time.Hour, zap.NewNop()))
}

func (f *fixture) seedKeys(t *testing.T, n int) [][]byte {
	t.Helper()
	ctx := context.Background()
	keys := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, f.coord.Write(ctx, key, []byte(fmt.Sprintf("value-%04d", i))))
		keys = append(keys, key)
	}
	return keys
}

func (f *fixture) idle() bool {
	for _, task := range f.mgr.Tasks() {
		if task.Status == model.MigrationStatusPending || task.Status == model.MigrationStatusRunning {
			return false
		}
	}
	return true
}

func TestManager_JoinMovesPrimaryOwnership(t *testing.T) {
	f := newFixture(t, Config{CleanupDelay: 10 * time.Millisecond}, "node-1", "node-2", "node-3")
	keys := f.seedKeys(t, 60)

	joiner := model.NodeID("node-4")
	f.addNode(joiner)
	before := f.publisher.Current()
	f.mgr.HandleNodeJoin(model.PhysicalNode{ID: joiner, Addr: "node-4:7400"})

	require.Eventually(t, func() bool {
		return f.publisher.Current().HasNode(joiner) && f.idle()
	}, eventually, 10*time.Millisecond)

	after := f.publisher.Current()
	assert.Greater(t, after.Generation(), before.Generation())

	// Keys whose primary moved to the joiner were bulk copied.
	moved := 0
	for _, key := range keys {
		owner, err := after.Lookup(hashring.HashKey(key))
		require.NoError(t, err)
		if owner != joiner {
			continue
		}
		moved++
		_, ok := f.cluster.Engine(joiner).GetVersioned(key)
		assert.True(t, ok, "joiner missing key %s it now owns", key)
	}
	assert.Greater(t, moved, 0, "join moved no keys; vnode layout suspicious")

	// Every key stays readable across the cutover.
	ctx := context.Background()
	for i, key := range keys {
		got, err := f.coord.Read(ctx, key)
		require.NoError(t, err, "key %s unreadable after join", key)
		assert.Equal(t, []byte(fmt.Sprintf("value-%04d", i)), got)
	}
}

func TestManager_JoinIntoEmptyRingPublishesDirectly(t *testing.T) {
	f := &fixture{cluster: transport.NewMemCluster()}
	f.publisher = hashring.NewPublisher(hashring.New())
	f.coord = coordinator.New(coordinator.Config{
		LocalID: "node-1", ReplicationFactor: 3, WriteQuorum: 2, ReadQuorum: 2,
	}, f.publisher, f.cluster, nil, zap.NewNop())
	f.mgr = NewManager(Config{VNodeCount: 100, ReplicationFactor: 3}, f.publisher, f.cluster, f.coord, nil, nil, zap.NewNop())

	f.addNode("node-1")
	f.mgr.HandleNodeJoin(model.PhysicalNode{ID: "node-1"})

	assert.True(t, f.publisher.Current().HasNode("node-1"))
	assert.Empty(t, f.mgr.Tasks())
}

func TestManager_DualWriteCoversConcurrentWrites(t *testing.T) {
	// A slow copy keeps the migration in flight while new writes arrive.
	f := newFixture(t, Config{CopyRate: 150, CopyBurst: 1, CleanupDelay: 10 * time.Millisecond},
		"node-1", "node-2", "node-3")
	f.seedKeys(t, 60)

	joiner := model.NodeID("node-4")
	f.addNode(joiner)
	f.mgr.HandleNodeJoin(model.PhysicalNode{ID: joiner})

	// Write fresh keys while the copy is running.
	ctx := context.Background()
	var live [][]byte
	for i := 0; i < 30; i++ {
		key := []byte(fmt.Sprintf("live-%04d", i))
		require.NoError(t, f.coord.Write(ctx, key, []byte("live")))
		live = append(live, key)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return f.publisher.Current().HasNode(joiner) && f.idle()
	}, eventually, 10*time.Millisecond)

	// Concurrent writes into moved ranges reached the joiner through the
	// dual-write overlay or the drain.
	after := f.publisher.Current()
	assert.Eventually(t, func() bool {
		for _, key := range live {
			owner, err := after.Lookup(hashring.HashKey(key))
			if err != nil || owner != joiner {
				continue
			}
			if _, ok := f.cluster.Engine(joiner).GetVersioned(key); !ok {
				return false
			}
		}
		return true
	}, eventually, 10*time.Millisecond)

	for _, key := range live {
		got, err := f.coord.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("live"), got)
	}
}

func TestManager_AbortOnTargetDeath(t *testing.T) {
	f := newFixture(t, Config{CleanupDelay: 10 * time.Millisecond}, "node-1", "node-2", "node-3")
	keys := f.seedKeys(t, 40)

	joiner := model.NodeID("node-4")
	f.addNode(joiner)
	f.cluster.SetDown(joiner, true)
	before := f.publisher.Current()

	f.mgr.HandleNodeJoin(model.PhysicalNode{ID: joiner})

	require.Eventually(t, f.idle, eventually, 10*time.Millisecond)

	// Nothing was published and nothing was deleted from the sources.
	assert.Same(t, before, f.publisher.Current())
	assert.False(t, f.publisher.Current().HasNode(joiner))

	aborted := 0
	for _, task := range f.mgr.Tasks() {
		if task.Status == model.MigrationStatusAborted {
			aborted++
		}
	}
	assert.Greater(t, aborted, 0)

	ctx := context.Background()
	for _, key := range keys {
		_, err := f.coord.Read(ctx, key)
		require.NoError(t, err, "source data lost after aborted migration")
	}
}

func TestManager_RestoreAfterNodeDeath(t *testing.T) {
	f := newFixture(t, Config{}, "node-1", "node-2", "node-3", "node-4")
	keys := f.seedKeys(t, 60)

	victim := model.NodeID("node-3")
	before := f.publisher.Current()
	after := before.RemoveNode(victim)

	// Mirror the failure detector: the ring swap happens first, then the
	// migration manager is told about the death.
	f.cluster.SetDown(victim, true)
	f.publisher.Publish(after)
	f.mgr.HandleNodeDead(before, after, victim)

	require.Eventually(t, f.idle, eventually, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.forgottenNodes()) == 1
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, victim, f.forgottenNodes()[0])

	// Ranges the victim primarily owned were copied to the node newly
	// pulled into their replica sets.
	for _, key := range keys {
		owner, err := before.Lookup(hashring.HashKey(key))
		require.NoError(t, err)
		if owner != victim {
			continue
		}
		replicas := after.ReplicasFor(hashring.HashKey(key), 3)
		require.Len(t, replicas, 3)
		newcomer := replicas[2]
		_, ok := f.cluster.Engine(newcomer).GetVersioned(key)
		assert.True(t, ok, "restored replica missing key %s", key)
	}

	ctx := context.Background()
	for _, key := range keys {
		_, err := f.coord.Read(ctx, key)
		require.NoError(t, err)
	}
}

func TestManager_ReplansJoinAfterLostCutoverRace(t *testing.T) {
	f := newFixture(t, Config{CopyRate: 100, CopyBurst: 1, CleanupDelay: 10 * time.Millisecond},
		"node-1", "node-2", "node-3", "node-4")
	f.seedKeys(t, 60)

	joiner := model.NodeID("node-5")
	f.addNode(joiner)
	f.mgr.HandleNodeJoin(model.PhysicalNode{ID: joiner})

	// Mutate the ring while the throttled copy is still running; the
	// plan's compare-and-swap must lose and the join replan against the
	// fresh ring.
	time.Sleep(50 * time.Millisecond)
	current := f.publisher.Current()
	f.publisher.Publish(current.RemoveNode("node-4"))

	require.Eventually(t, func() bool {
		ring := f.publisher.Current()
		return ring.HasNode(joiner) && !ring.HasNode("node-4") && f.idle()
	}, 15*time.Second, 20*time.Millisecond)
}

// stallTransport stands in for a peer that accepts connections but never
// answers: range reads block until the caller's context expires.
type stallTransport struct {
	transport.Transport
}

func (s *stallTransport) Count(ctx context.Context, node model.NodeID, rng model.TokenRange) (int, error) {
	<-ctx.Done()
	return 0, errs.Wrap("stall.count", string(node), errs.ErrNodeUnreachable)
}

func (s *stallTransport) BulkCopy(ctx context.Context, node model.NodeID, rng model.TokenRange, fn func(model.Entry) error) error {
	<-ctx.Done()
	return errs.Wrap("stall.bulk_copy", string(node), errs.ErrNodeUnreachable)
}

func TestManager_AbortsWhenSourceStalls(t *testing.T) {
	cluster := transport.NewMemCluster()
	ring := hashring.New()
	for _, id := range []model.NodeID{"node-1", "node-2", "node-3"} {
		cluster.AddNode(id, storage.NewMemoryEngine(time.Hour, zap.NewNop()))
		ring = ring.AddNode(id, 100)
	}
	publisher := hashring.NewPublisher(ring)
	coord := coordinator.New(coordinator.Config{
		LocalID: "node-1", ReplicationFactor: 3, WriteQuorum: 2, ReadQuorum: 2,
	}, publisher, cluster, nil, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, coord.Write(ctx, []byte(fmt.Sprintf("key-%04d", i)), []byte("v")))
	}

	mgr := NewManager(Config{VNodeCount: 100, ReplicationFactor: 3, OpTimeout: 50 * time.Millisecond},
		publisher, &stallTransport{Transport: cluster}, coord, nil, nil, zap.NewNop())
	mgr.Start(ctx)

	cluster.AddNode("node-4", storage.NewMemoryEngine(time.Hour, zap.NewNop()))
	before := publisher.Current()
	mgr.HandleNodeJoin(model.PhysicalNode{ID: "node-4"})

	// The operation timeout must unwedge every task despite the source
	// never answering.
	require.Eventually(t, func() bool {
		for _, task := range mgr.Tasks() {
			if task.Status == model.MigrationStatusPending || task.Status == model.MigrationStatusRunning {
				return false
			}
		}
		return true
	}, eventually, 10*time.Millisecond)

	aborted := 0
	for _, task := range mgr.Tasks() {
		if task.Status == model.MigrationStatusAborted {
			aborted++
		}
	}
	assert.Greater(t, aborted, 0)
	assert.Same(t, before, publisher.Current())

	// Both endpoints of every task are released for future plans.
	mgr.mu.Lock()
	for id, held := range mgr.busy {
		assert.False(t, held, "node %s still marked busy", id)
	}
	mgr.mu.Unlock()
}

func TestManager_RestoreImpossibleForgetsImmediately(t *testing.T) {
	// Two survivors cannot hold three replicas; the dead node is forgotten
	// without copies.
	f := newFixture(t, Config{}, "node-1", "node-2", "node-3")
	f.seedKeys(t, 10)

	victim := model.NodeID("node-3")
	before := f.publisher.Current()
	after := before.RemoveNode(victim)
	f.cluster.SetDown(victim, true)
	f.publisher.Publish(after)
	f.mgr.HandleNodeDead(before, after, victim)

	require.Eventually(t, func() bool {
		return len(f.forgottenNodes()) == 1
	}, eventually, 10*time.Millisecond)
	assert.Empty(t, f.mgr.Tasks())
}
