package membership

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/metrics"
	"github.com/strandkv/strand/internal/model"
	"github.com/strandkv/strand/internal/transport"
)

// Config holds the failure detector and gossip tuning knobs.
type Config struct {
	LocalID   model.NodeID
	LocalAddr string

	// VNodeCount is the number of virtual nodes per physical node.
	VNodeCount int
	// ReplicationFactor drives post-failure restore planning.
	ReplicationFactor int

	// HeartbeatInterval is the direct probe period.
	HeartbeatInterval time.Duration
	// MissedThreshold is how many consecutive missed heartbeats move a
	// peer from Alive to Suspected.
	MissedThreshold int
	// DeadGrace bounds the indirect probe that confirms a Suspected peer
	// as Dead.
	DeadGrace time.Duration
	// GossipInterval is the full-table exchange period.
	GossipInterval time.Duration
}

// JoinFunc is invoked when a previously unknown (or recovered) node shows
// up Alive. The migration planner uses it to stage the node's ring entry
// behind a dual-write migration.
type JoinFunc func(joined model.PhysicalNode)

// DeadFunc is invoked after a confirmed Dead transition has removed the
// node from the published ring, with the snapshots before and after the
// removal.
type DeadFunc func(before, after *hashring.Ring, dead model.NodeID)

// Manager owns the local membership table and the published ring snapshot.
// It is the ring's single logical writer: every mutation flows through the
// detector or the gossip merge below, both serialized by mu, while readers
// load lock-free snapshots.
type Manager struct {
	cfg       Config
	publisher *hashring.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	transport transport.Transport

	table atomic.Pointer[Table]

	mu     sync.Mutex
	missed map[model.NodeID]int
	rng    *rand.Rand

	onJoin JoinFunc
	onDead DeadFunc
}

// NewManager creates a manager whose table contains only the local node.
// The transport is attached separately because the network transport
// resolves peer addresses through this manager.
func NewManager(cfg Config, publisher *hashring.Publisher, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr := &Manager{
		cfg:       cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		missed:    make(map[model.NodeID]int),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	self := model.PhysicalNode{
		ID:          cfg.LocalID,
		Addr:        cfg.LocalAddr,
		State:       model.NodeStateAlive,
		Incarnation: 1,
		LastSeen:    time.Now(),
	}
	mgr.table.Store(NewTable(self))
	return mgr
}

// SetTransport attaches the node RPC transport.
func (m *Manager) SetTransport(t transport.Transport) { m.transport = t }

// SetJoinHandler installs the join hook. Without one, joining nodes are
// added to the ring immediately (bootstrap behavior).
func (m *Manager) SetJoinHandler(fn JoinFunc) { m.onJoin = fn }

// SetDeadHandler installs the post-removal hook.
func (m *Manager) SetDeadHandler(fn DeadFunc) { m.onDead = fn }

// Table returns the current membership snapshot.
func (m *Manager) Table() *Table { return m.table.Load() }

// LocalID returns the local node id.
func (m *Manager) LocalID() model.NodeID { return m.cfg.LocalID }

// AddrOf implements transport.AddrResolver against the live table.
func (m *Manager) AddrOf(id model.NodeID) (string, bool) {
	return m.Table().AddrOf(id)
}

// Bootstrap seeds the table with peers to contact. Seed entries start at
// incarnation zero so the first gossip exchange overrides them with the
// peers' own views.
func (m *Manager) Bootstrap(seeds []model.PhysicalNode) {
	m.mu.Lock()
	table := m.Table()
	for _, seed := range seeds {
		if seed.ID == m.cfg.LocalID {
			continue
		}
		if _, known := table.Get(seed.ID); known {
			continue
		}
		seed.State = model.NodeStateAlive
		seed.Incarnation = 0
		seed.LastSeen = time.Now()
		table = table.With(seed)
	}
	m.storeTable(table)
	m.mu.Unlock()

	// The local node always belongs on its own ring.
	m.admitToRing(m.cfg.LocalID)
}

// Start launches the heartbeat and gossip loops.
func (m *Manager) Start(ctx context.Context) {
	go m.heartbeatLoop(ctx)
	go m.gossipLoop(ctx)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Manager) gossipLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.GossipOnce(ctx)
		}
	}
}

// pickPeer selects a random non-local peer in any of the given states.
func (m *Manager) pickPeer(exclude map[model.NodeID]bool, states ...model.NodeState) (model.PhysicalNode, bool) {
	table := m.Table()
	var candidates []model.PhysicalNode
	for _, state := range states {
		for _, member := range table.InState(state) {
			if member.ID == m.cfg.LocalID || exclude[member.ID] {
				continue
			}
			candidates = append(candidates, member)
		}
	}
	if len(candidates) == 0 {
		return model.PhysicalNode{}, false
	}
	m.mu.Lock()
	idx := m.rng.Intn(len(candidates))
	m.mu.Unlock()
	return candidates[idx], true
}

// probeOnce pings one random peer and drives the Alive -> Suspected edge.
func (m *Manager) probeOnce(ctx context.Context) {
	target, ok := m.pickPeer(nil, model.NodeStateAlive, model.NodeStateSuspected)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
	err := m.transport.Ping(probeCtx, target.ID)
	cancel()

	if err == nil {
		m.markHeard(target.ID)
		return
	}

	m.mu.Lock()
	m.missed[target.ID]++
	missed := m.missed[target.ID]
	m.mu.Unlock()
	crossed := missed >= m.cfg.MissedThreshold

	m.logger.Debug("Heartbeat missed",
		zap.String("node_id", string(target.ID)),
		zap.Int("missed", missed),
		zap.Error(err))

	if !crossed {
		return
	}
	if m.suspect(target.ID) {
		go m.confirmSuspect(ctx, target.ID)
	}
}

// suspect moves an Alive peer to Suspected. Returns false if the peer was
// not Alive anymore.
func (m *Manager) suspect(id model.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.Table().Get(id)
	if !ok || entry.State != model.NodeStateAlive {
		return false
	}
	entry.State = model.NodeStateSuspected
	m.storeTable(m.Table().With(entry))
	m.logger.Info("Node suspected",
		zap.String("node_id", string(id)),
		zap.Uint64("incarnation", entry.Incarnation))
	return true
}

// confirmSuspect asks a random third node to probe the suspect. If the
// indirect probe fails within the grace period, the suspect is confirmed
// Dead; a successful probe restores it to Alive.
func (m *Manager) confirmSuspect(ctx context.Context, id model.NodeID) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.DeadGrace)
	defer cancel()

	via, ok := m.pickPeer(map[model.NodeID]bool{id: true}, model.NodeStateAlive)

	var err error
	if ok {
		err = m.transport.IndirectPing(probeCtx, via.ID, id)
	} else {
		// No third node available; fall back to a final direct probe.
		err = m.transport.Ping(probeCtx, id)
	}

	if err == nil {
		m.markHeard(id)
		return
	}
	m.confirmDead(id)
}

// markHeard resets the miss counter and clears local suspicion. Only the
// suspected node itself can clear suspicion cluster-wide, by refuting with
// a bumped incarnation through gossip.
func (m *Manager) markHeard(id model.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.missed[id] = 0
	entry, ok := m.Table().Get(id)
	if !ok {
		return
	}
	entry.LastSeen = time.Now()
	if entry.State == model.NodeStateSuspected {
		entry.State = model.NodeStateAlive
		m.logger.Info("Suspected node heard from, restoring",
			zap.String("node_id", string(id)))
	}
	m.storeTable(m.Table().With(entry))
}

// confirmDead applies the Dead transition, removes the node from the
// published ring, and hands the topology delta to the dead handler.
func (m *Manager) confirmDead(id model.NodeID) {
	m.mu.Lock()
	entry, ok := m.Table().Get(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	flipped := entry.State != model.NodeStateDead
	if flipped {
		entry.State = model.NodeStateDead
		m.storeTable(m.Table().With(entry))
	}

	before := m.publisher.Current()
	after := before
	if before.HasNode(id) {
		after = before.RemoveNode(id)
		m.publisher.Publish(after)
		m.metrics.SetRingGeneration(after.Generation())
	}
	m.mu.Unlock()

	if !flipped && before == after {
		return
	}
	m.metrics.IncDeadConfirmed()
	m.logger.Warn("Node confirmed dead",
		zap.String("node_id", string(id)),
		zap.Uint64("ring_generation", after.Generation()))

	if m.onDead != nil && before != after {
		m.onDead(before, after, id)
	}
}

// Forget drops a Dead node from the table once its restore migration has
// completed. A later rejoin with a bumped incarnation re-enters as new.
func (m *Manager) Forget(id model.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.Table().Get(id)
	if !ok || entry.State != model.NodeStateDead {
		return
	}
	m.storeTable(m.Table().Without(id))
	delete(m.missed, id)
}

// GossipOnce exchanges full tables with one random peer.
func (m *Manager) GossipOnce(ctx context.Context) {
	peer, ok := m.pickPeer(nil, model.NodeStateAlive, model.NodeStateSuspected)
	if !ok {
		return
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, m.cfg.GossipInterval)
	remote, err := m.transport.Gossip(exchangeCtx, peer.ID, m.Table().Members())
	cancel()
	if err != nil {
		m.logger.Debug("Gossip exchange failed",
			zap.String("peer", string(peer.ID)),
			zap.Error(err))
		return
	}

	m.markHeard(peer.ID)
	m.mergeRemote(remote)
	m.metrics.IncGossipRound()
}

// HandleGossip serves an incoming exchange: merge the remote table, return
// the (pre-merge) local view. Wired as the transport server's gossip
// handler.
func (m *Manager) HandleGossip(remote []model.PhysicalNode) []model.PhysicalNode {
	local := m.Table().Members()
	m.mergeRemote(remote)
	return local
}

// mergeRemote folds a remote table in and reacts to the transitions it
// produced: refuting stale claims about the local node, admitting new
// Alive nodes, and confirming remotely observed deaths.
func (m *Manager) mergeRemote(remote []model.PhysicalNode) {
	m.mu.Lock()
	merged, changes := m.Table().Merge(remote)
	if len(changes) == 0 {
		m.mu.Unlock()
		return
	}
	m.storeTable(merged)

	// Refute any remote claim that the local node is not Alive: bump our
	// own incarnation so the refutation supersedes the stale gossip.
	if self, ok := merged.Get(m.cfg.LocalID); ok && self.State != model.NodeStateAlive {
		self.State = model.NodeStateAlive
		self.Incarnation++
		m.storeTable(m.Table().With(self))
		m.logger.Info("Refuting stale failure gossip about local node",
			zap.Uint64("incarnation", self.Incarnation))
	}
	m.mu.Unlock()

	for _, change := range changes {
		if change.Node.ID == m.cfg.LocalID {
			continue
		}
		switch change.Node.State {
		case model.NodeStateAlive:
			m.handleJoin(change.Node)
		case model.NodeStateDead:
			m.confirmDead(change.Node.ID)
		}
	}
}

// handleJoin reacts to a node appearing Alive. With a join handler the
// node's ring entry is staged behind a migration; otherwise it is admitted
// to the ring immediately.
func (m *Manager) handleJoin(node model.PhysicalNode) {
	if m.publisher.Current().HasNode(node.ID) {
		return
	}
	m.logger.Info("Node joined cluster",
		zap.String("node_id", string(node.ID)),
		zap.String("addr", node.Addr),
		zap.Uint64("incarnation", node.Incarnation))

	if m.onJoin != nil {
		m.onJoin(node)
		return
	}
	m.admitToRing(node.ID)
}

// admitToRing inserts the node's vnodes and publishes the new snapshot.
func (m *Manager) admitToRing(id model.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.publisher.Current()
	if current.HasNode(id) {
		return
	}
	next := current.AddNode(id, m.cfg.VNodeCount)
	m.publisher.Publish(next)
	m.metrics.SetRingGeneration(next.Generation())
}

// storeTable publishes a table snapshot and refreshes gauges. Caller holds
// mu (or is the constructor).
func (m *Manager) storeTable(t *Table) {
	m.table.Store(t)
	for _, state := range []model.NodeState{model.NodeStateAlive, model.NodeStateSuspected, model.NodeStateDead} {
		m.metrics.SetClusterSize(string(state), len(t.InState(state)))
	}
}
