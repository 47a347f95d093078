package migration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/coordinator"
	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/metrics"
	"github.com/strandkv/strand/internal/model"
	"github.com/strandkv/strand/internal/transport"
)

// historyLimit bounds how many finished tasks Tasks keeps reporting.
const historyLimit = 128

// Config holds the migration tuning knobs.
type Config struct {
	// VNodeCount is used when deriving a joiner's candidate ring.
	VNodeCount int
	// ReplicationFactor drives restore planning after a node death.
	ReplicationFactor int

	// CopyRate caps the bulk copy at keys per second; zero means
	// unthrottled.
	CopyRate float64
	// CopyBurst is the limiter burst size.
	CopyBurst int
	// DrainRounds bounds how often the dual-write failure backlog is
	// re-copied before cutover.
	DrainRounds int
	// OpTimeout bounds each transport call a task makes. The bulk copy
	// stream has no overall deadline; it is cut instead when no entry
	// arrives within OpTimeout, so a peer that accepts connections but
	// never answers cannot wedge a task.
	OpTimeout time.Duration
	// CleanupDelay is how long after cutover the source keeps its copy, so
	// reads routed by the previous ring snapshot still succeed.
	CleanupDelay time.Duration
}

// DualWriter is the overlay surface of the replication coordinator.
type DualWriter interface {
	RegisterOverlay(rng model.TokenRange, target model.NodeID) *coordinator.Overlay
	RemoveOverlay(o *coordinator.Overlay)
}

// ForgetFunc drops a dead node from the membership table once its data has
// been re-replicated.
type ForgetFunc func(model.NodeID)

// task is one range transfer. Phase and status transitions happen under the
// manager's mutex; the copy counters are atomics so the runner never
// contends with status snapshots.
type task struct {
	id     string
	plan   *plan
	source model.NodeID
	target model.NodeID
	rng    model.TokenRange

	overlay *coordinator.Overlay

	phase     model.MigrationPhase
	status    model.MigrationStatus
	errMsg    string
	startedAt time.Time
	doneAt    time.Time

	copied atomic.Int64
	total  atomic.Int64
}

func (t *task) snapshot() model.MigrationTask {
	return model.MigrationTask{
		ID:     t.id,
		PlanID: t.plan.id,
		Source: t.source,
		Target: t.target,
		Range:  t.rng,
		Phase:  t.phase,
		Status: t.status,
		Progress: model.MigrationProgress{
			KeysCopied: t.copied.Load(),
			TotalKeys:  t.total.Load(),
		},
		StartedAt: t.startedAt,
		DoneAt:    t.doneAt,
		Err:       t.errMsg,
	}
}

// Manager schedules and executes migration plans. A node is part of at most
// one running task at a time, as source or target, so a migration never
// competes with itself for a node's bandwidth.
type Manager struct {
	cfg       Config
	publisher *hashring.Publisher
	transport transport.Transport
	dual      DualWriter
	forget    ForgetFunc
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx context.Context

	mu      sync.Mutex
	busy    map[model.NodeID]bool
	plans   map[string]*plan
	queue   []*task
	history []model.MigrationTask
}

// NewManager creates a migration manager. forget may be nil when no
// membership table is attached.
func NewManager(cfg Config, publisher *hashring.Publisher, t transport.Transport, dual DualWriter, forget ForgetFunc, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DrainRounds <= 0 {
		cfg.DrainRounds = 3
	}
	if cfg.CopyBurst <= 0 {
		cfg.CopyBurst = 64
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		publisher: publisher,
		transport: t,
		dual:      dual,
		forget:    forget,
		metrics:   m,
		logger:    logger,
		ctx:       context.Background(),
		busy:      make(map[model.NodeID]bool),
		plans:     make(map[string]*plan),
	}
}

// Start attaches the lifecycle context bounding every task the manager
// runs from now on.
func (m *Manager) Start(ctx context.Context) { m.ctx = ctx }

// Tasks returns a snapshot of active and recently finished tasks.
func (m *Manager) Tasks() []model.MigrationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.MigrationTask, 0, len(m.history))
	for _, p := range m.plans {
		for _, t := range p.tasks {
			out = append(out, t.snapshot())
		}
	}
	return append(out, m.history...)
}

// HandleNodeJoin stages a joining node behind a migration plan. Usable
// directly as the membership join handler. A join into an empty data set
// publishes the new ring immediately.
func (m *Manager) HandleNodeJoin(node model.PhysicalNode) {
	m.mu.Lock()
	before := m.publisher.Current()
	if before.HasNode(node.ID) || m.planActiveFor(node.ID) {
		m.mu.Unlock()
		return
	}
	p := planNodeJoin(before, node.ID, m.cfg.VNodeCount)
	if p == nil {
		m.mu.Unlock()
		return
	}
	if len(p.tasks) == 0 {
		m.mu.Unlock()
		if err := m.publisher.CompareAndPublish(before, p.after); err == nil {
			m.metrics.SetRingGeneration(p.after.Generation())
			m.logger.Info("Node admitted without data movement",
				zap.String("node_id", string(node.ID)),
				zap.Uint64("ring_generation", p.after.Generation()))
		}
		return
	}

	m.plans[p.id] = p
	m.queue = append(m.queue, p.tasks...)
	m.logger.Info("Join migration planned",
		zap.String("plan_id", p.id),
		zap.String("node_id", string(node.ID)),
		zap.Int("tasks", len(p.tasks)))
	m.scheduleLocked()
	m.mu.Unlock()
}

// HandleNodeDead aborts tasks touching the dead node and plans the copies
// that restore the replication factor. Usable directly as the membership
// dead handler; the before and after rings come from the detector's
// removal.
func (m *Manager) HandleNodeDead(before, after *hashring.Ring, dead model.NodeID) {
	m.mu.Lock()
	for _, p := range m.plans {
		if p.failed {
			continue
		}
		for _, t := range p.tasks {
			if t.source == dead || t.target == dead || p.node == dead {
				p.failed = true
				break
			}
		}
	}

	p := planNodeRestore(before, after, dead, m.cfg.ReplicationFactor)
	if len(p.tasks) == 0 {
		m.mu.Unlock()
		m.logger.Info("No restore copies possible",
			zap.String("node_id", string(dead)),
			zap.Int("survivors", after.NodeCount()))
		if m.forget != nil {
			m.forget(dead)
		}
		return
	}

	m.plans[p.id] = p
	m.queue = append(m.queue, p.tasks...)
	m.logger.Info("Restore migration planned",
		zap.String("plan_id", p.id),
		zap.String("node_id", string(dead)),
		zap.Int("tasks", len(p.tasks)))
	m.scheduleLocked()
	m.mu.Unlock()
}

func (m *Manager) planActiveFor(node model.NodeID) bool {
	for _, p := range m.plans {
		if p.node == node && !p.failed {
			return true
		}
	}
	return false
}

// scheduleLocked starts every queued task whose source and target are both
// idle. Caller holds mu.
func (m *Manager) scheduleLocked() {
	var waiting []*task
	for _, t := range m.queue {
		switch {
		case t.plan.failed:
			m.abortTaskLocked(t, errs.ErrMigrationAborted)
			m.taskDoneLocked(t)
		case m.busy[t.source] || m.busy[t.target]:
			waiting = append(waiting, t)
		default:
			m.busy[t.source] = true
			m.busy[t.target] = true
			t.status = model.MigrationStatusRunning
			t.startedAt = time.Now()
			m.metrics.AddMigrationsActive(1)
			go m.runTask(m.ctx, t)
		}
	}
	m.queue = waiting
}

func (m *Manager) abortTaskLocked(t *task, err error) {
	t.status = model.MigrationStatusAborted
	t.errMsg = err.Error()
	t.doneAt = time.Now()
	m.metrics.IncMigrationAbort()
	m.logger.Warn("Migration task aborted",
		zap.String("task_id", t.id),
		zap.String("source", string(t.source)),
		zap.String("target", string(t.target)),
		zap.Error(err))
}

// taskDoneLocked retires one task of a plan; the last one triggers the
// plan's finishing move. Caller holds mu.
func (m *Manager) taskDoneLocked(t *task) {
	p := t.plan
	p.remaining--
	if p.remaining > 0 {
		return
	}
	if p.failed {
		go m.abortPlan(p)
		return
	}
	go m.finishPlan(p)
}

// completeTask is the runner's landing point: release the nodes, account
// the outcome and keep the queue moving.
func (m *Manager) completeTask(t *task, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.busy[t.source] = false
	m.busy[t.target] = false
	m.metrics.AddMigrationsActive(-1)

	if err != nil {
		t.plan.failed = true
		m.abortTaskLocked(t, err)
	}
	m.taskDoneLocked(t)
	m.scheduleLocked()
}

// abortPlan releases a failed plan. Nothing was published and nothing was
// deleted from any source, so the cluster keeps serving from the old
// topology.
func (m *Manager) abortPlan(p *plan) {
	m.mu.Lock()
	for _, t := range p.tasks {
		if t.overlay != nil {
			m.dual.RemoveOverlay(t.overlay)
			t.overlay = nil
		}
		if t.status == model.MigrationStatusRunning {
			m.abortTaskLocked(t, errs.ErrMigrationAborted)
		}
	}
	m.retirePlanLocked(p)
	stale := p.kind == planJoin && p.stale
	m.mu.Unlock()

	m.logger.Warn("Migration plan aborted",
		zap.String("plan_id", p.id),
		zap.String("kind", p.kind.String()),
		zap.String("node_id", string(p.node)))

	// A join that lost a cutover race is replanned against the fresh ring;
	// a join whose target died is left to the failure detector.
	if stale {
		m.HandleNodeJoin(model.PhysicalNode{ID: p.node})
	}
}

// retirePlanLocked moves the plan's tasks into bounded history. Caller
// holds mu.
func (m *Manager) retirePlanLocked(p *plan) {
	for _, t := range p.tasks {
		m.history = append(m.history, t.snapshot())
	}
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	delete(m.plans, p.id)
}

func (m *Manager) setPhase(t *task, phase model.MigrationPhase) {
	m.mu.Lock()
	t.phase = phase
	m.mu.Unlock()
}
