package migration

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/model"
)

func (m *Manager) runTask(ctx context.Context, t *task) {
	m.completeTask(t, m.executeTask(ctx, t))
}

// executeTask runs one task up to the end of its copy. Join tasks first
// open a dual-write overlay so no write is lost between the scan and the
// cutover, then drain the overlay's failure backlog.
func (m *Manager) executeTask(ctx context.Context, t *task) error {
	if t.plan.kind == planJoin {
		t.overlay = m.dual.RegisterOverlay(t.rng, t.target)
		m.setPhase(t, model.MigrationPhaseDualWrite)
	}

	countCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	if total, err := m.transport.Count(countCtx, t.source, t.rng); err == nil {
		t.total.Store(int64(total))
	}
	cancel()

	m.setPhase(t, model.MigrationPhaseCopy)
	if err := m.copyRange(ctx, t); err != nil {
		return err
	}

	if t.overlay != nil {
		for round := 0; round < m.cfg.DrainRounds; round++ {
			failed := t.overlay.TakeFailedKeys()
			if len(failed) == 0 {
				break
			}
			if err := m.recopyKeys(ctx, t, failed); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyRange streams the source's range into the target, throttled so a
// migration cannot starve foreground traffic. Tombstones travel too; the
// version gate on the target makes replayed entries harmless. A large
// range legitimately takes longer than any fixed deadline, so the stream
// is bounded by a watchdog that cancels it when no entry lands within the
// operation timeout.
func (m *Manager) copyRange(ctx context.Context, t *task) error {
	var limiter *rate.Limiter
	if m.cfg.CopyRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.cfg.CopyRate), m.cfg.CopyBurst)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := time.AfterFunc(m.cfg.OpTimeout, cancel)
	defer watchdog.Stop()

	return m.transport.BulkCopy(cctx, t.source, t.rng, func(entry model.Entry) error {
		watchdog.Reset(m.cfg.OpTimeout)
		if limiter != nil {
			if err := limiter.Wait(cctx); err != nil {
				return err
			}
		}
		if err := m.transport.Set(cctx, t.target, entry); err != nil {
			return err
		}
		t.copied.Add(1)
		m.metrics.AddMigrationKeys(1)
		return nil
	})
}

// recopyKeys re-reads individual keys from the source and pushes them to
// the target. Keys the source never saw are skipped; a write that missed
// both the source and the target converges later through read repair.
func (m *Manager) recopyKeys(ctx context.Context, t *task, keys [][]byte) error {
	for _, key := range keys {
		if err := m.recopyKey(ctx, t, key); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) recopyKey(ctx context.Context, t *task, key []byte) error {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()

	entry, err := m.transport.Get(rctx, t.source, key)
	if errors.Is(err, errs.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.transport.Set(rctx, t.target, entry); err != nil {
		return err
	}
	t.copied.Add(1)
	return nil
}

// replicaOf reports whether the node serves the range in the ring's
// replica set of size n.
func replicaOf(ring *hashring.Ring, rng model.TokenRange, node model.NodeID, n int) bool {
	for _, id := range ring.ReplicasFor(rng.End, n) {
		if id == node {
			return true
		}
	}
	return false
}

func (m *Manager) finishPlan(p *plan) {
	if p.kind == planRestore {
		m.finishRestore(p)
		return
	}
	m.finishJoin(p)
}

// finishRestore retires a completed restore plan and lets the membership
// table forget the dead node, freeing its id for a future rejoin.
func (m *Manager) finishRestore(p *plan) {
	m.mu.Lock()
	for _, t := range p.tasks {
		t.status = model.MigrationStatusCompleted
		t.doneAt = time.Now()
	}
	m.retirePlanLocked(p)
	m.mu.Unlock()

	m.logger.Info("Replication factor restored",
		zap.String("plan_id", p.id),
		zap.String("node_id", string(p.node)),
		zap.Int("tasks", len(p.tasks)))
	if m.forget != nil {
		m.forget(p.node)
	}
}

// finishJoin publishes the candidate ring in one compare-and-swap, drains
// the forwards that raced the swap, and after a safety delay deletes the
// moved ranges from their sources. Until the swap lands, every source still
// owns its data, so losing the race costs nothing but a replan.
func (m *Manager) finishJoin(p *plan) {
	ctx := m.ctx
	for _, t := range p.tasks {
		m.setPhase(t, model.MigrationPhaseCutover)
	}

	if err := m.publisher.CompareAndPublish(p.before, p.after); err != nil {
		m.logger.Warn("Cutover lost ring race, replanning join",
			zap.String("plan_id", p.id),
			zap.String("node_id", string(p.node)),
			zap.Error(err))
		m.mu.Lock()
		p.failed = true
		p.stale = true
		m.mu.Unlock()
		m.abortPlan(p)
		return
	}
	m.metrics.SetRingGeneration(p.after.Generation())
	m.logger.Info("Cutover published",
		zap.String("plan_id", p.id),
		zap.String("node_id", string(p.node)),
		zap.Uint64("ring_generation", p.after.Generation()))

	for _, t := range p.tasks {
		if t.overlay == nil {
			continue
		}
		if err := m.recopyKeys(ctx, t, t.overlay.TakeFailedKeys()); err != nil {
			m.logger.Warn("Post-cutover drain incomplete",
				zap.String("task_id", t.id),
				zap.Error(err))
		}
		m.dual.RemoveOverlay(t.overlay)
		t.overlay = nil
	}

	for _, t := range p.tasks {
		m.setPhase(t, model.MigrationPhaseCleanup)
	}
	select {
	case <-ctx.Done():
		// Shutdown before cleanup leaves redundant copies on the sources.
		// They are superseded by version gating and harmless to keep.
	case <-time.After(m.cfg.CleanupDelay):
		for _, t := range p.tasks {
			// The old primary often stays in the range's replica set on the
			// new ring; its copy is then a live replica, not leftovers.
			if replicaOf(p.after, t.rng, t.source, m.cfg.ReplicationFactor) {
				continue
			}
			dctx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
			removed, err := m.transport.DeleteRange(dctx, t.source, t.rng)
			cancel()
			if err != nil {
				m.logger.Warn("Source cleanup failed",
					zap.String("task_id", t.id),
					zap.String("source", string(t.source)),
					zap.Error(err))
				continue
			}
			m.logger.Debug("Source range cleaned",
				zap.String("source", string(t.source)),
				zap.Int("entries", removed))
		}
	}

	m.mu.Lock()
	for _, t := range p.tasks {
		t.status = model.MigrationStatusCompleted
		t.doneAt = time.Now()
	}
	m.retirePlanLocked(p)
	m.mu.Unlock()
	m.logger.Info("Join migration completed",
		zap.String("plan_id", p.id),
		zap.String("node_id", string(p.node)))
}
