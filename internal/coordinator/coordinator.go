// Package coordinator implements quorum replication on top of the hash
// ring: writes fan out to N replicas and acknowledge at W, reads gather R
// responses and resolve by version, repairing stale replicas in the
// background.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/metrics"
	"github.com/strandkv/strand/internal/model"
	"github.com/strandkv/strand/internal/transport"
)

// Config holds the replication parameters. WriteQuorum and ReadQuorum must
// not exceed ReplicationFactor; overlapping quorums (W+R > N) give
// read-your-writes through version resolution. On rings holding fewer than
// ReplicationFactor nodes the effective quorums shrink to the node count,
// so the overlap guarantee only takes hold once the cluster reaches full
// replication strength.
type Config struct {
	LocalID           model.NodeID
	ReplicationFactor int
	WriteQuorum       int
	ReadQuorum        int

	// OpTimeout bounds each per-replica RPC, including the attempts that
	// keep running after the quorum has been answered.
	OpTimeout time.Duration
	// RetryAttempts is how many times an unreachable replica is retried
	// before it counts as a non-ack.
	RetryAttempts int
	// RetryBackoff is the initial retry delay, doubled per attempt.
	RetryBackoff time.Duration
}

// Coordinator routes client operations to replica sets. Any node can
// coordinate any key; versions minted here are made globally comparable by
// the writer id tiebreak.
type Coordinator struct {
	cfg       Config
	rings     *hashring.Publisher
	transport transport.Transport
	metrics   *metrics.Metrics
	logger    *zap.Logger

	counter atomic.Uint64

	overlays overlaySet
}

// New creates a coordinator reading ring snapshots from the publisher.
func New(cfg Config, rings *hashring.Publisher, t transport.Transport, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 25 * time.Millisecond
	}
	c := &Coordinator{
		cfg:       cfg,
		rings:     rings,
		transport: t,
		metrics:   m,
		logger:    logger,
	}
	// The counter is not persisted, so it is seeded from the clock: a
	// restarted coordinator must not mint versions that lose to its own
	// pre-restart writes.
	c.counter.Store(uint64(time.Now().UnixNano()))
	return c
}

// nextVersion mints a version for a locally coordinated mutation.
func (c *Coordinator) nextVersion() model.Version {
	return model.Version{Writer: c.cfg.LocalID, Counter: c.counter.Add(1)}
}

// ResolveReplicas returns the replica set currently responsible for a key.
func (c *Coordinator) ResolveReplicas(key []byte) ([]model.NodeID, error) {
	replicas := c.rings.Current().ReplicasFor(hashring.HashKey(key), c.cfg.ReplicationFactor)
	if len(replicas) == 0 {
		return nil, errs.Wrap("coordinator.resolve", "", fmt.Errorf("%w: ring has no nodes", errs.ErrInvariantViolation))
	}
	return replicas, nil
}

// Write stores the value on the key's replica set, returning once
// WriteQuorum replicas have acknowledged. The remaining replica attempts
// keep running in the background so slow replicas still converge.
func (c *Coordinator) Write(ctx context.Context, key, value []byte) error {
	start := time.Now()
	entry := model.Entry{Key: key, Value: value, Version: c.nextVersion()}

	c.forwardOverlays(key, func(octx context.Context, target model.NodeID) error {
		return c.transport.Set(octx, target, entry)
	})
	err := c.replicate(ctx, "write", key, c.cfg.WriteQuorum, func(rctx context.Context, node model.NodeID) error {
		return c.transport.Set(rctx, node, entry)
	})
	c.metrics.ObserveOp("write", time.Since(start), err)
	return err
}

// Delete writes a tombstone on the key's replica set at write quorum. The
// tombstone is retained by each engine until its purge grace elapses, so a
// lagging replica cannot resurrect the key.
func (c *Coordinator) Delete(ctx context.Context, key []byte) error {
	start := time.Now()
	version := c.nextVersion()

	c.forwardOverlays(key, func(octx context.Context, target model.NodeID) error {
		return c.transport.Delete(octx, target, key, version)
	})
	err := c.replicate(ctx, "delete", key, c.cfg.WriteQuorum, func(rctx context.Context, node model.NodeID) error {
		return c.transport.Delete(rctx, node, key, version)
	})
	c.metrics.ObserveOp("delete", time.Since(start), err)
	return err
}

// replicate fans one mutation out to the key's replicas and returns once
// quorum replicas acknowledge. Caller cancellation aborts the wait but not
// the in-flight replica attempts.
func (c *Coordinator) replicate(ctx context.Context, op string, key []byte, quorum int, apply func(context.Context, model.NodeID) error) error {
	replicas, err := c.ResolveReplicas(key)
	if err != nil {
		return err
	}
	required := min(quorum, len(replicas))

	detached := context.WithoutCancel(ctx)
	results := make(chan error, len(replicas))
	for _, node := range replicas {
		node := node
		go func() {
			rctx, cancel := context.WithTimeout(detached, c.cfg.OpTimeout)
			defer cancel()
			results <- c.withRetry(rctx, func() error { return apply(rctx, node) })
		}()
	}

	acks := 0
	for pending := len(replicas); pending > 0; pending-- {
		select {
		case err := <-results:
			if err != nil {
				c.logger.Debug("Replica mutation failed",
					zap.String("op", op),
					zap.Error(err))
				continue
			}
			acks++
			if acks >= required {
				return nil
			}
		case <-ctx.Done():
			return errs.Wrap(op, "", ctx.Err())
		}
	}

	c.metrics.IncQuorumFailure(op)
	return errs.Quorum(op, acks, required)
}

type readResult struct {
	node  model.NodeID
	entry model.Entry
	found bool
	err   error
}

// Read returns the newest value visible at read quorum. Replicas holding
// stale versions are repaired asynchronously once the answer is known.
func (c *Coordinator) Read(ctx context.Context, key []byte) ([]byte, error) {
	start := time.Now()
	value, err := c.readQuorum(ctx, key)
	c.metrics.ObserveOp("read", time.Since(start), err)
	return value, err
}

func (c *Coordinator) readQuorum(ctx context.Context, key []byte) ([]byte, error) {
	replicas, err := c.ResolveReplicas(key)
	if err != nil {
		return nil, err
	}
	required := min(c.cfg.ReadQuorum, len(replicas))

	detached := context.WithoutCancel(ctx)
	results := make(chan readResult, len(replicas))
	for _, node := range replicas {
		node := node
		go func() {
			rctx, cancel := context.WithTimeout(detached, c.cfg.OpTimeout)
			defer cancel()
			res := readResult{node: node}
			res.err = c.withRetry(rctx, func() error {
				entry, err := c.transport.Get(rctx, node, key)
				switch {
				case errors.Is(err, errs.ErrKeyNotFound):
					// A miss is still an authoritative response.
					return nil
				case err != nil:
					return err
				}
				res.entry, res.found = entry, true
				return nil
			})
			results <- res
		}()
	}

	var responses []readResult
	for pending := len(replicas); pending > 0 && len(responses) < required; pending-- {
		select {
		case res := <-results:
			if res.err != nil {
				c.logger.Debug("Replica read failed", zap.Error(res.err))
				continue
			}
			responses = append(responses, res)
		case <-ctx.Done():
			return nil, errs.Wrap("read", "", ctx.Err())
		}
	}
	if len(responses) < required {
		c.metrics.IncQuorumFailure("read")
		return nil, errs.Quorum("read", len(responses), required)
	}

	newest := readResult{}
	for _, res := range responses {
		if res.found && (!newest.found || res.entry.Version.Newer(newest.entry.Version)) {
			newest = res
		}
	}
	c.repairStale(detached, newest, responses)

	if !newest.found || newest.entry.Tombstone {
		return nil, errs.Wrap("read", "", errs.ErrKeyNotFound)
	}
	return newest.entry.Value, nil
}

// repairStale pushes the winning entry to the responders that returned an
// older version or a miss. Repairs run detached from the client request.
func (c *Coordinator) repairStale(ctx context.Context, newest readResult, responses []readResult) {
	if !newest.found {
		return
	}
	for _, res := range responses {
		if res.node == newest.node {
			continue
		}
		if res.found && !newest.entry.Version.Newer(res.entry.Version) {
			continue
		}
		node := res.node
		go func() {
			rctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
			defer cancel()
			if err := c.transport.Set(rctx, node, newest.entry); err != nil {
				c.logger.Debug("Read repair failed",
					zap.String("node_id", string(node)),
					zap.Error(err))
				return
			}
			c.metrics.IncReadRepair()
		}()
	}
}

// withRetry runs fn, retrying unreachable-node failures with exponential
// backoff. Any other error is final.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, errs.ErrNodeUnreachable) || attempt >= c.cfg.RetryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.cfg.RetryBackoff << attempt):
		}
	}
}
