// Package errs defines the error taxonomy shared across the distribution
// layer. Recoverable conditions are handled where they are detected; only
// quorum-level failures surface to the application, because a blind retry of
// a non-idempotent write without a fresh version could duplicate effects.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrQuorumNotReached means a read or write failed to gather enough
	// acknowledgments before its timeout. Surfaced to the caller, never
	// retried internally.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrNodeUnreachable is a transient per-replica RPC failure. The
	// coordinator may retry the specific replica a bounded number of times
	// before counting it as a non-ack.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrStaleRingVersion means a routing decision was made against a ring
	// generation that has since been superseded. No partial state was
	// mutated, so the caller may re-resolve and retry.
	ErrStaleRingVersion = errors.New("stale ring version")

	// ErrMigrationAborted means the migration target died mid-transfer.
	// Source data is untouched until cleanup, so a retry with a new target
	// loses nothing.
	ErrMigrationAborted = errors.New("migration aborted")

	// ErrInvariantViolation marks a fatal internal inconsistency, e.g. a
	// lookup against a ring with zero live nodes. The operation aborts and
	// must never corrupt ring or storage state.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrKeyNotFound is returned by storage engines for absent keys.
	ErrKeyNotFound = errors.New("key not found")
)

// ClusterError attaches node and operation context to one of the sentinel
// errors above.
type ClusterError struct {
	Op     string
	NodeID string
	Err    error
}

// Error implements the error interface
func (e *ClusterError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %v", e.Op, e.NodeID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying sentinel error
func (e *ClusterError) Unwrap() error {
	return e.Err
}

// Wrap builds a ClusterError. A nil err returns nil.
func Wrap(op, nodeID string, err error) error {
	if err == nil {
		return nil
	}
	return &ClusterError{Op: op, NodeID: nodeID, Err: err}
}

// Quorum builds the QuorumNotReached error carrying the final tally.
func Quorum(op string, acks, required int) error {
	return &ClusterError{
		Op:  op,
		Err: fmt.Errorf("%w: %d/%d acknowledgments", ErrQuorumNotReached, acks, required),
	}
}
