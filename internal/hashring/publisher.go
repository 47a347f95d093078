package hashring

import (
	"sync/atomic"

	"github.com/strandkv/strand/internal/errs"
)

// Publisher holds the currently published ring snapshot. Readers load it
// wait-free; the single logical writer swaps in new immutable snapshots, so
// a reader can never observe a half-built ring.
type Publisher struct {
	current atomic.Pointer[Ring]
}

// NewPublisher starts with the given initial snapshot.
func NewPublisher(initial *Ring) *Publisher {
	p := &Publisher{}
	p.current.Store(initial)
	return p
}

// Current returns the published snapshot.
func (p *Publisher) Current() *Ring {
	return p.current.Load()
}

// Publish unconditionally swaps in the next snapshot. Reserved for the
// membership manager, the ring's single logical owner.
func (p *Publisher) Publish(next *Ring) {
	p.current.Store(next)
}

// CompareAndPublish swaps in next only if the published snapshot is still
// prev. It fails with StaleRingVersion when another mutation won the race;
// the caller re-resolves against the fresh snapshot, nothing was mutated.
func (p *Publisher) CompareAndPublish(prev, next *Ring) error {
	if !p.current.CompareAndSwap(prev, next) {
		return errs.Wrap("ring.publish", "", errs.ErrStaleRingVersion)
	}
	return nil
}
