package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/hashring"
	"github.com/strandkv/strand/internal/model"
)

// Overlay routes a second copy of every mutation in a hash range to a
// migration target while a bulk copy is in flight. Forward failures are
// recorded per key so the migration can re-copy exactly those keys before
// cutover; a failed forward never fails the client operation.
type Overlay struct {
	rng    model.TokenRange
	target model.NodeID

	mu     sync.Mutex
	failed map[string]struct{}
}

// Range returns the covered hash range.
func (o *Overlay) Range() model.TokenRange { return o.rng }

// Target returns the node receiving the dual writes.
func (o *Overlay) Target() model.NodeID { return o.target }

func (o *Overlay) recordFailure(key []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failed == nil {
		o.failed = make(map[string]struct{})
	}
	o.failed[string(key)] = struct{}{}
}

// TakeFailedKeys drains and returns the keys whose forwards failed since
// the last call.
func (o *Overlay) TakeFailedKeys() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.failed) == 0 {
		return nil
	}
	keys := make([][]byte, 0, len(o.failed))
	for k := range o.failed {
		keys = append(keys, []byte(k))
	}
	o.failed = nil
	return keys
}

// overlaySet is the coordinator's registry of active dual-write overlays.
// The slice is copy-on-write so the hot mutation path only takes a read
// lock.
type overlaySet struct {
	mu   sync.RWMutex
	list []*Overlay
}

func (s *overlaySet) snapshot() []*Overlay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list
}

func (s *overlaySet) add(o *Overlay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]*Overlay, 0, len(s.list)+1)
	next = append(next, s.list...)
	s.list = append(next, o)
}

func (s *overlaySet) remove(o *Overlay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]*Overlay, 0, len(s.list))
	for _, have := range s.list {
		if have != o {
			next = append(next, have)
		}
	}
	s.list = next
}

// RegisterOverlay starts dual-writing the range to the target. The returned
// overlay accumulates forward failures until it is removed.
func (c *Coordinator) RegisterOverlay(rng model.TokenRange, target model.NodeID) *Overlay {
	o := &Overlay{rng: rng, target: target}
	c.overlays.add(o)
	c.logger.Info("Dual write overlay registered",
		zap.String("target", string(target)),
		zap.Uint64("range_start", rng.Start),
		zap.Uint64("range_end", rng.End))
	return o
}

// RemoveOverlay stops dual-writing through the overlay.
func (c *Coordinator) RemoveOverlay(o *Overlay) {
	c.overlays.remove(o)
	c.logger.Info("Dual write overlay removed",
		zap.String("target", string(o.target)))
}

// forwardOverlays sends the mutation to every overlay covering the key,
// detached from the client request.
func (c *Coordinator) forwardOverlays(key []byte, forward func(context.Context, model.NodeID) error) {
	overlays := c.overlays.snapshot()
	if len(overlays) == 0 {
		return
	}
	hash := hashring.HashKey(key)
	for _, o := range overlays {
		if !o.rng.Contains(hash) {
			continue
		}
		o := o
		go func() {
			fctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
			defer cancel()
			if err := forward(fctx, o.target); err != nil {
				o.recordFailure(key)
				c.logger.Debug("Dual write forward failed",
					zap.String("target", string(o.target)),
					zap.Error(err))
			}
		}()
	}
}
