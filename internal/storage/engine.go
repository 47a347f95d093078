// Package storage defines the single-node storage collaborator consumed by
// the distribution layer, together with a versioned in-memory engine
// suitable for a cache node.
package storage

import (
	"github.com/strandkv/strand/internal/model"
)

// Engine is the contract the distribution layer expects from the node-local
// store. Implementations must be safe for concurrent use.
//
// Set and Delete are version-gated last-writer-wins: an entry is applied
// only when its version supersedes the stored one, which makes replica
// writes, dual writes and read repair idempotent and order-insensitive.
type Engine interface {
	// Get returns the live entry for a key. Missing keys and tombstones
	// report errs.ErrKeyNotFound.
	Get(key []byte) (model.Entry, error)

	// GetVersioned returns the stored entry including tombstones, so the
	// replication coordinator can compare deletion markers during reads.
	GetVersioned(key []byte) (model.Entry, bool)

	// Set applies a write if entry.Version supersedes the stored version.
	Set(entry model.Entry) error

	// Delete writes a tombstone carrying the version.
	Delete(key []byte, version model.Version) error

	// ScanRange returns every stored entry (tombstones included) whose key
	// hash falls inside the range.
	ScanRange(rng model.TokenRange) []model.Entry

	// CountRange returns the number of entries ScanRange would yield, used
	// for migration progress estimates.
	CountRange(rng model.TokenRange) int

	// DeleteRange drops every entry in the range outright. Used by
	// migration cleanup after ownership has moved away.
	DeleteRange(rng model.TokenRange) int

	// PurgeTombstones drops tombstones older than the engine's grace
	// period and returns how many were removed.
	PurgeTombstones() int
}
