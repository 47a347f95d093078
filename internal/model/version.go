package model

// Version is the per-value conflict resolution token: a per-writer
// monotonic counter plus the writer's node id. Versions form a total order;
// the writer id breaks counter ties so that concurrent writers with no
// shared counter still resolve deterministically on every replica.
type Version struct {
	Writer  NodeID
	Counter uint64
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than
// other.
func (v Version) Compare(other Version) int {
	switch {
	case v.Counter < other.Counter:
		return -1
	case v.Counter > other.Counter:
		return 1
	case v.Writer < other.Writer:
		return -1
	case v.Writer > other.Writer:
		return 1
	default:
		return 0
	}
}

// Newer reports whether v supersedes other.
func (v Version) Newer(other Version) bool {
	return v.Compare(other) > 0
}

// IsZero reports whether v is the absent version.
func (v Version) IsZero() bool {
	return v.Writer == "" && v.Counter == 0
}

// Entry is one stored key/value pair together with its version. A tombstone
// entry records a deletion and carries no value; it is retained until the
// storage engine's purge grace period elapses.
type Entry struct {
	Key       []byte
	Value     []byte
	Version   Version
	Tombstone bool
}
