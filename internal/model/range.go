package model

// TokenRange represents a half-open hash range (Start, End] on the ring.
// A range with Start >= End wraps through zero.
type TokenRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Contains reports whether the hash position falls inside the range,
// honoring wraparound.
func (r TokenRange) Contains(pos uint64) bool {
	if r.Start < r.End {
		return pos > r.Start && pos <= r.End
	}
	// Wrapped range, e.g. (maxUint-10, 5].
	return pos > r.Start || pos <= r.End
}

// Width returns the number of hash positions covered by the range.
func (r TokenRange) Width() uint64 {
	if r.Start < r.End {
		return r.End - r.Start
	}
	return (^uint64(0) - r.Start) + r.End + 1
}
