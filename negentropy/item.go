// Package negentropy implements range-based set reconciliation: two peers
// holding sets of (timestamp, id) pairs discover their symmetric difference
// in a logarithmic number of rounds with bandwidth sub-linear in the union
// size. The engine is pure encode/decode logic over a local sorted set and
// incoming peer bytes; delivery, retries and timeouts belong to the caller's
// transport.
package negentropy

import (
	"bytes"
	"math"

	"github.com/tidemark-net/tidemark/types"
)

// Item is one element of a reconcilable set, ordered by (Timestamp, ID).
type Item struct {
	Timestamp int64
	ID        types.ID
}

// Compare orders items by (timestamp, id).
func (it Item) Compare(other Item) int {
	if it.Timestamp != other.Timestamp {
		if it.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	return it.ID.Compare(other.ID)
}

// infinityTimestamp marks the upper bound covering the rest of the set.
const infinityTimestamp = math.MaxInt64

// Bound is an exclusive range upper bound. The id prefix compares as if
// padded with zero bytes, so a short prefix is enough whenever the adjacent
// items differ early.
type Bound struct {
	Timestamp int64
	// IDPrefix is empty for bounds that cut between distinct timestamps.
	IDPrefix []byte
}

func infinityBound() Bound {
	return Bound{Timestamp: infinityTimestamp}
}

func (b Bound) isInfinity() bool {
	return b.Timestamp == infinityTimestamp
}

// itemBelowBound reports whether the item sorts strictly below the bound.
func itemBelowBound(it Item, b Bound) bool {
	if it.Timestamp != b.Timestamp {
		return it.Timestamp < b.Timestamp
	}
	n := len(b.IDPrefix)
	if n > types.IDSize {
		n = types.IDSize
	}
	c := bytes.Compare(it.ID[:n], b.IDPrefix[:n])
	if c != 0 {
		return c < 0
	}
	// equal prefix: the bound's implicit zero padding makes the item >= bound
	return false
}

// compareBounds orders bounds; used to enforce monotonicity of incoming
// range messages.
func compareBounds(a, b Bound) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.IDPrefix, b.IDPrefix)
}

// minimalBound returns the shortest bound separating prev (below) from curr
// (at or above): items <= prev sort below it, curr does not.
func minimalBound(prev, curr Item) Bound {
	if prev.Timestamp != curr.Timestamp {
		return Bound{Timestamp: curr.Timestamp}
	}
	shared := 0
	for shared < types.IDSize && prev.ID[shared] == curr.ID[shared] {
		shared++
	}
	return Bound{
		Timestamp: curr.Timestamp,
		IDPrefix:  bytes.Clone(curr.ID[:shared+1]),
	}
}
