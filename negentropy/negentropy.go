package negentropy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tidemark-net/tidemark/types"
)

const (
	// DefaultIdListThreshold is the range size at or below which the
	// initiator sends literal ids instead of a fingerprint.
	DefaultIdListThreshold = 16
	// DefaultBuckets is the number of sub-ranges a disagreeing range is
	// split into.
	DefaultBuckets = 16
)

// Vector is a sorted in-memory set of items. It is built once, sealed, and
// then shared read-only with a reconciliation session.
type Vector struct {
	items  []Item
	sealed bool
}

// NewVector creates an empty Vector.
func NewVector() *Vector {
	return &Vector{}
}

// Insert adds an item. Inserting into a sealed vector panics: sessions hold
// the vector read-only.
func (v *Vector) Insert(timestamp int64, id types.ID) {
	if v.sealed {
		panic("BUG: insert into sealed negentropy vector")
	}
	v.items = append(v.items, Item{Timestamp: timestamp, ID: id})
}

// Seal sorts the vector and makes it immutable. Duplicate ids are an error.
func (v *Vector) Seal() error {
	if v.sealed {
		return errors.New("negentropy: vector already sealed")
	}
	sort.Slice(v.items, func(i, j int) bool {
		return v.items[i].Compare(v.items[j]) < 0
	})
	for i := 1; i < len(v.items); i++ {
		if v.items[i-1].ID == v.items[i].ID {
			return fmt.Errorf("negentropy: duplicate id %s", v.items[i].ID.ShortString())
		}
	}
	v.sealed = true
	return nil
}

// Len returns the number of items.
func (v *Vector) Len() int { return len(v.items) }

// Negentropy is one side of a reconciliation session. It carries no timers
// and no transport state: each Reconcile call is a pure function of the
// sealed local set, the incoming bytes and the have/need accumulators.
//
// Roles are asymmetric. The initiator reveals literal id lists for small
// disagreeing ranges; the responder answers every received id list with its
// own ids for the same range. Fingerprint disagreement recurses by
// subdivision until the initiator's side of a range is small enough to
// reveal, so every disagreeing range ends in one id-list exchange and both
// peers learn the ids they are missing.
type Negentropy struct {
	vec       *Vector
	threshold int
	buckets   int
	initiator bool

	haves   []types.ID
	needs   []types.ID
	haveSet map[types.ID]struct{}
	needSet map[types.ID]struct{}
}

// Opt configures a session.
type Opt func(*Negentropy)

// WithIdListThreshold overrides the literal-id-list range size threshold.
func WithIdListThreshold(n int) Opt {
	return func(neg *Negentropy) { neg.threshold = n }
}

// WithBuckets overrides the number of sub-ranges a range is split into.
func WithBuckets(n int) Opt {
	return func(neg *Negentropy) { neg.buckets = n }
}

// New creates a session over a sealed vector.
func New(vec *Vector, opts ...Opt) (*Negentropy, error) {
	if !vec.sealed {
		return nil, errors.New("negentropy: vector must be sealed")
	}
	neg := &Negentropy{
		vec:       vec,
		threshold: DefaultIdListThreshold,
		buckets:   DefaultBuckets,
		haveSet:   make(map[types.ID]struct{}),
		needSet:   make(map[types.ID]struct{}),
	}
	for _, opt := range opts {
		opt(neg)
	}
	if neg.threshold < 1 || neg.buckets < 2 {
		return nil, fmt.Errorf("negentropy: invalid threshold %d / buckets %d", neg.threshold, neg.buckets)
	}
	return neg, nil
}

// Initiate produces the session's opening message and marks this side as
// the initiator.
func (neg *Negentropy) Initiate() ([]byte, error) {
	neg.initiator = true
	w := newMsgWriter()
	neg.reportRange(w, 0, len(neg.vec.items), infinityBound())
	return w.finish(), nil
}

// Reconcile processes one incoming message and produces the reply. On the
// initiator, done reports that the exchange carries no further disagreement
// and out is nil; the responder keeps answering (possibly with an empty
// message) until the initiator closes the session. Accumulated differences
// are available via Haves and Needs. A structurally invalid message returns
// an error wrapping ErrProtocol; no partial diff from the bad message is
// applied.
func (neg *Negentropy) Reconcile(msg []byte) (out []byte, done bool, err error) {
	r, err := newMsgReader(msg)
	if err != nil {
		return nil, false, err
	}
	w := newMsgWriter()
	lower := 0
	prevBound := Bound{Timestamp: -1}
	for !r.empty() {
		wr, err := r.next()
		if err != nil {
			return nil, false, err
		}
		if compareBounds(prevBound, wr.bound) >= 0 {
			return nil, false, fmt.Errorf("%w: non-monotonic range bounds", ErrProtocol)
		}
		upper := neg.findUpper(lower, wr.bound)
		switch wr.mode {
		case modeSkip:
			w.markSkip(wr.bound)
		case modeFingerprint:
			ours := fingerprintItems(neg.vec.items[lower:upper])
			if ours == wr.fingerprint {
				w.markSkip(wr.bound)
			} else {
				neg.reportRange(w, lower, upper, wr.bound)
			}
		case modeIdList:
			neg.diffIdList(neg.vec.items[lower:upper], wr.ids)
			if neg.initiator {
				// the peer has already diffed against our list for
				// this range; nothing further to exchange
				w.markSkip(wr.bound)
			} else {
				w.addIdList(wr.bound, neg.vec.items[lower:upper])
			}
		}
		lower = upper
		prevBound = wr.bound
	}
	if neg.initiator && w.nonSkip == 0 {
		return nil, true, nil
	}
	return w.finish(), false, nil
}

// Haves returns the ids this side holds that the peer lacks, discovered so
// far.
func (neg *Negentropy) Haves() []types.ID { return neg.haves }

// Needs returns the ids the peer holds that this side lacks, discovered so
// far.
func (neg *Negentropy) Needs() []types.ID { return neg.needs }

func (neg *Negentropy) addHave(id types.ID) {
	if _, ok := neg.haveSet[id]; ok {
		return
	}
	neg.haveSet[id] = struct{}{}
	neg.haves = append(neg.haves, id)
}

func (neg *Negentropy) addNeed(id types.ID) {
	if _, ok := neg.needSet[id]; ok {
		return
	}
	neg.needSet[id] = struct{}{}
	neg.needs = append(neg.needs, id)
}

// diffIdList compares the local items of a range against the peer's literal
// id list and records both sides of the complement.
func (neg *Negentropy) diffIdList(ours []Item, theirs []types.ID) {
	theirSet := make(map[types.ID]struct{}, len(theirs))
	for _, id := range theirs {
		theirSet[id] = struct{}{}
	}
	for i := range ours {
		if _, ok := theirSet[ours[i].ID]; ok {
			delete(theirSet, ours[i].ID)
		} else {
			neg.addHave(ours[i].ID)
		}
	}
	for _, id := range theirs {
		if _, ok := theirSet[id]; ok {
			neg.addNeed(id)
		}
	}
}

// findUpper returns the index of the first item at or above the bound,
// never below lower.
func (neg *Negentropy) findUpper(lower int, b Bound) int {
	items := neg.vec.items
	return lower + sort.Search(len(items)-lower, func(i int) bool {
		return !itemBelowBound(items[lower+i], b)
	})
}

// reportRange describes the local items in [lower, upper) to the peer.
// Large ranges are split into sub-range fingerprints on either side. At or
// below the threshold the initiator reveals its ids; the responder instead
// answers with its own fingerprint, which keeps the revelation step on the
// initiator and guarantees the recursion bottoms out in an id-list
// exchange.
func (neg *Negentropy) reportRange(w *msgWriter, lower, upper int, upperBound Bound) {
	count := upper - lower
	switch {
	case count > neg.threshold:
		neg.splitBuckets(w, lower, upper, upperBound)
	case neg.initiator:
		w.addIdList(upperBound, neg.vec.items[lower:upper])
	default:
		w.addFingerprint(upperBound, fingerprintItems(neg.vec.items[lower:upper]))
	}
}

func (neg *Negentropy) splitBuckets(w *msgWriter, lower, upper int, upperBound Bound) {
	count := upper - lower
	perBucket := count / neg.buckets
	extra := count % neg.buckets
	curr := lower
	for i := 0; i < neg.buckets; i++ {
		size := perBucket
		if i < extra {
			size++
		}
		if size == 0 {
			continue
		}
		end := curr + size
		var b Bound
		if end == upper {
			b = upperBound
		} else {
			b = minimalBound(neg.vec.items[end-1], neg.vec.items[end])
		}
		w.addFingerprint(b, fingerprintItems(neg.vec.items[curr:end]))
		curr = end
	}
}
