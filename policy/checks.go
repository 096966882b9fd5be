package policy

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/tidemark-net/tidemark/types"
)

// Verifier checks event signatures. Satisfied by signing.EventVerifier.
type Verifier interface {
	Verify(e *types.Event) bool
}

// Signature rejects events whose id or signature does not verify.
func Signature(v Verifier) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		if !v.Verify(e) {
			return Rejected("invalid: bad signature or id")
		}
		return Accepted()
	})
}

// CreatedAtBounds rejects events whose created_at is too far in the past or
// future relative to the relay's clock.
func CreatedAtBounds(clock clockwork.Clock, maxPast, maxFuture time.Duration) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		now := clock.Now()
		at := e.CreatedAt.Time()
		if maxPast > 0 && at.Before(now.Add(-maxPast)) {
			return Rejected("invalid: created_at is too far in the past")
		}
		if maxFuture > 0 && at.After(now.Add(maxFuture)) {
			return Rejected("invalid: created_at is in the future")
		}
		return Accepted()
	})
}

// MaxContentLength rejects events with oversized content.
func MaxContentLength(limit int) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		if limit > 0 && len(e.Content) > limit {
			return Rejected("invalid: content is longer than %d bytes", limit)
		}
		return Accepted()
	})
}

// MaxTagCount rejects events with too many tags.
func MaxTagCount(limit int) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		if limit > 0 && len(e.Tags) > limit {
			return Rejected("invalid: more than %d tags", limit)
		}
		return Accepted()
	})
}

// KindAllowlist rejects events whose kind is not in the list. An empty list
// allows everything.
func KindAllowlist(kinds []int) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
			return Rejected("blocked: kind %d not accepted here", e.Kind)
		}
		return Accepted()
	})
}

// KindDenylist rejects events whose kind is in the list.
func KindDenylist(kinds []int) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		if slices.Contains(kinds, e.Kind) {
			return Rejected("blocked: kind %d not accepted here", e.Kind)
		}
		return Accepted()
	})
}

// AuthorDenylist rejects events from the listed authors.
func AuthorDenylist(authors []types.PubKey) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		if slices.Contains(authors, e.PubKey) {
			return Rejected("blocked: author is not welcome here")
		}
		return Accepted()
	})
}

// ShadowKinds silently drops events of the listed kinds: the publisher sees
// a success acknowledgment but nothing is stored or broadcast.
func ShadowKinds(kinds []int) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		if slices.Contains(kinds, e.Kind) {
			return Shadowed()
		}
		return Accepted()
	})
}

// ShadowAuthors silently drops events from the listed authors.
func ShadowAuthors(authors []types.PubKey) Check {
	return CheckFunc(func(e *types.Event, _ string) Verdict {
		if slices.Contains(authors, e.PubKey) {
			return Shadowed()
		}
		return Accepted()
	})
}

// RateLimit applies a per-connection token bucket to event submission.
// Limiter state is dropped when Forget is called for a closed connection.
type RateLimit struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimit creates a RateLimit allowing eventsPerSec sustained with the
// given burst.
func NewRateLimit(eventsPerSec float64, burst int) *RateLimit {
	return &RateLimit{
		limit:    rate.Limit(eventsPerSec),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Evaluate implements Check.
func (r *RateLimit) Evaluate(_ *types.Event, connID string) Verdict {
	r.mu.Lock()
	lim, ok := r.limiters[connID]
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters[connID] = lim
	}
	r.mu.Unlock()
	if !lim.Allow() {
		return Rejected("rate-limited: slow down")
	}
	return Accepted()
}

// Forget drops the limiter state for a closed connection.
func (r *RateLimit) Forget(connID string) {
	r.mu.Lock()
	delete(r.limiters, connID)
	r.mu.Unlock()
}
