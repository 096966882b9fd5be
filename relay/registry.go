package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tidemark-net/tidemark/types"
)

// Sink is the outbound side of one connection as the registry sees it.
// Enqueue must never block; it reports false when the connection's queue is
// full, after which the registry drops the connection via Drop.
type Sink interface {
	Enqueue(frame []byte) bool
	Drop(reason string)
}

type subscription struct {
	filters types.Filters
	// live is false while the historical replay for this subscription is
	// still in flight; matching events arriving in that window are parked
	// in backlog and flushed after the end-of-stored-events marker.
	live    bool
	backlog []*types.Event
}

type connEntry struct {
	sink Sink
	subs map[string]*subscription
}

// Registry tracks live subscriptions across all connections and fans stored
// events out to them. All delivery is a non-blocking enqueue; the lock is
// never held across I/O.
type Registry struct {
	logger  *zap.Logger
	maxSubs int

	mu    sync.Mutex
	conns map[string]*connEntry
}

// NewRegistry creates a Registry. maxSubs caps subscriptions per connection;
// zero means unlimited.
func NewRegistry(logger *zap.Logger, maxSubs int) *Registry {
	return &Registry{
		logger:  logger,
		maxSubs: maxSubs,
		conns:   make(map[string]*connEntry),
	}
}

// AddConnection registers a connection's outbound sink.
func (r *Registry) AddConnection(connID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &connEntry{sink: sink, subs: make(map[string]*subscription)}
}

// RemoveConnection drops a connection and all its subscriptions.
func (r *Registry) RemoveConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.conns[connID]; ok {
		subscriptionsGauge.WithLabelValues().Sub(float64(len(entry.subs)))
		delete(r.conns, connID)
	}
}

// Subscribe creates a subscription in the pending state, replacing any
// existing subscription with the same id. It reports false when the
// connection is over its subscription cap or gone.
func (r *Registry) Subscribe(connID, subID string, filters types.Filters) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, exists := entry.subs[subID]; !exists {
		if r.maxSubs > 0 && len(entry.subs) >= r.maxSubs {
			return false
		}
		subscriptionsGauge.WithLabelValues().Inc()
	}
	entry.subs[subID] = &subscription{filters: filters}
	return true
}

// Activate flips a pending subscription live and flushes events that
// matched during the historical replay, skipping ids already delivered.
func (r *Registry) Activate(connID, subID string, delivered map[types.ID]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	sub, ok := entry.subs[subID]
	if !ok || sub.live {
		return
	}
	sub.live = true
	for _, ev := range sub.backlog {
		if _, seen := delivered[ev.ID]; seen {
			continue
		}
		r.deliver(entry, subID, ev)
	}
	sub.backlog = nil
}

// Unsubscribe removes one subscription. It reports whether the subscription
// existed.
func (r *Registry) Unsubscribe(connID, subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, ok := entry.subs[subID]; !ok {
		return false
	}
	delete(entry.subs, subID)
	subscriptionsGauge.WithLabelValues().Dec()
	return true
}

// Broadcast fans one event out to every matching subscription system-wide.
// Pending subscriptions park the event until their replay finishes.
func (r *Registry) Broadcast(ev *types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.conns {
		for subID, sub := range entry.subs {
			if !sub.filters.Match(ev) {
				continue
			}
			if !sub.live {
				sub.backlog = append(sub.backlog, ev)
				continue
			}
			r.deliver(entry, subID, ev)
		}
	}
}

func (r *Registry) deliver(entry *connEntry, subID string, ev *types.Event) {
	if entry.sink.Enqueue(types.EventFrame(subID, ev)) {
		eventsBroadcast.WithLabelValues().Inc()
		return
	}
	queueOverflows.WithLabelValues().Inc()
	r.logger.Warn("dropping slow consumer",
		zap.String("sub", subID),
		zap.Object("event", ev),
	)
	entry.sink.Drop("slow consumer: outbound queue overflow")
}
