package client

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tidemark-net/tidemark/types"
)

const (
	subscriptionBuffer = 256
	seenCacheSize      = 4096
)

// Subscription is a live filter-bound event stream. It survives reconnects:
// the client re-issues it and recently seen event ids are suppressed so the
// replay does not duplicate deliveries.
type Subscription struct {
	ID      string
	Filters types.Filters

	events chan *types.Event
	eose   chan struct{}
	closed chan struct{}
	reason string

	eoseOnce  sync.Once
	closeOnce sync.Once
	seen      *lru.Cache[types.ID, struct{}]
}

// Events streams matching events. The channel is never closed while the
// subscription is live; a drained Closed channel means no more will come.
func (s *Subscription) Events() <-chan *types.Event { return s.events }

// EOSE is closed once the first historical replay completes.
func (s *Subscription) EOSE() <-chan struct{} { return s.eose }

// Closed is closed when the relay drops the subscription or Unsubscribe is
// called; Reason then explains why.
func (s *Subscription) Closed() <-chan struct{} { return s.closed }

// Reason reports why the subscription ended. Valid after Closed.
func (s *Subscription) Reason() string { return s.reason }

func (s *Subscription) deliver(ev *types.Event, logger *zap.Logger) {
	if _, dup := s.seen.Get(ev.ID); dup {
		return
	}
	s.seen.Add(ev.ID, struct{}{})
	select {
	case s.events <- ev:
	default:
		logger.Warn("subscription consumer too slow, dropping event",
			zap.String("sub", s.ID),
			zap.Object("event", ev),
		)
	}
}

func (s *Subscription) markEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

func (s *Subscription) close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.closed)
	})
}

// Subscribe opens a subscription. Reusing a subscription id replaces the
// existing subscription. If the client is between connections the request
// is queued and sent on the next reconnect.
func (c *Client) Subscribe(subID string, filters types.Filters) (*Subscription, error) {
	seen, err := lru.New[types.ID, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:      subID,
		Filters: filters,
		events:  make(chan *types.Event, subscriptionBuffer),
		eose:    make(chan struct{}),
		closed:  make(chan struct{}),
		seen:    seen,
	}
	c.mu.Lock()
	if old, exists := c.subs[subID]; exists {
		old.close("replaced")
	}
	c.subs[subID] = sub
	if c.ws != nil {
		// failure here surfaces through the read loop and the
		// subscription replays on reconnect
		_ = c.writeLocked(types.ReqFrame(subID, filters))
	}
	c.mu.Unlock()
	return sub, nil
}

// Unsubscribe closes a subscription on both ends.
func (c *Client) Unsubscribe(subID string) {
	c.mu.Lock()
	sub, exists := c.subs[subID]
	delete(c.subs, subID)
	if c.ws != nil && exists {
		_ = c.writeLocked(types.CloseFrame(subID))
	}
	c.mu.Unlock()
	if exists {
		sub.close("unsubscribed")
	}
}
