package relay

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark-net/tidemark/negentropy"
	"github.com/tidemark-net/tidemark/policy"
	"github.com/tidemark-net/tidemark/sql/events"
	"github.com/tidemark-net/tidemark/types"
)

// handleMessage dispatches one inbound frame. Malformed frames are answered
// with a NOTICE and otherwise ignored; they never terminate the connection.
func (s *Server) handleMessage(c *connection, data []byte) {
	msg, err := types.ParseClientMessage(data)
	if err != nil {
		c.logger.Debug("malformed frame", zap.Error(err))
		c.send(types.NoticeFrame("invalid: " + err.Error()))
		return
	}
	switch m := msg.(type) {
	case *types.EventMessage:
		s.handleEvent(c, m)
	case *types.ReqMessage:
		s.handleReq(c, m)
	case *types.CloseMessage:
		s.registry.Unsubscribe(c.id, m.SubscriptionID)
	case *types.CountMessage:
		s.handleCount(c, m)
	case *types.NegOpenMessage:
		s.handleNegOpen(c, m)
	case *types.NegMsgMessage:
		s.handleNegMsg(c, m)
	case *types.NegCloseMessage:
		s.closeNegSession(c, m.SubscriptionID)
	}
}

func (s *Server) handleEvent(c *connection, m *types.EventMessage) {
	ev := &m.Event
	verdict := s.policy.Evaluate(ev, c.id)
	switch verdict.Outcome {
	case policy.Reject:
		eventsRejected.WithLabelValues(reasonClass(verdict.Reason)).Inc()
		c.logger.Debug("event rejected",
			zap.Object("event", ev),
			zap.String("reason", verdict.Reason),
		)
		c.send(types.OKFrame(ev.ID, false, verdict.Reason))
		return
	case policy.Shadow:
		// acknowledged as accepted, then discarded: the submitter cannot
		// distinguish this from a store
		eventsShadowed.WithLabelValues().Inc()
		c.logger.Debug("event shadowed", zap.Object("event", ev))
		c.send(types.OKFrame(ev.ID, true, ""))
		return
	}

	if types.KindClassOf(ev.Kind) == types.KindEphemeral {
		s.registry.Broadcast(ev)
		c.send(types.OKFrame(ev.ID, true, ""))
		return
	}

	res, err := events.Insert(s.db, ev)
	if err != nil {
		c.logger.Error("event insert failed", zap.Object("event", ev), zap.Error(err))
		c.send(types.OKFrame(ev.ID, false, "error: failed to store event"))
		return
	}
	if res.Stored {
		eventsStored.WithLabelValues().Inc()
		if ev.Kind == types.KindDeletion {
			s.applyDeletion(c, ev)
		}
		s.registry.Broadcast(ev)
	}
	accepted := res.Stored || !strings.HasPrefix(res.Message, "deleted:")
	c.send(types.OKFrame(ev.ID, accepted, res.Message))
}

// applyDeletion removes the events a deletion event references. Only ids
// whose stored author matches the deletion's author are removed; the rest
// are tombstoned against later replays all the same.
func (s *Server) applyDeletion(c *connection, ev *types.Event) {
	var ids []types.ID
	for _, tag := range ev.Tags {
		if tag.Name() != "e" {
			continue
		}
		id, err := types.IDFromHex(tag.Value())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	removed, err := events.Delete(s.db, ids, ev.PubKey, ev.CreatedAt)
	if err != nil {
		c.logger.Error("deletion failed", zap.Object("event", ev), zap.Error(err))
		return
	}
	c.logger.Info("processed deletion",
		zap.Object("event", ev),
		zap.Int("referenced", len(ids)),
		zap.Int("removed", removed),
	)
}

func (s *Server) handleReq(c *connection, m *types.ReqMessage) {
	if !s.registry.Subscribe(c.id, m.SubscriptionID, m.Filters) {
		c.send(types.ClosedFrame(m.SubscriptionID, "blocked: too many subscriptions"))
		return
	}
	start := time.Now()
	stored, err := events.Query(s.db, m.Filters, s.cfg.QueryCap)
	queryDuration.WithLabelValues("req").Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Error("historical query failed", zap.String("sub", m.SubscriptionID), zap.Error(err))
		s.registry.Unsubscribe(c.id, m.SubscriptionID)
		c.send(types.ClosedFrame(m.SubscriptionID, "error: could not serve query"))
		return
	}
	delivered := make(map[types.ID]struct{}, len(stored))
	for i := range stored {
		c.send(types.EventFrame(m.SubscriptionID, &stored[i]))
		delivered[stored[i].ID] = struct{}{}
	}
	c.send(types.EOSEFrame(m.SubscriptionID))
	s.registry.Activate(c.id, m.SubscriptionID, delivered)
}

func (s *Server) handleCount(c *connection, m *types.CountMessage) {
	start := time.Now()
	n, err := events.Count(s.db, m.Filters)
	queryDuration.WithLabelValues("count").Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Error("count query failed", zap.String("sub", m.SubscriptionID), zap.Error(err))
		c.send(types.ClosedFrame(m.SubscriptionID, "error: could not serve query"))
		return
	}
	c.send(types.CountFrame(m.SubscriptionID, types.CountResult{Count: n}))
}

func (s *Server) handleNegOpen(c *connection, m *types.NegOpenMessage) {
	if _, exists := c.neg[m.SubscriptionID]; !exists && len(c.neg) >= s.cfg.MaxReconcileSessions {
		c.send(types.NegErrFrame(m.SubscriptionID, "blocked: too many concurrent reconciliation sessions"))
		return
	}
	vec := negentropy.NewVector()
	err := events.IterateIDs(s.db, &m.Filter, func(id types.ID, createdAt types.Timestamp) bool {
		vec.Insert(int64(createdAt), id)
		return true
	})
	if err != nil {
		c.logger.Error("reconcile snapshot failed", zap.String("sub", m.SubscriptionID), zap.Error(err))
		c.send(types.NegErrFrame(m.SubscriptionID, "error: could not snapshot event set"))
		return
	}
	if err := vec.Seal(); err != nil {
		c.logger.Error("reconcile snapshot failed", zap.String("sub", m.SubscriptionID), zap.Error(err))
		c.send(types.NegErrFrame(m.SubscriptionID, "error: could not snapshot event set"))
		return
	}
	neg, err := negentropy.New(vec)
	if err != nil {
		c.send(types.NegErrFrame(m.SubscriptionID, "error: "+err.Error()))
		return
	}
	out, _, err := neg.Reconcile(m.Initial)
	if err != nil {
		c.logger.Debug("reconcile open failed", zap.String("sub", m.SubscriptionID), zap.Error(err))
		c.send(types.NegErrFrame(m.SubscriptionID, "error: invalid reconciliation message"))
		return
	}
	if _, exists := c.neg[m.SubscriptionID]; !exists {
		reconcileSessionsGauge.WithLabelValues().Inc()
	}
	c.neg[m.SubscriptionID] = neg
	c.send(types.NegMsgFrame(m.SubscriptionID, out))
}

func (s *Server) handleNegMsg(c *connection, m *types.NegMsgMessage) {
	neg, ok := c.neg[m.SubscriptionID]
	if !ok {
		c.send(types.NegErrFrame(m.SubscriptionID, "closed: no open reconciliation session"))
		return
	}
	out, _, err := neg.Reconcile(m.Payload)
	if err != nil {
		if errors.Is(err, negentropy.ErrProtocol) {
			c.logger.Debug("reconcile desync", zap.String("sub", m.SubscriptionID), zap.Error(err))
		} else {
			c.logger.Error("reconcile failed", zap.String("sub", m.SubscriptionID), zap.Error(err))
		}
		s.closeNegSession(c, m.SubscriptionID)
		c.send(types.NegErrFrame(m.SubscriptionID, "error: invalid reconciliation message"))
		return
	}
	c.send(types.NegMsgFrame(m.SubscriptionID, out))
}

func (s *Server) closeNegSession(c *connection, subID string) {
	if _, ok := c.neg[subID]; ok {
		delete(c.neg, subID)
		reconcileSessionsGauge.WithLabelValues().Dec()
	}
}
