package relay

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tidemark-net/tidemark/negentropy"
	"github.com/tidemark-net/tidemark/policy"
	"github.com/tidemark-net/tidemark/signing"
	"github.com/tidemark-net/tidemark/sql"
	"github.com/tidemark-net/tidemark/sql/events"
	"github.com/tidemark-net/tidemark/types"
)

func newTestServer(t *testing.T, opts ...ServerOpt) *Server {
	t.Helper()
	db := sql.InMemory(
		sql.WithLogger(zaptest.NewLogger(t)),
		sql.WithSchema(events.Schema),
	)
	t.Cleanup(func() { db.Close() })
	opts = append([]ServerOpt{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewServer(DefaultConfig(), db, opts...)
}

func newTestConn(t *testing.T, s *Server) *connection {
	t.Helper()
	c := newConnection(nil, &s.cfg, zaptest.NewLogger(t))
	s.registry.AddConnection(c.id, c)
	t.Cleanup(func() { s.registry.RemoveConnection(c.id) })
	return c
}

// nextFrame pops the next queued outbound frame; handling is synchronous so
// an empty queue is a test failure, not a race.
func nextFrame(t *testing.T, c *connection) types.RelayMessage {
	t.Helper()
	select {
	case frame := <-c.out:
		msg, err := types.ParseRelayMessage(frame)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func requireNoFrame(t *testing.T, c *connection) {
	t.Helper()
	select {
	case frame := <-c.out:
		t.Fatalf("unexpected frame: %s", frame)
	default:
	}
}

func newEvent(kind int, createdAt types.Timestamp, author byte, content string, tags ...types.Tag) *types.Event {
	ev := &types.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Content:   content,
		Tags:      tags,
	}
	ev.PubKey[0] = author
	ev.ID = ev.ComputeID()
	return ev
}

func publish(t *testing.T, s *Server, c *connection, ev *types.Event) *types.OKMessage {
	t.Helper()
	s.handleMessage(c, types.EventPublishFrame(ev))
	ok, isOK := nextFrame(t, c).(*types.OKMessage)
	require.True(t, isOK)
	require.Equal(t, ev.ID, ok.ID)
	return ok
}

func openSub(t *testing.T, s *Server, c *connection, subID string, filters types.Filters) {
	t.Helper()
	s.handleMessage(c, types.ReqFrame(subID, filters))
	for {
		msg := nextFrame(t, c)
		if _, isEOSE := msg.(*types.EOSEMessage); isEOSE {
			return
		}
		_, isEvent := msg.(*types.EventDeliveryMessage)
		require.True(t, isEvent, "expected EVENT or EOSE, got %s", msg.Label())
	}
}

func TestHandleEventStore(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)
	ev := newEvent(1, 1000, 0xaa, "hello")

	ok := publish(t, s, c, ev)
	require.True(t, ok.Accepted)

	has, err := events.Has(s.db, ev.ID)
	require.NoError(t, err)
	require.True(t, has)
}

func TestHandleEventDuplicate(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)
	ev := newEvent(1, 1000, 0xaa, "hello")

	require.True(t, publish(t, s, c, ev).Accepted)
	ok := publish(t, s, c, ev)
	require.True(t, ok.Accepted)
	require.Contains(t, ok.Message, "duplicate:")
}

func TestHandleEventBadSignature(t *testing.T) {
	verifier, err := signing.NewEventVerifier()
	require.NoError(t, err)
	s := newTestServer(t, WithPolicy(policy.All(policy.Signature(verifier))))
	c := newTestConn(t, s)

	unsigned := newEvent(1, 1000, 0xaa, "hello")
	ok := publish(t, s, c, unsigned)
	require.False(t, ok.Accepted)
	require.Contains(t, ok.Message, "invalid:")
	has, err := events.Has(s.db, unsigned.ID)
	require.NoError(t, err)
	require.False(t, has)

	signer, err := signing.NewEventSigner()
	require.NoError(t, err)
	signed := &types.Event{Kind: 1, CreatedAt: 1000, Content: "hello"}
	require.NoError(t, signer.Sign(signed))
	require.True(t, publish(t, s, c, signed).Accepted)
}

func TestHandleEventShadowed(t *testing.T) {
	s := newTestServer(t, WithPolicy(policy.All(policy.ShadowKinds([]int{4}))))
	publisher := newTestConn(t, s)
	subscriber := newTestConn(t, s)
	openSub(t, s, subscriber, "all", types.Filters{{}})

	ev := newEvent(4, 1000, 0xaa, "secret")
	ok := publish(t, s, publisher, ev)
	require.True(t, ok.Accepted, "shadowed events look accepted to the submitter")

	has, err := events.Has(s.db, ev.ID)
	require.NoError(t, err)
	require.False(t, has)
	requireNoFrame(t, subscriber)
}

func TestHandleEventEphemeral(t *testing.T) {
	s := newTestServer(t)
	publisher := newTestConn(t, s)
	subscriber := newTestConn(t, s)
	openSub(t, s, subscriber, "live", types.Filters{{Kinds: []int{21000}}})

	ev := newEvent(21000, 1000, 0xaa, "passing through")
	require.True(t, publish(t, s, publisher, ev).Accepted)

	delivery, isEvent := nextFrame(t, subscriber).(*types.EventDeliveryMessage)
	require.True(t, isEvent)
	require.Equal(t, ev.ID, delivery.Event.ID)

	has, err := events.Has(s.db, ev.ID)
	require.NoError(t, err)
	require.False(t, has)
}

func TestHandleReqHistoricalThenLive(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)

	older := newEvent(1, 1000, 0xaa, "older")
	newer := newEvent(1, 2000, 0xaa, "newer")
	require.True(t, publish(t, s, c, older).Accepted)
	require.True(t, publish(t, s, c, newer).Accepted)

	s.handleMessage(c, types.ReqFrame("notes", types.Filters{{Kinds: []int{1}}}))
	first := nextFrame(t, c).(*types.EventDeliveryMessage)
	second := nextFrame(t, c).(*types.EventDeliveryMessage)
	require.Equal(t, newer.ID, first.Event.ID, "historical replay is newest first")
	require.Equal(t, older.ID, second.Event.ID)
	_, isEOSE := nextFrame(t, c).(*types.EOSEMessage)
	require.True(t, isEOSE)

	live := newEvent(1, 3000, 0xbb, "live")
	require.True(t, publish(t, s, c, live).Accepted)
	delivery := nextFrame(t, c).(*types.EventDeliveryMessage)
	require.Equal(t, "notes", delivery.SubscriptionID)
	require.Equal(t, live.ID, delivery.Event.ID)

	require.NotZero(t, testutil.CollectAndCount(queryDuration), "replay latency recorded")
}

func TestHandleCloseStopsDelivery(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)
	openSub(t, s, c, "notes", types.Filters{{Kinds: []int{1}}})

	s.handleMessage(c, types.CloseFrame("notes"))
	require.True(t, publish(t, s, c, newEvent(1, 1000, 0xaa, "x")).Accepted)
	requireNoFrame(t, c)
}

func TestHandleReqOverSubscriptionCap(t *testing.T) {
	s := newTestServer(t)
	s.cfg.MaxSubscriptions = 1
	s.registry.maxSubs = 1
	c := newTestConn(t, s)
	openSub(t, s, c, "first", types.Filters{{}})

	s.handleMessage(c, types.ReqFrame("second", types.Filters{{}}))
	closed, isClosed := nextFrame(t, c).(*types.ClosedMessage)
	require.True(t, isClosed)
	require.Equal(t, "second", closed.SubscriptionID)
	require.Contains(t, closed.Reason, "blocked:")
}

func TestHandleDeletion(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)

	target := newEvent(1, 1000, 0xaa, "regrettable")
	foreign := newEvent(1, 1000, 0xbb, "someone else's")
	require.True(t, publish(t, s, c, target).Accepted)
	require.True(t, publish(t, s, c, foreign).Accepted)

	deletion := newEvent(types.KindDeletion, 2000, 0xaa, "",
		types.Tag{"e", target.ID.String()},
		types.Tag{"e", foreign.ID.String()},
	)
	require.True(t, publish(t, s, c, deletion).Accepted)

	has, err := events.Has(s.db, target.ID)
	require.NoError(t, err)
	require.False(t, has)
	has, err = events.Has(s.db, foreign.ID)
	require.NoError(t, err)
	require.True(t, has, "deletion is author-scoped")

	// the deleted event cannot be resurrected by replaying it
	ok := publish(t, s, c, target)
	require.False(t, ok.Accepted)
	require.Contains(t, ok.Message, "deleted:")
}

func TestHandleCount(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)
	for i := 0; i < 3; i++ {
		require.True(t, publish(t, s, c, newEvent(1, types.Timestamp(1000+i), 0xaa, fmt.Sprintf("n%d", i))).Accepted)
	}
	require.True(t, publish(t, s, c, newEvent(7, 1000, 0xaa, "other")).Accepted)

	s.handleMessage(c, types.CountRequestFrame("howmany", types.Filters{{Kinds: []int{1}}}))
	count, isCount := nextFrame(t, c).(*types.CountResponseMessage)
	require.True(t, isCount)
	require.Equal(t, int64(3), count.Result.Count)
}

func TestHandleMalformedFrame(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)
	s.handleMessage(c, []byte(`["BOGUS", 42]`))
	notice, isNotice := nextFrame(t, c).(*types.NoticeMessage)
	require.True(t, isNotice)
	require.Contains(t, notice.Message, "invalid:")
}

func TestReconcileSession(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)

	var serverOnly, shared []*types.Event
	for i := 0; i < 30; i++ {
		ev := newEvent(1, types.Timestamp(1000+i), 0xaa, fmt.Sprintf("shared %d", i))
		require.True(t, publish(t, s, c, ev).Accepted)
		shared = append(shared, ev)
	}
	for i := 0; i < 5; i++ {
		ev := newEvent(1, types.Timestamp(5000+i), 0xbb, fmt.Sprintf("server only %d", i))
		require.True(t, publish(t, s, c, ev).Accepted)
		serverOnly = append(serverOnly, ev)
	}

	vec := negentropy.NewVector()
	for _, ev := range shared {
		vec.Insert(int64(ev.CreatedAt), ev.ID)
	}
	clientOnly := newEvent(1, 9000, 0xcc, "client only")
	vec.Insert(int64(clientOnly.CreatedAt), clientOnly.ID)
	require.NoError(t, vec.Seal())
	neg, err := negentropy.New(vec, negentropy.WithIdListThreshold(4), negentropy.WithBuckets(4))
	require.NoError(t, err)
	initial, err := neg.Initiate()
	require.NoError(t, err)

	s.handleMessage(c, types.NegOpenFrame("sync", &types.Filter{}, initial))
	for round := 0; ; round++ {
		require.Less(t, round, 64, "reconciliation did not terminate")
		reply, isMsg := nextFrame(t, c).(*types.NegMsgMessage)
		require.True(t, isMsg)
		out, done, err := neg.Reconcile(reply.Payload)
		require.NoError(t, err)
		if done {
			break
		}
		s.handleMessage(c, types.NegMsgFrame("sync", out))
	}

	var wantNeeds []types.ID
	for _, ev := range serverOnly {
		wantNeeds = append(wantNeeds, ev.ID)
	}
	require.ElementsMatch(t, wantNeeds, neg.Needs())
	require.ElementsMatch(t, []types.ID{clientOnly.ID}, neg.Haves())

	s.handleMessage(c, types.NegCloseFrame("sync"))
	require.Empty(t, c.neg)
}

func TestReconcileUnknownSession(t *testing.T) {
	s := newTestServer(t)
	c := newTestConn(t, s)
	s.handleMessage(c, types.NegMsgFrame("nope", []byte{0x61}))
	negErr, isErr := nextFrame(t, c).(*types.NegErrMessage)
	require.True(t, isErr)
	require.Equal(t, "nope", negErr.SubscriptionID)
	require.Contains(t, negErr.Reason, "closed:")
}

func TestReconcileSessionCap(t *testing.T) {
	s := newTestServer(t)
	s.cfg.MaxReconcileSessions = 1
	c := newTestConn(t, s)

	vec := negentropy.NewVector()
	require.NoError(t, vec.Seal())
	neg, err := negentropy.New(vec)
	require.NoError(t, err)
	initial, err := neg.Initiate()
	require.NoError(t, err)

	s.handleMessage(c, types.NegOpenFrame("one", &types.Filter{}, initial))
	_, isMsg := nextFrame(t, c).(*types.NegMsgMessage)
	require.True(t, isMsg)

	s.handleMessage(c, types.NegOpenFrame("two", &types.Filter{}, initial))
	negErr, isErr := nextFrame(t, c).(*types.NegErrMessage)
	require.True(t, isErr)
	require.Contains(t, negErr.Reason, "blocked:")
}
