package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRelayMessage(t *testing.T) {
	ev := &Event{Kind: 1, CreatedAt: 1000, Content: "hi"}
	ev.ID = ev.ComputeID()

	t.Run("ok", func(t *testing.T) {
		msg, err := ParseRelayMessage(OKFrame(ev.ID, true, "duplicate: seen"))
		require.NoError(t, err)
		ok := msg.(*OKMessage)
		require.Equal(t, ev.ID, ok.ID)
		require.True(t, ok.Accepted)
		require.Equal(t, "duplicate: seen", ok.Message)
	})

	t.Run("event delivery", func(t *testing.T) {
		msg, err := ParseRelayMessage(EventFrame("sub1", ev))
		require.NoError(t, err)
		delivery := msg.(*EventDeliveryMessage)
		require.Equal(t, "sub1", delivery.SubscriptionID)
		require.Equal(t, ev.ID, delivery.Event.ID)
		require.Equal(t, ev.Content, delivery.Event.Content)
	})

	t.Run("eose", func(t *testing.T) {
		msg, err := ParseRelayMessage(EOSEFrame("sub1"))
		require.NoError(t, err)
		require.Equal(t, "sub1", msg.(*EOSEMessage).SubscriptionID)
	})

	t.Run("closed", func(t *testing.T) {
		msg, err := ParseRelayMessage(ClosedFrame("sub1", "blocked: enough"))
		require.NoError(t, err)
		closed := msg.(*ClosedMessage)
		require.Equal(t, "sub1", closed.SubscriptionID)
		require.Equal(t, "blocked: enough", closed.Reason)
	})

	t.Run("notice", func(t *testing.T) {
		msg, err := ParseRelayMessage(NoticeFrame("hello"))
		require.NoError(t, err)
		require.Equal(t, "hello", msg.(*NoticeMessage).Message)
	})

	t.Run("count", func(t *testing.T) {
		msg, err := ParseRelayMessage(CountFrame("q", CountResult{Count: 7, Approximate: true}))
		require.NoError(t, err)
		count := msg.(*CountResponseMessage)
		require.Equal(t, int64(7), count.Result.Count)
		require.True(t, count.Result.Approximate)
	})

	t.Run("neg msg", func(t *testing.T) {
		msg, err := ParseRelayMessage(NegMsgFrame("sync", []byte{0x61, 0x01}))
		require.NoError(t, err)
		neg := msg.(*NegMsgMessage)
		require.Equal(t, "sync", neg.SubscriptionID)
		require.Equal(t, []byte{0x61, 0x01}, neg.Payload)
	})

	t.Run("neg err", func(t *testing.T) {
		msg, err := ParseRelayMessage(NegErrFrame("sync", "closed: gone"))
		require.NoError(t, err)
		negErr := msg.(*NegErrMessage)
		require.Equal(t, "closed: gone", negErr.Reason)
	})
}

func TestParseRelayMessageMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"not json", "nope"},
		{"empty array", "[]"},
		{"numeric label", "[42]"},
		{"unknown label", `["WHAT", "x"]`},
		{"ok wrong arity", `["OK", "abc"]`},
		{"event without payload", `["EVENT", "sub1"]`},
		{"count bad payload", `["COUNT", "q", "nope"]`},
		{"neg msg bad hex", `["NEG-MSG", "sync", "zz"]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRelayMessage([]byte(tc.raw))
			require.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestClientFrameConstructors(t *testing.T) {
	ev := &Event{Kind: 1, CreatedAt: 1000, Content: "hi"}
	ev.ID = ev.ComputeID()

	msg, err := ParseClientMessage(EventPublishFrame(ev))
	require.NoError(t, err)
	require.Equal(t, ev.ID, msg.(*EventMessage).Event.ID)

	msg, err = ParseClientMessage(ReqFrame("sub1", Filters{{Kinds: []int{1, 2}}}))
	require.NoError(t, err)
	req := msg.(*ReqMessage)
	require.Equal(t, "sub1", req.SubscriptionID)
	require.Equal(t, []int{1, 2}, req.Filters[0].Kinds)

	msg, err = ParseClientMessage(CloseFrame("sub1"))
	require.NoError(t, err)
	require.Equal(t, "sub1", msg.(*CloseMessage).SubscriptionID)

	msg, err = ParseClientMessage(CountRequestFrame("q", Filters{{Kinds: []int{1}}}))
	require.NoError(t, err)
	require.Equal(t, "q", msg.(*CountMessage).SubscriptionID)

	msg, err = ParseClientMessage(NegOpenFrame("sync", &Filter{Kinds: []int{1}}, []byte{0x61}))
	require.NoError(t, err)
	open := msg.(*NegOpenMessage)
	require.Equal(t, []byte{0x61}, open.Initial)
	require.Equal(t, []int{1}, open.Filter.Kinds)

	msg, err = ParseClientMessage(NegCloseFrame("sync"))
	require.NoError(t, err)
	require.Equal(t, "sync", msg.(*NegCloseMessage).SubscriptionID)
}
