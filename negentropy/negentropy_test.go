package negentropy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidemark-net/tidemark/types"
)

const maxRounds = 64

func randomID(rng *rand.Rand) types.ID {
	var id types.ID
	rng.Read(id[:])
	return id
}

func sealVector(t *testing.T, items []Item) *Vector {
	t.Helper()
	v := NewVector()
	for _, it := range items {
		v.Insert(it.Timestamp, it.ID)
	}
	require.NoError(t, v.Seal())
	return v
}

// runSync pumps messages between an initiating client and a responding
// server until the client reports completion, failing the test if the
// session does not terminate.
func runSync(t *testing.T, client, server *Negentropy) {
	t.Helper()
	msg, err := client.Initiate()
	require.NoError(t, err)
	for round := 0; round < maxRounds; round++ {
		reply, _, err := server.Reconcile(msg)
		require.NoError(t, err)
		var done bool
		msg, done, err = client.Reconcile(reply)
		require.NoError(t, err)
		if done {
			require.Nil(t, msg)
			return
		}
	}
	t.Fatal("reconciliation did not terminate")
}

func idSet(ids []types.ID) map[types.ID]struct{} {
	m := make(map[types.ID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func exclusive(a, b []Item) map[types.ID]struct{} {
	inB := make(map[types.ID]struct{}, len(b))
	for _, it := range b {
		inB[it.ID] = struct{}{}
	}
	out := make(map[types.ID]struct{})
	for _, it := range a {
		if _, ok := inB[it.ID]; !ok {
			out[it.ID] = struct{}{}
		}
	}
	return out
}

// checkSync runs a full session and verifies both peers discovered exactly
// the symmetric difference of the two sets.
func checkSync(t *testing.T, clientItems, serverItems []Item, opts ...Opt) {
	t.Helper()
	client, err := New(sealVector(t, clientItems), opts...)
	require.NoError(t, err)
	server, err := New(sealVector(t, serverItems), opts...)
	require.NoError(t, err)

	runSync(t, client, server)

	clientOnly := exclusive(clientItems, serverItems)
	serverOnly := exclusive(serverItems, clientItems)
	require.Equal(t, clientOnly, idSet(client.Haves()), "client haves")
	require.Equal(t, serverOnly, idSet(client.Needs()), "client needs")
	require.Equal(t, serverOnly, idSet(server.Haves()), "server haves")
	require.Equal(t, clientOnly, idSet(server.Needs()), "server needs")
}

func randomItems(rng *rand.Rand, n int, maxTs int64) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Timestamp: rng.Int63n(maxTs), ID: randomID(rng)}
	}
	return items
}

// split deals shared items to both sides and the remainder exclusively.
func split(rng *rand.Rand, items []Item, shared int) (a, b []Item) {
	a = append(a, items[:shared]...)
	b = append(b, items[:shared]...)
	for _, it := range items[shared:] {
		if rng.Intn(2) == 0 {
			a = append(a, it)
		} else {
			b = append(b, it)
		}
	}
	return a, b
}

func TestReconcileSmallSets(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	shared := randomItems(rng, 5, 1000)
	clientOnly := randomItems(rng, 3, 1000)
	serverOnly := randomItems(rng, 4, 1000)

	checkSync(t,
		append(append([]Item{}, shared...), clientOnly...),
		append(append([]Item{}, shared...), serverOnly...))
}

func TestReconcileEdgeSets(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	some := randomItems(rng, 10, 1000)

	t.Run("both empty", func(t *testing.T) {
		checkSync(t, nil, nil)
	})
	t.Run("client empty", func(t *testing.T) {
		checkSync(t, nil, some)
	})
	t.Run("server empty", func(t *testing.T) {
		checkSync(t, some, nil)
	})
	t.Run("identical", func(t *testing.T) {
		checkSync(t, some, some)
	})
	t.Run("disjoint", func(t *testing.T) {
		checkSync(t, some[:5], some[5:])
	})
	t.Run("single item difference", func(t *testing.T) {
		checkSync(t, some, some[:len(some)-1])
	})
}

func TestReconcileLargeSets(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	items := randomItems(rng, 2000, 100000)
	a, b := split(rng, items, 1800)
	checkSync(t, a, b)
}

// Parameter choices change the message shapes but never the outcome.
func TestReconcileParameterGrid(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	items := randomItems(rng, 500, 5000)
	a, b := split(rng, items, 400)

	for _, tc := range []struct {
		name      string
		threshold int
		buckets   int
	}{
		{"tiny threshold", 1, 2},
		{"small buckets", 4, 2},
		{"defaults", DefaultIdListThreshold, DefaultBuckets},
		{"wide buckets", 8, 64},
		{"threshold above set size", 1000, 16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			checkSync(t, a, b, WithIdListThreshold(tc.threshold), WithBuckets(tc.buckets))
		})
	}
}

// Identical timestamps force every split bound to carry an id prefix.
func TestReconcileEqualTimestamps(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	items := make([]Item, 300)
	for i := range items {
		items[i] = Item{Timestamp: 1234, ID: randomID(rng)}
	}
	a, b := split(rng, items, 250)
	checkSync(t, a, b, WithIdListThreshold(4), WithBuckets(4))
}

func TestReconcileSkewedSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	big := randomItems(rng, 1000, 50000)
	small := append([]Item{}, big[:3]...)
	small = append(small, randomItems(rng, 2, 50000)...)
	checkSync(t, small, big)
	checkSync(t, big, small)
}

func TestVectorSeal(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	t.Run("duplicate id", func(t *testing.T) {
		id := randomID(rng)
		v := NewVector()
		v.Insert(1, id)
		v.Insert(2, id)
		require.Error(t, v.Seal())
	})
	t.Run("double seal", func(t *testing.T) {
		v := NewVector()
		require.NoError(t, v.Seal())
		require.Error(t, v.Seal())
	})
	t.Run("insert after seal panics", func(t *testing.T) {
		v := NewVector()
		require.NoError(t, v.Seal())
		require.Panics(t, func() { v.Insert(1, randomID(rng)) })
	})
	t.Run("unsealed vector rejected", func(t *testing.T) {
		_, err := New(NewVector())
		require.Error(t, err)
	})
	t.Run("invalid options", func(t *testing.T) {
		v := NewVector()
		require.NoError(t, v.Seal())
		_, err := New(v, WithIdListThreshold(0))
		require.Error(t, err)
		_, err = New(v, WithBuckets(1))
		require.Error(t, err)
	})
}

func TestReconcileProtocolErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	neg, err := New(sealVector(t, randomItems(rng, 10, 1000)))
	require.NoError(t, err)

	appendUvarint := func(buf []byte, v uint64) []byte {
		for v >= 0x80 {
			buf = append(buf, byte(v)|0x80)
			v >>= 7
		}
		return append(buf, byte(v))
	}

	for _, tc := range []struct {
		name string
		msg  []byte
	}{
		{"empty message", nil},
		{"bad version", []byte{0x62}},
		{"truncated bound", []byte{ProtocolVersion, 0x05}},
		{"oversized id prefix", func() []byte {
			msg := []byte{ProtocolVersion}
			msg = appendUvarint(msg, 1)  // timestamp delta
			msg = appendUvarint(msg, 33) // prefix longer than an id
			return msg
		}()},
		{"unknown range mode", func() []byte {
			msg := []byte{ProtocolVersion}
			msg = appendUvarint(msg, 0) // infinity bound
			msg = appendUvarint(msg, 0) // no prefix
			msg = appendUvarint(msg, 9)
			return msg
		}()},
		{"truncated fingerprint", func() []byte {
			msg := []byte{ProtocolVersion}
			msg = appendUvarint(msg, 0)
			msg = appendUvarint(msg, 0)
			msg = appendUvarint(msg, modeFingerprint)
			return append(msg, 0x01, 0x02)
		}()},
		{"id list count exceeds size", func() []byte {
			msg := []byte{ProtocolVersion}
			msg = appendUvarint(msg, 0)
			msg = appendUvarint(msg, 0)
			msg = appendUvarint(msg, modeIdList)
			msg = appendUvarint(msg, 1000)
			return msg
		}()},
		{"range after infinity", func() []byte {
			msg := []byte{ProtocolVersion}
			msg = appendUvarint(msg, 0) // infinity bound
			msg = appendUvarint(msg, 0)
			msg = appendUvarint(msg, modeSkip)
			msg = appendUvarint(msg, 5) // second range past infinity
			msg = appendUvarint(msg, 0)
			msg = appendUvarint(msg, modeSkip)
			return msg
		}()},
		{"non-monotonic bounds", func() []byte {
			msg := []byte{ProtocolVersion}
			msg = appendUvarint(msg, 6) // timestamp 5
			msg = appendUvarint(msg, 0)
			msg = appendUvarint(msg, modeSkip)
			msg = appendUvarint(msg, 1) // delta 0 repeats the same bound
			msg = appendUvarint(msg, 0)
			msg = appendUvarint(msg, modeSkip)
			return msg
		}()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := neg.Reconcile(tc.msg)
			require.ErrorIs(t, err, ErrProtocol)
		})
	}
}

// The opening message for an empty set is an explicit empty id list, not an
// empty message, so the responder still reveals its ids.
func TestInitiateEmptySet(t *testing.T) {
	client, err := New(sealVector(t, nil))
	require.NoError(t, err)
	msg, err := client.Initiate()
	require.NoError(t, err)
	require.Greater(t, len(msg), 1)
	require.Equal(t, ProtocolVersion, msg[0])
}
