package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-net/tidemark/types"
)

func TestConfigBuild(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(10000, 0))
	denied := types.PubKey{0xaa}

	cfg := DefaultConfig()
	cfg.DeniedAuthors = []string{denied.String()}
	check, limiter, err := cfg.Build(clock, fakeVerifier{ok: true})
	require.NoError(t, err)
	require.NotNil(t, limiter)

	good := &types.Event{Kind: 1, CreatedAt: 10000, Content: "fine"}
	require.Equal(t, Accept, check.Evaluate(good, "c").Outcome)

	blocked := &types.Event{Kind: 1, CreatedAt: 10000, PubKey: denied}
	v := check.Evaluate(blocked, "c")
	require.Equal(t, Reject, v.Outcome)
	require.Contains(t, v.Reason, "blocked:")

	future := &types.Event{Kind: 1, CreatedAt: types.Timestamp(10000 + int64(cfg.MaxFutureDrift/time.Second) + 1)}
	require.Equal(t, Reject, check.Evaluate(future, "c").Outcome)

	huge := &types.Event{Kind: 1, CreatedAt: 10000, Content: strings.Repeat("a", cfg.MaxContentLength+1)}
	require.Equal(t, Reject, check.Evaluate(huge, "c").Outcome)
}

func TestConfigBuildMinimal(t *testing.T) {
	// a zeroed config still verifies signatures but nothing else
	check, limiter, err := Config{}.Build(clockwork.NewRealClock(), fakeVerifier{ok: false})
	require.NoError(t, err)
	require.Nil(t, limiter)
	v := check.Evaluate(&types.Event{}, "c")
	require.Equal(t, Reject, v.Outcome)
	require.Contains(t, v.Reason, "invalid:")
}

func TestConfigBuildBadAuthor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeniedAuthors = []string{"not hex"}
	_, _, err := cfg.Build(clockwork.NewRealClock(), fakeVerifier{ok: true})
	require.Error(t, err)
}
