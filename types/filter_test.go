package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func ts(v int64) *Timestamp {
	t := Timestamp(v)
	return &t
}

func TestFilterMatches(t *testing.T) {
	ev := Event{
		CreatedAt: 1000,
		Kind:      1,
		Tags:      Tags{{"e", "aa"}, {"p", "bb"}},
	}
	ev.ID = ev.ComputeID()

	for name, tc := range map[string]struct {
		filter Filter
		want   bool
	}{
		"empty filter matches all": {Filter{}, true},
		"kind match":               {Filter{Kinds: []int{1, 2}}, true},
		"kind mismatch":            {Filter{Kinds: []int{2}}, false},
		"id match":                 {Filter{IDs: []ID{ev.ID}}, true},
		"id mismatch":              {Filter{IDs: []ID{{0x01}}}, false},
		"author mismatch":          {Filter{Authors: []PubKey{{0x02}}}, false},
		"since inclusive":          {Filter{Since: ts(1000)}, true},
		"since excludes older":     {Filter{Since: ts(1001)}, false},
		"until inclusive":          {Filter{Until: ts(1000)}, true},
		"until excludes newer":     {Filter{Until: ts(999)}, false},
		"tag match":                {Filter{Tags: map[string][]string{"e": {"aa", "cc"}}}, true},
		"tag value mismatch":       {Filter{Tags: map[string][]string{"e": {"cc"}}}, false},
		"tag name absent":          {Filter{Tags: map[string][]string{"t": {"aa"}}}, false},
		"all fields AND": {Filter{
			Kinds: []int{1},
			Since: ts(500),
			Until: ts(1500),
			Tags:  map[string][]string{"p": {"bb"}},
		}, true},
		"one failing field rejects": {Filter{
			Kinds: []int{1},
			Tags:  map[string][]string{"p": {"nope"}},
		}, false},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.filter.Matches(&ev))
		})
	}
}

func TestFiltersMatchIsUnion(t *testing.T) {
	ev := Event{Kind: 7}
	fs := Filters{
		{Kinds: []int{1}},
		{Kinds: []int{7}},
	}
	require.True(t, fs.Match(&ev))
	require.False(t, Filters{{Kinds: []int{1}}, {Kinds: []int{2}}}.Match(&ev))
	require.False(t, Filters{}.Match(&ev))
}

func TestFilterJSONRoundTrip(t *testing.T) {
	f := Filter{
		Kinds:    []int{1, 30023},
		Tags:     map[string][]string{"e": {"aa"}, "d": {"x", "y"}},
		Since:    ts(100),
		Limit:    20,
		LimitSet: true,
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	var back Filter
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, f, back)
}

func TestFilterUnmarshalTagQueries(t *testing.T) {
	var f Filter
	err := json.Unmarshal([]byte(`{"kinds":[1],"#t":["news"],"limit":0}`), &f)
	require.NoError(t, err)
	require.Equal(t, []int{1}, f.Kinds)
	require.Equal(t, map[string][]string{"t": {"news"}}, f.Tags)
	require.True(t, f.LimitSet)
	require.Zero(t, f.Limit)

	// unknown non-tag keys are ignored
	require.NoError(t, json.Unmarshal([]byte(`{"search":"q"}`), &f))
}

func TestFilterRejectsMultiLetterTagQuery(t *testing.T) {
	// only single-letter tags are indexed; a longer name would match live
	// broadcasts but never a stored event, so it is refused outright
	var f Filter
	err := json.Unmarshal([]byte(`{"#expiration":["0"]}`), &f)
	require.ErrorContains(t, err, "single-letter")
	require.Error(t, json.Unmarshal([]byte(`{"#":["x"]}`), &f))
}
