package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Filter is a declarative allow-list predicate over event fields. Fields that
// are present constrain the event (OR within a field's value set); absent
// fields impose no constraint. A filter with no fields matches everything.
type Filter struct {
	IDs     []ID
	Authors []PubKey
	Kinds   []int
	// Tags maps a tag name (without the "#" prefix) to the allowed values.
	Tags  map[string][]string
	Since *Timestamp
	Until *Timestamp
	Limit int
	// LimitSet distinguishes an explicit "limit":0 from an absent limit.
	LimitSet bool
}

// Matches reports whether the event satisfies every constraint present in the
// filter. This is the hot path: it runs once per live subscription for every
// stored event, so it must not allocate or touch I/O.
func (f *Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !hasTagValue(e.Tags, name, values) {
			return false
		}
	}
	return true
}

func hasTagValue(tags Tags, name string, values []string) bool {
	for _, t := range tags {
		if t.Name() == name && slices.Contains(values, t.Value()) {
			return true
		}
	}
	return false
}

// Filters is a list of filters combined with OR.
type Filters []Filter

// Match reports whether any filter in the list matches the event.
func (fs Filters) Match(e *Event) bool {
	for i := range fs {
		if fs[i].Matches(e) {
			return true
		}
	}
	return false
}

// filterJSON is the wire form of a filter; tag queries are carried as
// "#<name>" keys and handled separately.
type filterJSON struct {
	IDs     []ID       `json:"ids,omitempty"`
	Authors []PubKey   `json:"authors,omitempty"`
	Kinds   []int      `json:"kinds,omitempty"`
	Since   *Timestamp `json:"since,omitempty"`
	Until   *Timestamp `json:"until,omitempty"`
	Limit   *int       `json:"limit,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (f Filter) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any)
	if len(f.IDs) > 0 {
		fields["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		fields["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		fields["kinds"] = f.Kinds
	}
	if f.Since != nil {
		fields["since"] = *f.Since
	}
	if f.Until != nil {
		fields["until"] = *f.Until
	}
	if f.LimitSet {
		fields["limit"] = f.Limit
	}
	for name, values := range f.Tags {
		fields["#"+name] = values
	}
	return json.Marshal(fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var fj filterJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return fmt.Errorf("decode filter: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode filter: %w", err)
	}
	*f = Filter{
		IDs:     fj.IDs,
		Authors: fj.Authors,
		Kinds:   fj.Kinds,
		Since:   fj.Since,
		Until:   fj.Until,
	}
	if fj.Limit != nil {
		f.Limit = *fj.Limit
		f.LimitSet = true
	}
	for key, value := range raw {
		if !strings.HasPrefix(key, "#") {
			continue
		}
		// only single-letter tags are indexed, so anything else could never
		// match a stored event; refuse it instead of querying inconsistently
		if len(key) != 2 {
			return fmt.Errorf("decode filter: tag query %q is not a single-letter tag name", key)
		}
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return fmt.Errorf("decode filter tag query %q: %w", key, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}
	return nil
}
