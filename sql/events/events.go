// Package events implements the relay's event store on top of the sql layer:
// kind-dependent replacement on insert, declarative filter queries, and
// author-scoped irreversible deletion.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tidemark-net/tidemark/sql"
	"github.com/tidemark-net/tidemark/types"
)

// DefaultQueryCap bounds the number of events a single query returns
// regardless of the filters' own limits.
const DefaultQueryCap = 500

// InsertResult reports the outcome of an insert. Stale and duplicate
// submissions are success paths with Stored=false.
type InsertResult struct {
	Stored  bool
	Message string
}

// Insert stores the event under its kind's replacement rules. The whole
// operation runs in one immediate transaction, which gives the
// compare-and-swap for replaceable kinds its single-writer-per-key
// discipline.
func Insert(db *sql.Database, e *types.Event) (InsertResult, error) {
	var result InsertResult
	err := db.WithTxImmediate(context.Background(), func(tx *sql.Tx) error {
		tombstoned, err := isTombstoned(tx, e.ID)
		if err != nil {
			return err
		}
		if tombstoned {
			result = InsertResult{Stored: false, Message: "deleted: event was removed by its author"}
			return nil
		}
		dup, err := Has(tx, e.ID)
		if err != nil {
			return err
		}
		if dup {
			result = InsertResult{Stored: false, Message: "duplicate: already have this event"}
			return nil
		}
		switch types.KindClassOf(e.Kind) {
		case types.KindReplaceable, types.KindParamReplaceable:
			won, err := replaceExisting(tx, e)
			if err != nil {
				return err
			}
			if !won {
				result = InsertResult{Stored: false, Message: "duplicate: have a newer event for this key"}
				return nil
			}
		case types.KindEphemeral:
			return fmt.Errorf("ephemeral kind %d must not be stored", e.Kind)
		}
		if err := insertRow(tx, e); err != nil {
			return err
		}
		result = InsertResult{Stored: true, Message: ""}
		return nil
	})
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert event %s: %w", e.ID.ShortString(), err)
	}
	return result, nil
}

// replaceExisting runs the compare-and-swap for non-regular kinds: the new
// event wins iff it has a strictly higher created_at. On an exact created_at
// tie the stored event is kept, which keeps the rule deterministic and
// commutative under concurrent writers.
func replaceExisting(tx *sql.Tx, e *types.Event) (won bool, err error) {
	var (
		existingID        types.ID
		existingCreatedAt types.Timestamp
		found             bool
	)
	dTag := ""
	if types.KindClassOf(e.Kind) == types.KindParamReplaceable {
		dTag = e.IdentifierTag()
	}
	_, err = tx.Exec(
		"select id, created_at from events where kind = ?1 and pubkey = ?2 and d_tag = ?3;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(e.Kind))
			stmt.BindBytes(2, e.PubKey.Bytes())
			stmt.BindText(3, dTag)
		},
		func(stmt *sql.Statement) bool {
			stmt.ColumnBytes(0, existingID[:])
			existingCreatedAt = types.Timestamp(stmt.ColumnInt64(1))
			found = true
			return false
		})
	if err != nil {
		return false, fmt.Errorf("load replacement target: %w", err)
	}
	if found && existingCreatedAt >= e.CreatedAt {
		return false, nil
	}
	if found {
		if err := deleteRow(tx, existingID); err != nil {
			return false, err
		}
	}
	return true, nil
}

func insertRow(tx *sql.Tx, e *types.Event) error {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	dTag := ""
	if types.KindClassOf(e.Kind) == types.KindParamReplaceable {
		dTag = e.IdentifierTag()
	}
	if _, err := tx.Exec(
		`insert into events (id, pubkey, created_at, kind, tags, content, sig, d_tag)
		 values (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8);`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, e.ID.Bytes())
			stmt.BindBytes(2, e.PubKey.Bytes())
			stmt.BindInt64(3, int64(e.CreatedAt))
			stmt.BindInt64(4, int64(e.Kind))
			stmt.BindBytes(5, tagsJSON)
			stmt.BindText(6, e.Content)
			stmt.BindBytes(7, e.Sig[:])
			stmt.BindText(8, dTag)
		}, nil); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	for _, tag := range e.Tags {
		// only single-letter tags are indexed for #x queries
		if len(tag.Name()) != 1 {
			continue
		}
		if _, err := tx.Exec(
			"insert into tags (event_id, name, value) values (?1, ?2, ?3);",
			func(stmt *sql.Statement) {
				stmt.BindBytes(1, e.ID.Bytes())
				stmt.BindText(2, tag.Name())
				stmt.BindText(3, tag.Value())
			}, nil); err != nil {
			return fmt.Errorf("index tag %q: %w", tag.Name(), err)
		}
	}
	return nil
}

func deleteRow(tx *sql.Tx, id types.ID) error {
	if _, err := tx.Exec("delete from events where id = ?1;",
		func(stmt *sql.Statement) { stmt.BindBytes(1, id.Bytes()) }, nil); err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	if _, err := tx.Exec("delete from tags where event_id = ?1;",
		func(stmt *sql.Statement) { stmt.BindBytes(1, id.Bytes()) }, nil); err != nil {
		return fmt.Errorf("delete tag rows: %w", err)
	}
	return nil
}

// Has reports whether an event with the given id is stored.
func Has(db sql.Executor, id types.ID) (bool, error) {
	rows, err := db.Exec("select 1 from events where id = ?1;",
		func(stmt *sql.Statement) { stmt.BindBytes(1, id.Bytes()) }, nil)
	if err != nil {
		return false, fmt.Errorf("has %s: %w", id.ShortString(), err)
	}
	return rows > 0, nil
}

// Get loads a single event by id. Returns sql.ErrNotFound if absent.
func Get(db sql.Executor, id types.ID) (types.Event, error) {
	var (
		ev    types.Event
		found bool
		err   error
	)
	_, err = db.Exec(
		"select id, pubkey, created_at, kind, tags, content, sig from events where id = ?1;",
		func(stmt *sql.Statement) { stmt.BindBytes(1, id.Bytes()) },
		func(stmt *sql.Statement) bool {
			ev, err = decodeEvent(stmt)
			found = true
			return false
		})
	if err != nil {
		return types.Event{}, fmt.Errorf("get %s: %w", id.ShortString(), err)
	}
	if !found {
		return types.Event{}, fmt.Errorf("get %s: %w", id.ShortString(), sql.ErrNotFound)
	}
	return ev, nil
}

func decodeEvent(stmt *sql.Statement) (types.Event, error) {
	var ev types.Event
	stmt.ColumnBytes(0, ev.ID[:])
	stmt.ColumnBytes(1, ev.PubKey[:])
	ev.CreatedAt = types.Timestamp(stmt.ColumnInt64(2))
	ev.Kind = int(stmt.ColumnInt64(3))
	tagsJSON := stmt.ColumnText(4)
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return ev, fmt.Errorf("decode tags of %s: %w", ev.ID.ShortString(), err)
	}
	ev.Content = stmt.ColumnText(5)
	stmt.ColumnBytes(6, ev.Sig[:])
	return ev, nil
}

// Query returns the union of the filters' matches, de-duplicated by id,
// newest-first, capped at the minimum of cap and each filter's own limit.
// cap <= 0 selects DefaultQueryCap.
func Query(db sql.Executor, filters types.Filters, cap int) ([]types.Event, error) {
	if cap <= 0 {
		cap = DefaultQueryCap
	}
	seen := make(map[types.ID]struct{})
	var result []types.Event
	for i := range filters {
		evs, err := queryOne(db, &filters[i], cap)
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			result = append(result, ev)
		}
	}
	slices.SortFunc(result, func(a, b types.Event) int {
		if a.CreatedAt != b.CreatedAt {
			// newest first
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		}
		return a.ID.Compare(b.ID)
	})
	if len(result) > cap {
		result = result[:cap]
	}
	return result, nil
}

func queryOne(db sql.Executor, f *types.Filter, cap int) ([]types.Event, error) {
	limit := cap
	if f.LimitSet && f.Limit >= 0 && f.Limit < cap {
		limit = f.Limit
	}
	if limit == 0 {
		return nil, nil
	}
	query, enc := buildFilterQuery(
		"select id, pubkey, created_at, kind, tags, content, sig from events",
		f, "order by created_at desc, id asc", limit)
	var (
		evs []types.Event
		err error
	)
	_, execErr := db.Exec(query, enc, func(stmt *sql.Statement) bool {
		var ev types.Event
		ev, err = decodeEvent(stmt)
		if err != nil {
			return false
		}
		evs = append(evs, ev)
		return true
	})
	if execErr != nil {
		return nil, fmt.Errorf("query events: %w", execErr)
	}
	if err != nil {
		return nil, err
	}
	return evs, nil
}

// Count returns the number of distinct stored events matching any filter.
func Count(db sql.Executor, filters types.Filters) (int64, error) {
	seen := make(map[types.ID]struct{})
	for i := range filters {
		query, enc := buildFilterQuery("select id from events", &filters[i], "", 0)
		var id types.ID
		if _, err := db.Exec(query, enc, func(stmt *sql.Statement) bool {
			stmt.ColumnBytes(0, id[:])
			seen[id] = struct{}{}
			return true
		}); err != nil {
			return 0, fmt.Errorf("count events: %w", err)
		}
	}
	return int64(len(seen)), nil
}

// IterateIDs calls fn for every stored event matching the filter, ordered by
// (created_at, id) ascending, the ordering the reconciliation protocol
// requires. Iteration stops when fn returns false. The filter's limit is
// ignored.
func IterateIDs(db sql.Executor, f *types.Filter, fn func(types.ID, types.Timestamp) bool) error {
	query, enc := buildFilterQuery(
		"select id, created_at from events", f, "order by created_at asc, id asc", 0)
	_, err := db.Exec(query, enc, func(stmt *sql.Statement) bool {
		var id types.ID
		stmt.ColumnBytes(0, id[:])
		return fn(id, types.Timestamp(stmt.ColumnInt64(1)))
	})
	if err != nil {
		return fmt.Errorf("iterate ids: %w", err)
	}
	return nil
}

// Delete removes the given events if and only if they were authored by the
// requester, and tombstones their ids so a later replay cannot resurrect
// them. Returns the number of events actually removed. Ids the requester
// does not own are skipped, not an error.
func Delete(db *sql.Database, ids []types.ID, requester types.PubKey, deletedAt types.Timestamp) (int, error) {
	removed := 0
	err := db.WithTxImmediate(context.Background(), func(tx *sql.Tx) error {
		for _, id := range ids {
			var (
				author types.PubKey
				found  bool
			)
			if _, err := tx.Exec("select pubkey from events where id = ?1;",
				func(stmt *sql.Statement) { stmt.BindBytes(1, id.Bytes()) },
				func(stmt *sql.Statement) bool {
					stmt.ColumnBytes(0, author[:])
					found = true
					return false
				}); err != nil {
				return fmt.Errorf("load author of %s: %w", id.ShortString(), err)
			}
			if found && author != requester {
				continue
			}
			if found {
				if err := deleteRow(tx, id); err != nil {
					return err
				}
				removed++
			}
			// tombstone even if the event was never stored, so it cannot
			// arrive later
			if _, err := tx.Exec(
				"insert into tombstones (id, pubkey, deleted_at) values (?1, ?2, ?3) on conflict do nothing;",
				func(stmt *sql.Statement) {
					stmt.BindBytes(1, id.Bytes())
					stmt.BindBytes(2, requester.Bytes())
					stmt.BindInt64(3, int64(deletedAt))
				}, nil); err != nil {
				return fmt.Errorf("tombstone %s: %w", id.ShortString(), err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func isTombstoned(db sql.Executor, id types.ID) (bool, error) {
	rows, err := db.Exec("select 1 from tombstones where id = ?1;",
		func(stmt *sql.Statement) { stmt.BindBytes(1, id.Bytes()) }, nil)
	if err != nil {
		return false, fmt.Errorf("tombstone check: %w", err)
	}
	return rows > 0, nil
}

// buildFilterQuery translates a filter into a single SQL statement. Value
// sets become IN lists with positional parameters; tag queries become EXISTS
// subqueries against the tags index.
func buildFilterQuery(selectClause string, f *types.Filter, orderClause string, limit int) (string, sql.Encoder) {
	var (
		conds []string
		binds []func(*sql.Statement)
		next  = 1
	)
	placeholder := func(n int) string {
		ps := make([]string, n)
		for i := range ps {
			ps[i] = fmt.Sprintf("?%d", next)
			next++
		}
		return strings.Join(ps, ", ")
	}
	if len(f.IDs) > 0 {
		ids, base := f.IDs, next
		conds = append(conds, fmt.Sprintf("id in (%s)", placeholder(len(ids))))
		binds = append(binds, func(stmt *sql.Statement) {
			for i, id := range ids {
				stmt.BindBytes(base+i, id.Bytes())
			}
		})
	}
	if len(f.Authors) > 0 {
		authors, base := f.Authors, next
		conds = append(conds, fmt.Sprintf("pubkey in (%s)", placeholder(len(authors))))
		binds = append(binds, func(stmt *sql.Statement) {
			for i, pk := range authors {
				stmt.BindBytes(base+i, pk.Bytes())
			}
		})
	}
	if len(f.Kinds) > 0 {
		kinds, base := f.Kinds, next
		conds = append(conds, fmt.Sprintf("kind in (%s)", placeholder(len(kinds))))
		binds = append(binds, func(stmt *sql.Statement) {
			for i, k := range kinds {
				stmt.BindInt64(base+i, int64(k))
			}
		})
	}
	// sorted tag names keep the statement text deterministic
	tagNames := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		tagNames = append(tagNames, name)
	}
	slices.Sort(tagNames)
	for _, name := range tagNames {
		name, values, base := name, f.Tags[name], next
		next++
		conds = append(conds, fmt.Sprintf(
			"exists (select 1 from tags where tags.event_id = events.id and tags.name = ?%d and tags.value in (%s))",
			base, placeholder(len(values))))
		binds = append(binds, func(stmt *sql.Statement) {
			stmt.BindText(base, name)
			for i, v := range values {
				stmt.BindText(base+1+i, v)
			}
		})
	}
	if f.Since != nil {
		since, base := *f.Since, next
		next++
		conds = append(conds, fmt.Sprintf("created_at >= ?%d", base))
		binds = append(binds, func(stmt *sql.Statement) {
			stmt.BindInt64(base, int64(since))
		})
	}
	if f.Until != nil {
		until, base := *f.Until, next
		next++
		conds = append(conds, fmt.Sprintf("created_at <= ?%d", base))
		binds = append(binds, func(stmt *sql.Statement) {
			stmt.BindInt64(base, int64(until))
		})
	}

	var sb strings.Builder
	sb.WriteString(selectClause)
	if len(conds) > 0 {
		sb.WriteString(" where ")
		sb.WriteString(strings.Join(conds, " and "))
	}
	if orderClause != "" {
		sb.WriteString(" ")
		sb.WriteString(orderClause)
	}
	if limit > 0 {
		fmt.Fprintf(&sb, " limit %d", limit)
	}
	sb.WriteString(";")

	enc := func(stmt *sql.Statement) {
		for _, bind := range binds {
			bind(stmt)
		}
	}
	return sb.String(), enc
}
