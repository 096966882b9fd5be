package events

// Schema is applied to a fresh database. The (kind, pubkey, d_tag) index
// backs the replacement compare-and-swap; tombstones remember deleted ids so
// a replayed event cannot resurrect.
const Schema = `
CREATE TABLE events (
    id         BLOB PRIMARY KEY,
    pubkey     BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    kind       INTEGER NOT NULL,
    tags       TEXT NOT NULL,
    content    TEXT NOT NULL,
    sig        BLOB NOT NULL,
    d_tag      TEXT NOT NULL DEFAULT ''
) WITHOUT ROWID;

CREATE INDEX events_created_at ON events (created_at DESC, id);
CREATE INDEX events_pubkey ON events (pubkey, created_at DESC);
CREATE INDEX events_kind ON events (kind, created_at DESC);
CREATE INDEX events_replacement ON events (kind, pubkey, d_tag);

CREATE TABLE tags (
    event_id BLOB NOT NULL,
    name     TEXT NOT NULL,
    value    TEXT NOT NULL
);

CREATE INDEX tags_lookup ON tags (name, value, event_id);
CREATE INDEX tags_event ON tags (event_id);

CREATE TABLE tombstones (
    id         BLOB PRIMARY KEY,
    pubkey     BLOB NOT NULL,
    deleted_at INTEGER NOT NULL
) WITHOUT ROWID;
`
