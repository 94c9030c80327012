package projection

// schema creates every table and view the projection needs from a
// clean database. Adapted from the teacher's internal/storage/sqlite/schema.go
// (issues/dependencies/labels/comments tables, ready/blocked views) down
// to the CRDT-projected field set of the data model: items carry only
// the lattice's LWW-register fields plus the epoch-phase state, and
// membership in labels/assignees/links is exactly the OR-set's current
// Members(), not a source of truth in its own right.
const schema = `
CREATE TABLE IF NOT EXISTS items (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT '',
    size TEXT NOT NULL DEFAULT '',
    urgency TEXT NOT NULL DEFAULT '',
    parent TEXT NOT NULL DEFAULT '',
    assignee_anchor TEXT NOT NULL DEFAULT '',
    state_epoch INTEGER NOT NULL DEFAULT 0,
    state_phase INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_items_state ON items(state_epoch, state_phase);
CREATE INDEX IF NOT EXISTS idx_items_parent ON items(parent);
CREATE INDEX IF NOT EXISTS idx_items_deleted ON items(deleted);

CREATE TABLE IF NOT EXISTS labels (
    item_id TEXT NOT NULL,
    label TEXT NOT NULL,
    PRIMARY KEY (item_id, label),
    FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_labels_label ON labels(label);

CREATE TABLE IF NOT EXISTS assignees (
    item_id TEXT NOT NULL,
    agent TEXT NOT NULL,
    PRIMARY KEY (item_id, agent),
    FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_assignees_agent ON assignees(agent);

CREATE TABLE IF NOT EXISTS links (
    item_id TEXT NOT NULL,
    kind TEXT NOT NULL, -- 'blocked_by' or 'related_to'
    target TEXT NOT NULL,
    PRIMARY KEY (item_id, kind, target),
    FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);

CREATE TABLE IF NOT EXISTS comments (
    event_hash TEXT PRIMARY KEY,
    item_id TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_comments_item ON comments(item_id);

CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
    id UNINDEXED,
    title,
    description,
    labels,
    content=''
);

CREATE TABLE IF NOT EXISTS cursor (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    shard_name TEXT NOT NULL DEFAULT '',
    byte_offset INTEGER NOT NULL DEFAULT 0,
    last_event_hash TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO cursor (id, shard_name, byte_offset, last_event_hash) VALUES (1, '', 0, '');

CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Ready-work view: open items with no currently-present blocked_by link
-- to another non-done item, mirroring the teacher's ready_issues view
-- shape but keyed off state_phase instead of a free-form status string.
CREATE VIEW IF NOT EXISTS ready_items AS
SELECT i.*
FROM items i
WHERE i.state_phase = 0 -- PhaseOpen
  AND i.deleted = 0
  AND NOT EXISTS (
    SELECT 1 FROM links l
    JOIN items blocker ON blocker.id = l.target
    WHERE l.item_id = i.id
      AND l.kind = 'blocked_by'
      AND blocker.state_phase < 2 -- not yet PhaseDone
  );
`
