// Package projection builds and queries the disposable relational
// index described by §4.8: a SQLite-backed read model derived from the
// lattice, covering items, labels, assignees, links, comments, and a
// full-text index, rebuildable from the event log at any time.
//
// Grounded on the teacher's internal/storage/sqlite package: its
// Store type wrapping a *sql.DB, its migration runner, and its
// ready/blocked views — adapted from a system of record (issues.db is
// the teacher's durable store) to a fully disposable cache whose
// content is always derivable from the event log, per §8's
// "disposable and reconstructible" requirement.
package projection

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" driver
	_ "github.com/ncruces/go-sqlite3/embed"  // bundles the WASM SQLite runtime

	"github.com/bonesdb/bones/internal/boneserr"
	"github.com/bonesdb/bones/internal/lattice"
)

// Cursor names the next byte to consume when advancing the projection
// incrementally, per §3.
type Cursor struct {
	ShardName     string
	ByteOffset    int64
	LastEventHash string
}

// Store is the projection's SQLite-backed handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the projection database at path
// and brings its schema up to date.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("projection: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; readers that tolerate staleness open their own handle

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cursor returns the projection's currently committed cursor.
func (s *Store) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	row := s.db.QueryRowContext(ctx, "SELECT shard_name, byte_offset, last_event_hash FROM cursor WHERE id = 1")
	if err := row.Scan(&c.ShardName, &c.ByteOffset, &c.LastEventHash); err != nil {
		return Cursor{}, fmt.Errorf("projection: reading cursor: %w", err)
	}
	return c, nil
}

// Advance applies a batch of item lattice states and the new cursor in
// one atomic transaction, per §4.8's transactional discipline: a crash
// leaves the cursor consistent with on-disk rows because both are
// written (or neither is) in the same commit.
func (s *Store) Advance(ctx context.Context, items map[string]lattice.ItemState, cursor Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, state := range items {
		if err := upsertItem(ctx, tx, state); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cursor SET shard_name = ?, byte_offset = ?, last_event_hash = ? WHERE id = 1`,
		cursor.ShardName, cursor.ByteOffset, cursor.LastEventHash,
	); err != nil {
		return fmt.Errorf("projection: advancing cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("projection: committing advance: %w", err)
	}
	return nil
}

func upsertItem(ctx context.Context, tx *sql.Tx, state lattice.ItemState) error {
	deleted := 0
	if state.Deleted.Set && state.Deleted.Value {
		deleted = 1
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO items (id, title, description, kind, size, urgency, parent, assignee_anchor, state_epoch, state_phase, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			kind = excluded.kind,
			size = excluded.size,
			urgency = excluded.urgency,
			parent = excluded.parent,
			assignee_anchor = excluded.assignee_anchor,
			state_epoch = excluded.state_epoch,
			state_phase = excluded.state_phase,
			deleted = excluded.deleted
	`,
		state.ItemID, state.Title.Value, state.Description.Value, state.Kind.Value,
		state.Size.Value, state.Urgency.Value, state.Parent.Value, state.AssigneeAnchor.Value,
		state.State.Epoch, int(state.State.Phase), deleted,
	)
	if err != nil {
		return fmt.Errorf("projection: upserting item %s: %w", state.ItemID, err)
	}

	if err := replaceSet(ctx, tx, "labels", "label", state.ItemID, state.Labels.Members()); err != nil {
		return err
	}
	if err := replaceSet(ctx, tx, "assignees", "agent", state.ItemID, state.Assignees.Members()); err != nil {
		return err
	}
	if err := replaceLinks(ctx, tx, state.ItemID, "blocked_by", state.BlockedBy.Members()); err != nil {
		return err
	}
	if err := replaceLinks(ctx, tx, state.ItemID, "related_to", state.RelatedTo.Members()); err != nil {
		return err
	}
	if err := replaceComments(ctx, tx, state); err != nil {
		return err
	}
	return replaceFTS(ctx, tx, state)
}

// replaceSet rewrites a membership table (labels or assignees) for one
// item to exactly match members. The OR-set is the source of truth;
// this table is a disposable denormalization of it.
func replaceSet(ctx context.Context, tx *sql.Tx, table, column, itemID string, members []string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE item_id = ?", table), itemID); err != nil {
		return fmt.Errorf("projection: clearing %s for %s: %w", table, itemID, err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (item_id, %s) VALUES (?, ?)", table, column), itemID, m); err != nil {
			return fmt.Errorf("projection: inserting %s.%s for %s: %w", table, column, itemID, err)
		}
	}
	return nil
}

func replaceLinks(ctx context.Context, tx *sql.Tx, itemID, kind string, targets []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM links WHERE item_id = ? AND kind = ?", itemID, kind); err != nil {
		return fmt.Errorf("projection: clearing %s links for %s: %w", kind, itemID, err)
	}
	for _, target := range targets {
		if _, err := tx.ExecContext(ctx, "INSERT INTO links (item_id, kind, target) VALUES (?, ?, ?)", itemID, kind, target); err != nil {
			return fmt.Errorf("projection: inserting %s link for %s: %w", kind, itemID, err)
		}
	}
	return nil
}

func replaceComments(ctx context.Context, tx *sql.Tx, state lattice.ItemState) error {
	for hash, c := range state.Comments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (event_hash, item_id, body) VALUES (?, ?, ?)
			ON CONFLICT(event_hash) DO UPDATE SET body = excluded.body
		`, hash, state.ItemID, c.Body.Value)
		if err != nil {
			return fmt.Errorf("projection: upserting comment %s for %s: %w", hash, state.ItemID, err)
		}
	}
	return nil
}

func replaceFTS(ctx context.Context, tx *sql.Tx, state lattice.ItemState) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM items_fts WHERE id = ?", state.ItemID); err != nil {
		return fmt.Errorf("projection: clearing fts row for %s: %w", state.ItemID, err)
	}
	labels := ""
	for i, l := range state.Labels.Members() {
		if i > 0 {
			labels += " "
		}
		labels += l
	}
	_, err := tx.ExecContext(ctx, "INSERT INTO items_fts (id, title, description, labels) VALUES (?, ?, ?, ?)",
		state.ItemID, state.Title.Value, state.Description.Value, labels)
	if err != nil {
		return fmt.Errorf("projection: indexing fts row for %s: %w", state.ItemID, err)
	}
	return nil
}

// VerifyCursor reports whether the stored cursor's last_event_hash
// still matches expectedHash (the hash of the line at ByteOffset in
// ShardName, as determined by the caller). A mismatch means the cursor
// is stale relative to the shard on disk and the caller must fall back
// to a full rebuild, per §4.8.
func (s *Store) VerifyCursor(ctx context.Context, expectedHash string) error {
	c, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if c.LastEventHash != "" && c.LastEventHash != expectedHash {
		return boneserr.New(boneserr.CursorStale,
			fmt.Sprintf("projection: cursor hash %s does not match shard content %s", c.LastEventHash, expectedHash))
	}
	return nil
}

// Reset truncates every derived table and the cursor, in preparation
// for a full rebuild.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: beginning reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"comments", "links", "assignees", "labels", "items_fts", "items"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("projection: truncating %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE cursor SET shard_name = '', byte_offset = 0, last_event_hash = '' WHERE id = 1"); err != nil {
		return fmt.Errorf("projection: resetting cursor: %w", err)
	}
	return tx.Commit()
}

// Item is a denormalized read of one item's projected row, for
// external callers that don't need the full lattice state.
type Item struct {
	ID             string
	Title          string
	Description    string
	Kind           string
	Size           string
	Urgency        string
	Parent         string
	AssigneeAnchor string
	StateEpoch     int
	StatePhase     int
	Deleted        bool
}

// GetItem reads a single projected item row.
func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	var it Item
	var deleted int
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, kind, size, urgency, parent, assignee_anchor, state_epoch, state_phase, deleted
		FROM items WHERE id = ?
	`, id)
	err := row.Scan(&it.ID, &it.Title, &it.Description, &it.Kind, &it.Size, &it.Urgency,
		&it.Parent, &it.AssigneeAnchor, &it.StateEpoch, &it.StatePhase, &deleted)
	if err != nil {
		return Item{}, fmt.Errorf("projection: reading item %s: %w", id, err)
	}
	it.Deleted = deleted != 0
	return it, nil
}

// Filter narrows ListItems to a phase, a parent, and/or an exclusion of
// soft-deleted items; the zero Filter matches every non-deleted item.
// Limit and Offset page through results for a restartable iteration.
type Filter struct {
	Phase          *int
	Parent         string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// ListItems returns a page of denormalized item rows matching filter,
// ordered by id for a stable, restartable iteration.
func (s *Store) ListItems(ctx context.Context, filter Filter) ([]Item, error) {
	query := `SELECT id, title, description, kind, size, urgency, parent, assignee_anchor, state_epoch, state_phase, deleted FROM items WHERE 1=1`
	var args []any
	if !filter.IncludeDeleted {
		query += " AND deleted = 0"
	}
	if filter.Phase != nil {
		query += " AND state_phase = ?"
		args = append(args, *filter.Phase)
	}
	if filter.Parent != "" {
		query += " AND parent = ?"
		args = append(args, filter.Parent)
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("projection: listing items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var deleted int
		if err := rows.Scan(&it.ID, &it.Title, &it.Description, &it.Kind, &it.Size, &it.Urgency,
			&it.Parent, &it.AssigneeAnchor, &it.StateEpoch, &it.StatePhase, &deleted); err != nil {
			return nil, fmt.Errorf("projection: scanning item row: %w", err)
		}
		it.Deleted = deleted != 0
		items = append(items, it)
	}
	return items, rows.Err()
}

// Search runs a full-text query over titles, descriptions, and labels.
func (s *Store) Search(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM items_fts WHERE items_fts MATCH ? ORDER BY rank", query)
	if err != nil {
		return nil, fmt.Errorf("projection: searching %q: %w", query, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("projection: scanning search result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
