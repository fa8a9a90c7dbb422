// Package postgres implements bub.TapeStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	bub "github.com/bublab/bub"
)

// Store implements bub.TapeStore backed by PostgreSQL. Entry payloads and
// metadata live in jsonb columns.
type Store struct {
	pool *pgxpool.Pool
}

var _ bub.TapeStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tapes (
			id TEXT PRIMARY KEY,
			title TEXT,
			parent_tape TEXT,
			parent_split BIGINT,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			tape_id TEXT NOT NULL,
			id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			meta JSONB,
			PRIMARY KEY (tape_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS anchors (
			name TEXT PRIMARY KEY,
			tape_id TEXT NOT NULL,
			entry_id BIGINT NOT NULL,
			state JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anchors_tape ON anchors(tape_id)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

func (s *Store) getTape(ctx context.Context, tapeID string) (bub.TapeInfo, error) {
	var (
		info        bub.TapeInfo
		parentTape  *string
		parentSplit *int64
	)
	err := s.pool.QueryRow(ctx,
		"SELECT id, COALESCE(title, ''), parent_tape, parent_split, archived FROM tapes WHERE id = $1", tapeID,
	).Scan(&info.TapeID, &info.Title, &parentTape, &parentSplit, &info.Archived)
	if err == pgx.ErrNoRows {
		return bub.TapeInfo{}, &bub.ErrTapeNotFound{TapeID: tapeID}
	}
	if err != nil {
		return bub.TapeInfo{}, fmt.Errorf("get tape: %w", err)
	}
	if parentTape != nil {
		info.Parent = &bub.TapeParent{SourceTapeID: *parentTape, SplitEntryID: *parentSplit}
	}
	return info, nil
}

func (s *Store) activeTape(ctx context.Context, tapeID string) (bub.TapeInfo, error) {
	info, err := s.getTape(ctx, tapeID)
	if err != nil {
		return bub.TapeInfo{}, err
	}
	if info.Archived {
		return bub.TapeInfo{}, &bub.ErrTapeNotFound{TapeID: tapeID}
	}
	return info, nil
}

// CreateTape creates a new, empty tape. Empty id = generated.
func (s *Store) CreateTape(ctx context.Context, tapeID, title string) (string, error) {
	if tapeID == "" {
		tapeID = bub.NewID()
	}
	_, err := s.pool.Exec(ctx,
		"INSERT INTO tapes (id, title) VALUES ($1, $2)", tapeID, title)
	if err != nil {
		return "", fmt.Errorf("create tape: %w", err)
	}
	return tapeID, nil
}

// Append stamps e with the next id and inserts it. The id is computed
// and written inside one transaction so concurrent appenders cannot
// leave a gap or collide.
func (s *Store) Append(ctx context.Context, tapeID string, e bub.Entry) (bub.Entry, error) {
	info, err := s.activeTape(ctx, tapeID)
	if err != nil {
		return bub.Entry{}, err
	}
	base := int64(0)
	if info.Parent != nil {
		base = info.Parent.SplitEntryID
	}

	var metaJSON []byte
	if len(e.Meta) > 0 {
		metaJSON, err = json.Marshal(e.Meta)
		if err != nil {
			return bub.Entry{}, fmt.Errorf("encode meta: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return bub.Entry{}, fmt.Errorf("append: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		"SELECT GREATEST(COALESCE(MAX(id), 0), $2) + 1 FROM entries WHERE tape_id = $1",
		tapeID, base,
	).Scan(&e.ID)
	if err != nil {
		return bub.Entry{}, fmt.Errorf("append: next id: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO entries (tape_id, id, kind, payload, meta) VALUES ($1, $2, $3, $4, $5)",
		tapeID, e.ID, e.Kind, []byte(e.Payload), metaJSON)
	if err != nil {
		return bub.Entry{}, fmt.Errorf("append: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return bub.Entry{}, fmt.Errorf("append: commit: %w", err)
	}
	return e, nil
}

// Read returns entries with fromID <= id < toID in ascending order,
// following the fork parent chain for the shared prefix.
func (s *Store) Read(ctx context.Context, tapeID string, fromID, toID int64) ([]bub.Entry, error) {
	if _, err := s.activeTape(ctx, tapeID); err != nil {
		return nil, err
	}
	all, err := s.chain(ctx, tapeID)
	if err != nil {
		return nil, err
	}
	out := make([]bub.Entry, 0, len(all))
	for _, e := range all {
		if e.ID < fromID {
			continue
		}
		if toID > 0 && e.ID >= toID {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// chain returns every entry visible on a tape, parent segments first.
// Archived ancestors still contribute their shared prefix.
func (s *Store) chain(ctx context.Context, tapeID string) ([]bub.Entry, error) {
	info, err := s.getTape(ctx, tapeID)
	if err != nil {
		return nil, err
	}

	var prefix []bub.Entry
	if info.Parent != nil {
		parentAll, err := s.chain(ctx, info.Parent.SourceTapeID)
		if err != nil {
			return nil, err
		}
		for _, e := range parentAll {
			if e.ID > info.Parent.SplitEntryID {
				break
			}
			prefix = append(prefix, e)
		}
	}

	rows, err := s.pool.Query(ctx,
		"SELECT id, kind, payload, meta FROM entries WHERE tape_id = $1 ORDER BY id", tapeID)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        bub.Entry
			payload  []byte
			metaJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode meta: %w", err)
			}
		}
		prefix = append(prefix, e)
	}
	return prefix, rows.Err()
}

// Fork creates a child tape sharing the source's entries up to the
// split point.
func (s *Store) Fork(ctx context.Context, sourceTapeID string, opts bub.ForkOpts) (string, error) {
	info, err := s.activeTape(ctx, sourceTapeID)
	if err != nil {
		return "", err
	}
	base := int64(0)
	if info.Parent != nil {
		base = info.Parent.SplitEntryID
	}
	var tail int64
	err = s.pool.QueryRow(ctx,
		"SELECT GREATEST(COALESCE(MAX(id), 0), $2) FROM entries WHERE tape_id = $1",
		sourceTapeID, base,
	).Scan(&tail)
	if err != nil {
		return "", fmt.Errorf("fork: tail: %w", err)
	}
	split, err := bub.ResolveFork(ctx, s, sourceTapeID, opts, tail)
	if err != nil {
		return "", err
	}

	newID := opts.NewTapeID
	if newID == "" {
		newID = bub.NewID()
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO tapes (id, parent_tape, parent_split) VALUES ($1, $2, $3)",
		newID, sourceTapeID, split)
	if err != nil {
		return "", fmt.Errorf("fork: %w", err)
	}
	return newID, nil
}

// CreateAnchor registers (or moves) a named anchor.
func (s *Store) CreateAnchor(ctx context.Context, name, tapeID string, entryID int64, state map[string]string) error {
	if _, err := s.activeTape(ctx, tapeID); err != nil {
		return err
	}
	var stateJSON []byte
	if len(state) > 0 {
		var err error
		stateJSON, err = json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO anchors (name, tape_id, entry_id, state) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET tape_id = $2, entry_id = $3, state = $4`,
		name, tapeID, entryID, stateJSON)
	if err != nil {
		return fmt.Errorf("create anchor: %w", err)
	}
	return nil
}

// GetAnchor returns the anchor by name.
func (s *Store) GetAnchor(ctx context.Context, name string) (bub.Anchor, error) {
	var (
		a         bub.Anchor
		stateJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		"SELECT name, tape_id, entry_id, state FROM anchors WHERE name = $1", name,
	).Scan(&a.Name, &a.TapeID, &a.EntryID, &stateJSON)
	if err == pgx.ErrNoRows {
		return bub.Anchor{}, &bub.ErrAnchorNotFound{Name: name}
	}
	if err != nil {
		return bub.Anchor{}, fmt.Errorf("get anchor: %w", err)
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &a.State); err != nil {
			return bub.Anchor{}, fmt.Errorf("decode state: %w", err)
		}
	}
	return a, nil
}

// ListAnchors returns all anchors.
func (s *Store) ListAnchors(ctx context.Context) ([]bub.Anchor, error) {
	rows, err := s.pool.Query(ctx, "SELECT name, tape_id, entry_id, state FROM anchors ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var out []bub.Anchor
	for rows.Next() {
		var (
			a         bub.Anchor
			stateJSON []byte
		)
		if err := rows.Scan(&a.Name, &a.TapeID, &a.EntryID, &stateJSON); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		if len(stateJSON) > 0 {
			if err := json.Unmarshal(stateJSON, &a.State); err != nil {
				return nil, fmt.Errorf("decode state: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAnchor returns the entry id an anchor points at.
func (s *Store) ResolveAnchor(ctx context.Context, name string) (int64, error) {
	a, err := s.GetAnchor(ctx, name)
	if err != nil {
		return 0, err
	}
	return a.EntryID, nil
}

// DeleteAnchor removes an anchor by name.
func (s *Store) DeleteAnchor(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM anchors WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("delete anchor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &bub.ErrAnchorNotFound{Name: name}
	}
	return nil
}

// Tapes returns metadata for every active tape.
func (s *Store) Tapes(ctx context.Context) ([]bub.TapeInfo, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, COALESCE(title, ''), parent_tape, parent_split FROM tapes WHERE NOT archived ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list tapes: %w", err)
	}
	defer rows.Close()

	var out []bub.TapeInfo
	for rows.Next() {
		var (
			info        bub.TapeInfo
			parentTape  *string
			parentSplit *int64
		)
		if err := rows.Scan(&info.TapeID, &info.Title, &parentTape, &parentSplit); err != nil {
			return nil, fmt.Errorf("scan tape: %w", err)
		}
		if parentTape != nil {
			info.Parent = &bub.TapeParent{SourceTapeID: *parentTape, SplitEntryID: *parentSplit}
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Archive drops the tape from the active set. Entries stay in place so
// forked children keep their shared prefix; anchors into the tape are
// removed.
func (s *Store) Archive(ctx context.Context, tapeID string) (string, error) {
	if _, err := s.activeTape(ctx, tapeID); err != nil {
		return "", err
	}
	if _, err := s.pool.Exec(ctx, "UPDATE tapes SET archived = TRUE WHERE id = $1", tapeID); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM anchors WHERE tape_id = $1", tapeID); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return "postgres:" + tapeID, nil
}

// Reset truncates entries strictly after the tape's first anchor-kind
// entry and drops anchors pointing past the truncation point.
func (s *Store) Reset(ctx context.Context, tapeID string) error {
	if _, err := s.activeTape(ctx, tapeID); err != nil {
		return err
	}
	all, err := s.chain(ctx, tapeID)
	if err != nil {
		return err
	}

	bootstrapID := int64(0)
	for _, e := range all {
		if e.Kind == bub.KindAnchor {
			bootstrapID = e.ID
			break
		}
	}

	if _, err := s.pool.Exec(ctx,
		"DELETE FROM entries WHERE tape_id = $1 AND id > $2", tapeID, bootstrapID); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM anchors WHERE tape_id = $1 AND entry_id > $2", tapeID, bootstrapID); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
