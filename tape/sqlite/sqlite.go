// Package sqlite implements bub.TapeStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bub "github.com/bublab/bub"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation. If not
// set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements bub.TapeStore backed by a local SQLite file.
// Entry payloads and metadata are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ bub.TapeStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: bub.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS tapes (
			id TEXT PRIMARY KEY,
			title TEXT,
			parent_tape TEXT,
			parent_split INTEGER,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			tape_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			meta TEXT,
			PRIMARY KEY (tape_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS anchors (
			name TEXT PRIMARY KEY,
			tape_id TEXT NOT NULL,
			entry_id INTEGER NOT NULL,
			state TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_anchors_tape ON anchors(tape_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) getTape(ctx context.Context, tapeID string) (bub.TapeInfo, error) {
	var (
		info        bub.TapeInfo
		parentTape  sql.NullString
		parentSplit sql.NullInt64
		archived    int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, parent_tape, parent_split, archived FROM tapes WHERE id = ?", tapeID,
	).Scan(&info.TapeID, &info.Title, &parentTape, &parentSplit, &archived)
	if err == sql.ErrNoRows {
		return bub.TapeInfo{}, &bub.ErrTapeNotFound{TapeID: tapeID}
	}
	if err != nil {
		return bub.TapeInfo{}, fmt.Errorf("get tape: %w", err)
	}
	if parentTape.Valid {
		info.Parent = &bub.TapeParent{SourceTapeID: parentTape.String, SplitEntryID: parentSplit.Int64}
	}
	info.Archived = archived != 0
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

// tail returns the highest entry id visible on a tape.
func (s *Store) tail(ctx context.Context, info bub.TapeInfo) (int64, error) {
	base := int64(0)
	if info.Parent != nil {
		base = info.Parent.SplitEntryID
	}
	var maxID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(id) FROM entries WHERE tape_id = ?", info.TapeID,
	).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("tail: %w", err)
	}
	if maxID.Valid && maxID.Int64 > base {
		return maxID.Int64, nil
	}
	return base, nil
}

// CreateTape creates a new, empty tape. Empty id = generated.
func (s *Store) CreateTape(ctx context.Context, tapeID, title string) (string, error) {
	if tapeID == "" {
		tapeID = bub.NewID()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tapes (id, title, created_at) VALUES (?, ?, ?)",
		tapeID, title, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("create tape: %w", err)
	}
	s.logger.Debug("sqlite: tape created", "tape", tapeID, "title", title)
	return tapeID, nil
}

// Append stamps e with the next id and inserts it.
func (s *Store) Append(ctx context.Context, tapeID string, e bub.Entry) (bub.Entry, error) {
	info, err := s.activeTape(ctx, tapeID)
	if err != nil {
		return bub.Entry{}, err
	}
	tail, err := s.tail(ctx, info)
	if err != nil {
		return bub.Entry{}, err
	}
	e.ID = tail + 1

	var metaJSON *string
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return bub.Entry{}, fmt.Errorf("encode meta: %w", err)
		}
		str := string(b)
		metaJSON = &str
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO entries (tape_id, id, kind, payload, meta) VALUES (?, ?, ?, ?, ?)",
		tapeID, e.ID, e.Kind, string(e.Payload), metaJSON)
	if err != nil {
		return bub.Entry{}, fmt.Errorf("append: %w", err)
	}
	s.logger.Debug("sqlite: entry appended", "tape", tapeID, "id", e.ID, "kind", e.Kind)
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

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, payload, meta FROM entries WHERE tape_id = ? ORDER BY id", tapeID)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        bub.Entry
			payload  string
			metaJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if metaJSON.Valid {
			if err := json.Unmarshal([]byte(metaJSON.String), &e.Meta); err != nil {
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
	tail, err := s.tail(ctx, info)
	if err != nil {
		return "", err
	}
	split, err := bub.ResolveFork(ctx, s, sourceTapeID, opts, tail)
	if err != nil {
		return "", err
	}

	newID := opts.NewTapeID
	if newID == "" {
		newID = bub.NewID()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO tapes (id, title, parent_tape, parent_split, created_at) VALUES (?, ?, ?, ?, ?)",
		newID, "", sourceTapeID, split, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("fork: %w", err)
	}
	s.logger.Debug("sqlite: tape forked", "source", sourceTapeID, "child", newID, "split", split)
	return newID, nil
}

// CreateAnchor registers (or moves) a named anchor.
func (s *Store) CreateAnchor(ctx context.Context, name, tapeID string, entryID int64, state map[string]string) error {
	if _, err := s.activeTape(ctx, tapeID); err != nil {
		return err
	}
	var stateJSON *string
	if len(state) > 0 {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		str := string(b)
		stateJSON = &str
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO anchors (name, tape_id, entry_id, state) VALUES (?, ?, ?, ?)",
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
		stateJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT name, tape_id, entry_id, state FROM anchors WHERE name = ?", name,
	).Scan(&a.Name, &a.TapeID, &a.EntryID, &stateJSON)
	if err == sql.ErrNoRows {
		return bub.Anchor{}, &bub.ErrAnchorNotFound{Name: name}
	}
	if err != nil {
		return bub.Anchor{}, fmt.Errorf("get anchor: %w", err)
	}
	if stateJSON.Valid {
		if err := json.Unmarshal([]byte(stateJSON.String), &a.State); err != nil {
			return bub.Anchor{}, fmt.Errorf("decode state: %w", err)
		}
	}
	return a, nil
}

// ListAnchors returns all anchors.
func (s *Store) ListAnchors(ctx context.Context) ([]bub.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, tape_id, entry_id, state FROM anchors ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var out []bub.Anchor
	for rows.Next() {
		var (
			a         bub.Anchor
			stateJSON sql.NullString
		)
		if err := rows.Scan(&a.Name, &a.TapeID, &a.EntryID, &stateJSON); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		if stateJSON.Valid {
			if err := json.Unmarshal([]byte(stateJSON.String), &a.State); err != nil {
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
	res, err := s.db.ExecContext(ctx, "DELETE FROM anchors WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete anchor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &bub.ErrAnchorNotFound{Name: name}
	}
	return nil
}

// Tapes returns metadata for every active tape.
func (s *Store) Tapes(ctx context.Context) ([]bub.TapeInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, parent_tape, parent_split FROM tapes WHERE archived = 0 ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list tapes: %w", err)
	}
	defer rows.Close()

	var out []bub.TapeInfo
	for rows.Next() {
		var (
			info        bub.TapeInfo
			parentTape  sql.NullString
			parentSplit sql.NullInt64
		)
		if err := rows.Scan(&info.TapeID, &info.Title, &parentTape, &parentSplit); err != nil {
			return nil, fmt.Errorf("scan tape: %w", err)
		}
		if parentTape.Valid {
			info.Parent = &bub.TapeParent{SourceTapeID: parentTape.String, SplitEntryID: parentSplit.Int64}
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Archive drops the tape from the active set. Entries stay in place so
// forked children keep their shared prefix; anchors into the tape are
// removed. The returned location names the database row set.
func (s *Store) Archive(ctx context.Context, tapeID string) (string, error) {
	if _, err := s.activeTape(ctx, tapeID); err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE tapes SET archived = 1 WHERE id = ?", tapeID); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM anchors WHERE tape_id = ?", tapeID); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	s.logger.Info("sqlite: tape archived", "tape", tapeID)
	return "sqlite:" + tapeID, nil
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

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE tape_id = ? AND id > ?", tapeID, bootstrapID); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM anchors WHERE tape_id = ? AND entry_id > ?", tapeID, bootstrapID); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.logger.Info("sqlite: tape reset", "tape", tapeID, "bootstrap", bootstrapID)
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
