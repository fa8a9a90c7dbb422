// Package file implements bub.TapeStore on newline-delimited JSON files.
//
// Each tape is one append-only file of serialized entries, one JSON
// document per line. A manifest.json beside the tapes maps tape ids to
// files and parent links, and anchor names to (tape, entry) pairs.
// Forks never copy entries: the child's file holds only its divergent
// suffix and reads stitch the parent chain back together.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	bub "github.com/bublab/bub"
)

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements bub.TapeStore under a home directory
// (conventionally ~/.bub).
type Store struct {
	home   string
	logger *slog.Logger

	mu       sync.Mutex
	manifest manifest
	tails    map[string]int64 // cached per-tape tail id
}

type manifest struct {
	Tapes   map[string]bub.TapeInfo `json:"tapes"`
	Anchors map[string]bub.Anchor   `json:"anchors"`
}

var _ bub.TapeStore = (*Store)(nil)

// New opens (or creates) a file store rooted at home.
func New(home string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		home:   home,
		logger: bub.NopLogger(),
		tails:  make(map[string]int64),
		manifest: manifest{
			Tapes:   make(map[string]bub.TapeInfo),
			Anchors: make(map[string]bub.Anchor),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.tapesDir(), s.archiveDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tape/file: mkdir %s: %w", dir, err)
		}
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) tapesDir() string    { return filepath.Join(s.home, "tapes") }
func (s *Store) archiveDir() string  { return filepath.Join(s.home, "archive") }
func (s *Store) manifestPath() string { return filepath.Join(s.home, "manifest.json") }

func (s *Store) tapeFile(tapeID string) string {
	return filepath.Join(s.tapesDir(), tapeID+".ndjson")
}

// loadManifest reads manifest.json if present. A fresh home starts
// with an empty registry.
func (s *Store) loadManifest() error {
	data, err := os.ReadFile(s.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tape/file: read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.manifest); err != nil {
		return fmt.Errorf("tape/file: parse manifest: %w", err)
	}
	if s.manifest.Tapes == nil {
		s.manifest.Tapes = make(map[string]bub.TapeInfo)
	}
	if s.manifest.Anchors == nil {
		s.manifest.Anchors = make(map[string]bub.Anchor)
	}
	return nil
}

// saveManifestLocked persists the registry atomically (temp + rename).
// Caller holds s.mu.
func (s *Store) saveManifestLocked() error {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("tape/file: encode manifest: %w", err)
	}
	tmp := s.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("tape/file: write manifest: %w", err)
	}
	return os.Rename(tmp, s.manifestPath())
}

// CreateTape creates a new, empty tape. Empty id = generated.
func (s *Store) CreateTape(_ context.Context, tapeID, title string) (string, error) {
	if tapeID == "" {
		tapeID = bub.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifest.Tapes[tapeID]; ok {
		return "", fmt.Errorf("tape/file: tape %s already exists", tapeID)
	}
	s.manifest.Tapes[tapeID] = bub.TapeInfo{TapeID: tapeID, Title: title}
	if err := s.saveManifestLocked(); err != nil {
		return "", err
	}
	s.logger.Debug("tape created", "tape", tapeID, "title", title)
	return tapeID, nil
}

// activeLocked returns the info for a live (non-archived) tape.
func (s *Store) activeLocked(tapeID string) (bub.TapeInfo, error) {
	info, ok := s.manifest.Tapes[tapeID]
	if !ok || info.Archived {
		return bub.TapeInfo{}, &bub.ErrTapeNotFound{TapeID: tapeID}
	}
	return info, nil
}

// tailLocked returns the highest entry id visible on a tape, following
// the parent chain when the tape's own file is empty.
func (s *Store) tailLocked(tapeID string) (int64, error) {
	if t, ok := s.tails[tapeID]; ok {
		return t, nil
	}
	info, err := s.activeLocked(tapeID)
	if err != nil {
		return 0, err
	}

	tail := int64(0)
	if info.Parent != nil {
		tail = info.Parent.SplitEntryID
	}
	entries, err := readFile(s.tapeFile(tapeID))
	if err != nil {
		return 0, err
	}
	if n := len(entries); n > 0 {
		tail = entries[n-1].ID
	}
	s.tails[tapeID] = tail
	return tail, nil
}

// Append stamps e with the next id and writes one NDJSON line.
func (s *Store) Append(_ context.Context, tapeID string, e bub.Entry) (bub.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail, err := s.tailLocked(tapeID)
	if err != nil {
		return bub.Entry{}, err
	}
	e.ID = tail + 1

	line, err := json.Marshal(e)
	if err != nil {
		return bub.Entry{}, fmt.Errorf("tape/file: encode entry: %w", err)
	}

	f, err := os.OpenFile(s.tapeFile(tapeID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return bub.Entry{}, fmt.Errorf("tape/file: open %s: %w", tapeID, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return bub.Entry{}, fmt.Errorf("tape/file: append %s: %w", tapeID, err)
	}

	s.tails[tapeID] = e.ID
	s.logger.Debug("entry appended", "tape", tapeID, "id", e.ID, "kind", e.Kind)
	return e, nil
}

// Read returns entries with fromID <= id < toID in ascending order,
// stitching shared parent segments in front of the tape's own suffix.
func (s *Store) Read(ctx context.Context, tapeID string, fromID, toID int64) ([]bub.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(tapeID, fromID, toID)
}

func (s *Store) readLocked(tapeID string, fromID, toID int64) ([]bub.Entry, error) {
	all, err := s.chainLocked(tapeID)
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

// chainLocked returns every entry visible on a tape: the parent chain
// up to each split point, then the tape's own file.
func (s *Store) chainLocked(tapeID string) ([]bub.Entry, error) {
	info, err := s.activeLocked(tapeID)
	if err != nil {
		return nil, err
	}

	var prefix []bub.Entry
	if info.Parent != nil {
		parentAll, err := s.chainArchivedOKLocked(info.Parent.SourceTapeID)
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

	own, err := readFile(s.tapeFile(tapeID))
	if err != nil {
		return nil, err
	}
	return append(prefix, own...), nil
}

// chainArchivedOKLocked is chainLocked but tolerates archived sources:
// a child keeps its shared history even after the parent is archived.
func (s *Store) chainArchivedOKLocked(tapeID string) ([]bub.Entry, error) {
	info, ok := s.manifest.Tapes[tapeID]
	if !ok {
		return nil, &bub.ErrTapeNotFound{TapeID: tapeID}
	}

	var prefix []bub.Entry
	if info.Parent != nil {
		parentAll, err := s.chainArchivedOKLocked(info.Parent.SourceTapeID)
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

	path := s.tapeFile(tapeID)
	if info.Archived {
		path = filepath.Join(s.archiveDir(), tapeID+".ndjson")
	}
	own, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return append(prefix, own...), nil
}

// Fork creates a child tape sharing the source's entries up to the
// split point. The child's file starts empty; ids continue from the
// split.
func (s *Store) Fork(ctx context.Context, sourceTapeID string, opts bub.ForkOpts) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.activeLocked(sourceTapeID); err != nil {
		return "", err
	}
	tail, err := s.tailLocked(sourceTapeID)
	if err != nil {
		return "", err
	}
	split, err := s.resolveForkLocked(sourceTapeID, opts, tail)
	if err != nil {
		return "", err
	}

	newID := opts.NewTapeID
	if newID == "" {
		newID = bub.NewID()
	}
	if _, ok := s.manifest.Tapes[newID]; ok {
		return "", fmt.Errorf("tape/file: tape %s already exists", newID)
	}

	s.manifest.Tapes[newID] = bub.TapeInfo{
		TapeID: newID,
		Parent: &bub.TapeParent{SourceTapeID: sourceTapeID, SplitEntryID: split},
	}
	if err := s.saveManifestLocked(); err != nil {
		return "", err
	}
	s.tails[newID] = split
	s.logger.Debug("tape forked", "source", sourceTapeID, "child", newID, "split", split)
	return newID, nil
}

// resolveForkLocked mirrors bub.ResolveFork without re-entering the
// store's lock for the anchor lookup.
func (s *Store) resolveForkLocked(sourceTapeID string, opts bub.ForkOpts, tail int64) (int64, error) {
	if opts.FromEntry != 0 && opts.FromAnchor != "" {
		return 0, fmt.Errorf("tape/file: fork: at most one of FromEntry and FromAnchor may be set")
	}
	switch {
	case opts.FromAnchor != "":
		a, ok := s.manifest.Anchors[opts.FromAnchor]
		if !ok {
			return 0, &bub.ErrAnchorNotFound{Name: opts.FromAnchor}
		}
		if a.TapeID != sourceTapeID {
			return 0, fmt.Errorf("tape/file: fork: anchor %s points at tape %s, not %s", opts.FromAnchor, a.TapeID, sourceTapeID)
		}
		return a.EntryID, nil
	case opts.FromEntry != 0:
		if opts.FromEntry > tail {
			return 0, fmt.Errorf("tape/file: fork: entry %d beyond tail %d", opts.FromEntry, tail)
		}
		return opts.FromEntry, nil
	default:
		return tail, nil
	}
}

// CreateAnchor registers (or moves) a named anchor.
func (s *Store) CreateAnchor(_ context.Context, name, tapeID string, entryID int64, state map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.activeLocked(tapeID); err != nil {
		return err
	}
	s.manifest.Anchors[name] = bub.Anchor{Name: name, TapeID: tapeID, EntryID: entryID, State: state}
	return s.saveManifestLocked()
}

// GetAnchor returns the anchor by name.
func (s *Store) GetAnchor(_ context.Context, name string) (bub.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.manifest.Anchors[name]
	if !ok {
		return bub.Anchor{}, &bub.ErrAnchorNotFound{Name: name}
	}
	return a, nil
}

// ListAnchors returns all anchors.
func (s *Store) ListAnchors(context.Context) ([]bub.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bub.Anchor, 0, len(s.manifest.Anchors))
	for _, a := range s.manifest.Anchors {
		out = append(out, a)
	}
	return out, nil
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
func (s *Store) DeleteAnchor(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifest.Anchors[name]; !ok {
		return &bub.ErrAnchorNotFound{Name: name}
	}
	delete(s.manifest.Anchors, name)
	return s.saveManifestLocked()
}

// Tapes returns metadata for every active tape.
func (s *Store) Tapes(context.Context) ([]bub.TapeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bub.TapeInfo, 0, len(s.manifest.Tapes))
	for _, info := range s.manifest.Tapes {
		if !info.Archived {
			out = append(out, info)
		}
	}
	return out, nil
}

// Archive moves the tape's file into the archive directory and drops
// the tape from the active set. Anchors into it are removed.
func (s *Store) Archive(_ context.Context, tapeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.activeLocked(tapeID)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(s.archiveDir(), tapeID+".ndjson")
	src := s.tapeFile(tapeID)
	if _, err := os.Stat(src); err == nil {
		if err := os.Rename(src, dst); err != nil {
			return "", fmt.Errorf("tape/file: archive %s: %w", tapeID, err)
		}
	} else {
		dst = "" // tape never took an append; nothing to move
	}

	info.Archived = true
	s.manifest.Tapes[tapeID] = info
	for name, a := range s.manifest.Anchors {
		if a.TapeID == tapeID {
			delete(s.manifest.Anchors, name)
		}
	}
	delete(s.tails, tapeID)
	if err := s.saveManifestLocked(); err != nil {
		return "", err
	}
	s.logger.Info("tape archived", "tape", tapeID, "path", dst)
	return dst, nil
}

// Reset truncates entries strictly after the tape's bootstrap anchor
// entry (the first anchor-kind entry on the tape). Anchors pointing
// past the truncation point are dropped; the bootstrap anchor keeps
// its registry entry.
func (s *Store) Reset(_ context.Context, tapeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.activeLocked(tapeID)
	if err != nil {
		return err
	}

	all, err := s.chainLocked(tapeID)
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

	// Rewrite the tape's own file with the retained suffix (entries the
	// parent holds are untouched by construction).
	parentSplit := int64(0)
	if info.Parent != nil {
		parentSplit = info.Parent.SplitEntryID
	}
	var buf []byte
	for _, e := range all {
		if e.ID <= parentSplit || e.ID > bootstrapID {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("tape/file: encode entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	tmp := s.tapeFile(tapeID) + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("tape/file: reset %s: %w", tapeID, err)
	}
	if err := os.Rename(tmp, s.tapeFile(tapeID)); err != nil {
		return fmt.Errorf("tape/file: reset %s: %w", tapeID, err)
	}

	for name, a := range s.manifest.Anchors {
		if a.TapeID == tapeID && a.EntryID > bootstrapID {
			delete(s.manifest.Anchors, name)
		}
	}
	s.tails[tapeID] = max(bootstrapID, parentSplit)
	s.logger.Info("tape reset", "tape", tapeID, "bootstrap", bootstrapID)
	return s.saveManifestLocked()
}

// Close is a no-op for the file store.
func (s *Store) Close() error { return nil }

// readFile parses one NDJSON tape file. A missing file is an empty
// tape.
func readFile(path string) ([]bub.Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tape/file: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []bub.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e bub.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("tape/file: corrupt line in %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tape/file: scan %s: %w", path, err)
	}
	return entries, nil
}
