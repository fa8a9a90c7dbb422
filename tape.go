package bub

import (
	"context"
	"encoding/json"
	"fmt"
)

// A tape is the append-only conversational log an agent session lives
// on: an ordered, gapless sequence of immutable entries. Tapes fork
// without copying — a child records its parent and split point and
// shares every entry up to the split. Anchors are the only stable
// cross-reference into a tape; navigation and reset address anchors,
// never raw entry ids.
//
// TapeStore implementations live under tape/: tape/file (newline-
// delimited JSON, the canonical on-disk format), tape/sqlite, and
// tape/postgres.

// Entry kinds.
const (
	KindMessage    = "message"
	KindToolCall   = "tool_call"
	KindToolResult = "tool_result"
	KindAnchor     = "anchor"
	KindEvent      = "event"
)

// BootstrapAnchor is the conventional name of the anchor a session's
// tape starts with.
const BootstrapAnchor = "session/start"

// Entry is one immutable record on a tape. Within a tape, ids are
// strictly increasing and gapless; the store stamps them on append.
type Entry struct {
	ID      int64             `json:"id"`
	Kind    string            `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// --- payload schemas, one per kind ---

// MessagePayload is the payload of a "message" entry: a standard
// message copied verbatim into the projection.
type MessagePayload = ChatMessage

// ToolCallPayload carries the call descriptors of one model turn.
type ToolCallPayload struct {
	Calls []ToolCall `json:"calls"`
}

// ToolResultPayload carries the result values paralleling, index for
// index, the calls of the preceding tool_call entry. Strings pass
// through to the projection; any other value is JSON-encoded.
type ToolResultPayload struct {
	Results []json.RawMessage `json:"results"`
}

// AnchorPayload names an anchor point recorded in the log itself.
type AnchorPayload struct {
	Name  string            `json:"name"`
	State map[string]string `json:"state,omitempty"`
}

// EventPayload is a structured runtime event (loop results, timeouts).
// Skipped by projection, retained in the log.
type EventPayload struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// --- entry constructors ---

func newEntry(kind string, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("tape: encode %s payload: %w", kind, err)
	}
	return Entry{Kind: kind, Payload: raw}, nil
}

// NewMessageEntry wraps a standard message as a tape entry.
func NewMessageEntry(msg ChatMessage) (Entry, error) {
	return newEntry(KindMessage, msg)
}

// NewToolCallEntry wraps one turn's call descriptors.
func NewToolCallEntry(calls []ToolCall) (Entry, error) {
	return newEntry(KindToolCall, ToolCallPayload{Calls: calls})
}

// NewToolResultEntry wraps one turn's result values. Strings are stored
// as JSON strings, everything else as its JSON encoding.
func NewToolResultEntry(results []any) (Entry, error) {
	p := ToolResultPayload{Results: make([]json.RawMessage, len(results))}
	for i, r := range results {
		raw, err := json.Marshal(r)
		if err != nil {
			return Entry{}, fmt.Errorf("tape: encode result %d: %w", i, err)
		}
		p.Results[i] = raw
	}
	return newEntry(KindToolResult, p)
}

// NewAnchorEntry records an anchor point in the log.
func NewAnchorEntry(name string, state map[string]string) (Entry, error) {
	return newEntry(KindAnchor, AnchorPayload{Name: name, State: state})
}

// NewEventEntry records a structured runtime event.
func NewEventEntry(name string, data map[string]any) (Entry, error) {
	return newEntry(KindEvent, EventPayload{Name: name, Data: data})
}

// --- registry types ---

// Anchor is a named pointer to a specific entry on a specific tape.
// Anchors are mutable; entries are not.
type Anchor struct {
	Name    string            `json:"name"`
	TapeID  string            `json:"tape_id"`
	EntryID int64             `json:"entry_id"`
	State   map[string]string `json:"state,omitempty"`
}

// TapeParent links a forked tape to its source and split point.
type TapeParent struct {
	SourceTapeID string `json:"source_tape_id"`
	SplitEntryID int64  `json:"split_entry_id"`
}

// TapeInfo is per-tape metadata held by the store's manifest.
type TapeInfo struct {
	TapeID   string      `json:"tape_id"`
	Title    string      `json:"title,omitempty"`
	Parent   *TapeParent `json:"parent,omitempty"`
	Archived bool        `json:"archived,omitempty"`
}

// ForkOpts selects the split point of a fork. At most one of FromEntry
// and FromAnchor may be set; both zero forks from the source's tail.
type ForkOpts struct {
	NewTapeID  string
	FromEntry  int64
	FromAnchor string
}

// --- errors ---

// ErrTapeNotFound reports an operation against an unknown tape id.
type ErrTapeNotFound struct {
	TapeID string
}

func (e *ErrTapeNotFound) Error() string {
	return TagTapeNotFound + ": " + e.TapeID
}

// ErrAnchorNotFound reports a lookup of an unknown anchor name.
type ErrAnchorNotFound struct {
	Name string
}

func (e *ErrAnchorNotFound) Error() string {
	return TagAnchorNotFound + ": " + e.Name
}

// --- the store contract ---

// TapeStore is append-only persistence for tapes, with fork, anchor,
// archive, and reset semantics. Implementations must keep ids strictly
// increasing and gapless per tape, never mutate a written entry, and
// return ranges in ascending id order.
type TapeStore interface {
	// CreateTape creates a new, empty tape. Empty id = generated.
	CreateTape(ctx context.Context, tapeID, title string) (string, error)

	// Append stamps e with the tape's next id and persists it.
	Append(ctx context.Context, tapeID string, e Entry) (Entry, error)

	// Read returns entries with fromID <= id < toID in ascending order.
	// fromID 0 means the beginning; toID 0 means the end.
	Read(ctx context.Context, tapeID string, fromID, toID int64) ([]Entry, error)

	// Fork creates a child tape sharing the source's entries up to the
	// split point. Appends to the child continue independently.
	Fork(ctx context.Context, sourceTapeID string, opts ForkOpts) (string, error)

	// CreateAnchor registers (or moves) a named anchor.
	CreateAnchor(ctx context.Context, name, tapeID string, entryID int64, state map[string]string) error

	// GetAnchor returns the anchor by name.
	GetAnchor(ctx context.Context, name string) (Anchor, error)

	// ListAnchors returns all anchors.
	ListAnchors(ctx context.Context) ([]Anchor, error)

	// ResolveAnchor returns the entry id an anchor points at.
	ResolveAnchor(ctx context.Context, name string) (int64, error)

	// DeleteAnchor removes an anchor by name.
	DeleteAnchor(ctx context.Context, name string) error

	// Tapes returns metadata for every active tape.
	Tapes(ctx context.Context) ([]TapeInfo, error)

	// Archive moves the tape out of the active set. The returned path
	// is implementation-specific and may be empty.
	Archive(ctx context.Context, tapeID string) (string, error)

	// Reset truncates entries strictly after the tape's bootstrap
	// anchor entry (the first anchor-kind entry on the tape).
	Reset(ctx context.Context, tapeID string) error

	// Close releases store resources.
	Close() error
}

// ResolveFork validates fork options against the source tail and the
// anchor registry, returning the split entry id. Shared by all store
// implementations.
func ResolveFork(ctx context.Context, s TapeStore, sourceTapeID string, opts ForkOpts, tail int64) (int64, error) {
	if opts.FromEntry != 0 && opts.FromAnchor != "" {
		return 0, fmt.Errorf("tape: fork: at most one of FromEntry and FromAnchor may be set")
	}
	switch {
	case opts.FromAnchor != "":
		a, err := s.GetAnchor(ctx, opts.FromAnchor)
		if err != nil {
			return 0, err
		}
		if a.TapeID != sourceTapeID {
			return 0, fmt.Errorf("tape: fork: anchor %s points at tape %s, not %s", opts.FromAnchor, a.TapeID, sourceTapeID)
		}
		return a.EntryID, nil
	case opts.FromEntry != 0:
		if opts.FromEntry > tail {
			return 0, fmt.Errorf("tape: fork: entry %d beyond tail %d", opts.FromEntry, tail)
		}
		return opts.FromEntry, nil
	default:
		return tail, nil
	}
}
