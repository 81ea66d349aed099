package domain

import (
	"fmt"
	"time"
)

type ChangeKind string

const (
	// FullText carries the complete code text and acts as a replay checkpoint.
	FullText ChangeKind = "full_text"
	// Delta carries an incremental edit relative to the previous revision.
	Delta ChangeKind = "delta"
)

// Change is one edit event in a (user, problem) stream. Changes are appended
// once and immutable afterwards; revisions within a stream are strictly
// increasing starting at 0.
type Change struct {
	// EventID is assigned by the store at append time, monotonic across all streams.
	EventID   int64
	UserID    int64
	ProblemID int64
	Revision  int64
	Kind      ChangeKind

	// Full text payload, set when Kind == FullText.
	Text string

	// Delta payload, set when Kind == Delta: at rune offset Position,
	// Deleted is removed and Inserted is put in its place.
	Position int
	Deleted  string
	Inserted string

	Timestamp time.Time
}

// Apply produces the text after this change. For a FullText change the prior
// text is discarded. For a Delta change the deleted region is verified against
// the current text, so a stream corrupted by a lost change fails loudly
// instead of producing silently wrong code.
func (c Change) Apply(text string) (string, error) {
	if c.Kind == FullText {
		return c.Text, nil
	}

	r := []rune(text)
	end := c.Position + len([]rune(c.Deleted))
	if c.Position < 0 || end > len(r) {
		return "", fmt.Errorf("delta rev %d: position %d out of range for text of %d runes", c.Revision, c.Position, len(r))
	}
	if got := string(r[c.Position:end]); got != c.Deleted {
		return "", fmt.Errorf("delta rev %d: deleted text mismatch at position %d: want %q, have %q", c.Revision, c.Position, c.Deleted, got)
	}

	return string(r[:c.Position]) + c.Inserted + string(r[end:]), nil
}
