package changelog

import (
	"fmt"

	"github.com/khanhvc/exercode/internal/domain"
)

// Reconstruct rebuilds the code text at the last revision of changes.
// changes must be an ascending, gap-free slice of one stream's tail starting
// at a checkpoint, exactly what LatestFullText + Since(checkpoint.Revision)
// return together.
func Reconstruct(checkpoint domain.Change, deltas []domain.Change) (string, error) {
	if checkpoint.Kind != domain.FullText {
		return "", fmt.Errorf("replay: checkpoint at rev %d is not a full-text change", checkpoint.Revision)
	}

	text := checkpoint.Text
	prev := checkpoint.Revision
	for _, c := range deltas {
		if c.Revision != prev+1 {
			return "", fmt.Errorf("replay: gap in stream: rev %d follows rev %d", c.Revision, prev)
		}

		var err error
		text, err = c.Apply(text)
		if err != nil {
			return "", fmt.Errorf("replay: %w", err)
		}
		prev = c.Revision
	}

	return text, nil
}
