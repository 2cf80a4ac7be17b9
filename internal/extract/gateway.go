// Package extract turns message bodies into candidate calendar occurrences.
package extract

import (
	"context"
	"errors"

	"mailcal/internal/models"
)

// ErrMalformedOutput means the extractor answered, but not with something we can use.
// It is a failure, distinct from an empty candidate list.
var ErrMalformedOutput = errors.New("malformed extraction output")

// Gateway proposes occurrences for a message. known is a sample of the current
// timeline the extractor may use to recognise revisions of existing events.
type Gateway interface {
	Extract(ctx context.Context, msg models.Message, known []models.Occurrence) ([]models.Candidate, error)
}

// Active drops cancelled candidates. Cancelled events are never reconciled.
func Active(cands []models.Candidate) []models.Candidate {
	out := make([]models.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Cancelled {
			continue
		}
		out = append(out, c)
	}
	return out
}
