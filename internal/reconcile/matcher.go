package reconcile

import (
	"fmt"
	"strings"

	"mailcal/internal/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Matcher decides which stored occurrences describe the same logical event as a
// candidate. Two summaries belong to the same event iff their keys are equal.
type Matcher interface {
	Key(summary string) string
	Name() string
}

// ExactMatcher keys on the summary verbatim
type ExactMatcher struct{}

func (ExactMatcher) Key(summary string) string { return summary }
func (ExactMatcher) Name() string              { return "exact" }

// FoldedMatcher ignores case, Unicode composition and runs of whitespace
type FoldedMatcher struct{}

func (FoldedMatcher) Key(summary string) string {
	folded := cases.Fold().String(norm.NFC.String(summary))
	return models.ClampSummary(strings.Join(strings.Fields(folded), " "))
}

func (FoldedMatcher) Name() string { return "folded" }

// NewMatcher returns the matcher for a MATCH_POLICY value
func NewMatcher(policy string) (Matcher, error) {
	switch policy {
	case "", "exact":
		return ExactMatcher{}, nil
	case "folded":
		return FoldedMatcher{}, nil
	}
	return nil, fmt.Errorf("unknown match policy %q", policy)
}
