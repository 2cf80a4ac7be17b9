// Package mail retrieves inbound messages for the pipeline.
//
// Two sources are provided: Gmail through the REST API and a directory of
// .eml files. Both apply the sender/subject filters, normalize rich bodies to
// plain text and return messages in non-decreasing delivery order.
package mail

import (
	"context"
	"sort"
	"strings"
	"time"

	"mailcal/internal/models"
)

// Source fetches messages delivered at or after since. A nil since means everything retrievable.
type Source interface {
	FetchSince(ctx context.Context, since *time.Time) ([]models.Message, error)
}

// Filter restricts which messages a source returns. Empty fields match everything.
type Filter struct {
	From    string // Substring of the sender, case-insensitive
	Subject string // Substring of the subject, case-insensitive
}

// Match reports whether a message with this sender and subject passes the filter
func (f Filter) Match(sender, subject string) bool {
	if f.From != "" && !strings.Contains(strings.ToLower(sender), strings.ToLower(f.From)) {
		return false
	}
	if f.Subject != "" && !strings.Contains(strings.ToLower(subject), strings.ToLower(f.Subject)) {
		return false
	}
	return true
}

// SortByDelivery orders messages by delivery time, keeping the relative order of ties
func SortByDelivery(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].DeliveredAt.Before(msgs[j].DeliveredAt)
	})
}

// normalizeBody turns a rich body into plain text, falling back to tag stripping
// when the configured normalizer fails
func normalizeBody(ctx context.Context, n Normalizer, body string, kind models.ContentKind) (string, error) {
	if kind != models.ContentRich {
		return strings.TrimSpace(body), nil
	}
	if n == nil {
		n = StripNormalizer{}
	}
	text, err := n.Normalize(ctx, body)
	if err != nil {
		return StripHTML(body), err
	}
	return text, nil
}
