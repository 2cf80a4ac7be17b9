package models

import (
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxSummaryLen is the longest summary, in characters, the store columns hold
const MaxSummaryLen = 512

// uidNamespace scopes the name-based UUIDs handed to the remote calendar
var uidNamespace = uuid.MustParse("6f2c6a3e-2d7b-5a43-9c0e-3b1f8f6d4a10")

// Occurrence is one calendar event in the reconciled timeline
type Occurrence struct {
	ID                int64      `json:"id"`
	UID               string     `json:"uid"` // Calendar object UID, derived from the triple
	Start             time.Time  `json:"start"`
	End               time.Time  `json:"end"`
	AllDay            bool       `json:"all_day"`
	Summary           string     `json:"summary"`
	SummaryKey        string     `json:"-"`
	MessageID         *string    `json:"message_id,omitempty"` // Weak reference, no FK
	OriginDeliveredAt *time.Time `json:"origin_delivered_at,omitempty"`
	Synced            bool       `json:"synced"`
}

// Candidate is an occurrence proposed by the extraction gateway, not yet reconciled
type Candidate struct {
	Start     time.Time
	End       time.Time
	AllDay    bool
	Summary   string
	MatchedID *int64 // Existing occurrence the extractor believes this revises (advisory)
	Cancelled bool
}

// Triple returns the canonical identity of the candidate, truncated to store resolution
func (c Candidate) Triple() (time.Time, time.Time, string) {
	return c.Start.UTC().Truncate(time.Second), c.End.UTC().Truncate(time.Second), c.Summary
}

// OccurrenceUID derives the calendar object UID for a (start, end, summary) triple.
// Equal triples always yield the same UID so pushes are idempotent.
func OccurrenceUID(start, end time.Time, summary string) string {
	name := strconv.FormatInt(start.Unix(), 10) + "|" + strconv.FormatInt(end.Unix(), 10) + "|" + summary
	return uuid.NewSHA1(uidNamespace, []byte(name)).String()
}

// ClampSummary cuts s to at most MaxSummaryLen characters
func ClampSummary(s string) string {
	if utf8.RuneCountInString(s) <= MaxSummaryLen {
		return s
	}
	return string([]rune(s)[:MaxSummaryLen])
}

// Tombstone is a queued remote deletion for a superseded, already-synced occurrence
type Tombstone struct {
	UID       string    `json:"uid"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}
