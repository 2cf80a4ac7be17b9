package models

import "time"

// ContentKind records whether a message body arrived as plain text or rich markup
type ContentKind string

const (
	ContentPlain ContentKind = "plain"
	ContentRich  ContentKind = "rich"
)

// MessageStatus is the terminal state a stored message was recorded with
type MessageStatus string

const (
	StatusProcessed  MessageStatus = "processed"
	StatusDeadLetter MessageStatus = "dead_letter" // Gave up after MAX_ATTEMPTS failures
)

// Message represents an inbound email that has been (or is about to be) folded into the timeline
type Message struct {
	ID          string        `json:"id"` // Source-assigned, stable across fetches
	Subject     string        `json:"subject"`
	Sender      string        `json:"sender"`
	DeliveredAt time.Time     `json:"delivered_at"` // Authoritative ordering key
	RetrievedAt time.Time     `json:"retrieved_at"` // Refreshed on every write
	Body        string        `json:"body"`         // Plain text, normalized before extraction
	ContentKind ContentKind   `json:"content_kind"`
	Status      MessageStatus `json:"status"`
}

// MessageFailure tracks how often a message failed processing
type MessageFailure struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"` // Lets the cursor reach back for it
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error"`
	UpdatedAt   time.Time `json:"updated_at"`
}
