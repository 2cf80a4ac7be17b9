package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailcal/internal/models"
)

type messageRow struct {
	ID          string `db:"id"`
	Subject     string `db:"subject"`
	Sender      string `db:"sender"`
	DeliveredAt int64  `db:"delivered_at"`
	RetrievedAt int64  `db:"retrieved_at"`
	Body        string `db:"body"`
	ContentKind string `db:"content_kind"`
	Status      string `db:"status"`
}

func (r messageRow) toModel() models.Message {
	return models.Message{
		ID:          r.ID,
		Subject:     r.Subject,
		Sender:      r.Sender,
		DeliveredAt: fromUnix(r.DeliveredAt),
		RetrievedAt: fromUnix(r.RetrievedAt),
		Body:        r.Body,
		ContentKind: models.ContentKind(r.ContentKind),
		Status:      models.MessageStatus(r.Status),
	}
}

// Watermark returns the latest delivery timestamp among stored messages, or nil when none are stored
func Watermark(ctx context.Context, q Queryer) (*time.Time, error) {
	var latest sql.NullInt64
	if err := q.QueryRowxContext(ctx, "SELECT MAX(delivered_at) FROM messages").Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	w := fromUnix(latest.Int64)
	return &w, nil
}

// SaveMessage records a message. Writing an already-stored id only refreshes retrieved_at;
// body and delivery timestamp are never rewritten.
func SaveMessage(ctx context.Context, q Queryer, msg models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	status := msg.Status
	if status == "" {
		status = models.StatusProcessed
	}
	kind := msg.ContentKind
	if kind == "" {
		kind = models.ContentPlain
	}
	retrieved := msg.RetrievedAt
	if retrieved.IsZero() {
		retrieved = time.Now()
	}

	query := `INSERT INTO messages (id, subject, sender, delivered_at, retrieved_at, body, content_kind, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if q.DriverName() == DriverMySQL {
		query += ` ON DUPLICATE KEY UPDATE retrieved_at = VALUES(retrieved_at)`
	} else {
		query += ` ON CONFLICT (id) DO UPDATE SET retrieved_at = excluded.retrieved_at`
	}

	_, err := q.ExecContext(ctx, q.Rebind(query),
		msg.ID, msg.Subject, msg.Sender, toUnix(msg.DeliveredAt), toUnix(retrieved),
		msg.Body, string(kind), string(status))
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage loads one stored message by id
func GetMessage(ctx context.Context, q Queryer, id string) (*models.Message, error) {
	var row messageRow
	err := q.QueryRowxContext(ctx, q.Rebind(`SELECT id, subject, sender, delivered_at, retrieved_at, body, content_kind, status
		FROM messages WHERE id = ?`), id).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	msg := row.toModel()
	return &msg, nil
}

// CountMessages counts stored messages, optionally restricted to one status
func CountMessages(ctx context.Context, q Queryer, status models.MessageStatus) (int, error) {
	var count int
	var err error
	if status == "" {
		err = q.QueryRowxContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count)
	} else {
		err = q.QueryRowxContext(ctx, q.Rebind("SELECT COUNT(*) FROM messages WHERE status = ?"), string(status)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// RecordFailure bumps the failure counter for a message and returns the new attempt count
func RecordFailure(ctx context.Context, q Queryer, msg models.Message, reason string, at time.Time) (int, error) {
	query := `INSERT INTO message_failures (message_id, delivered_at, attempts, last_error, updated_at) VALUES (?, ?, 1, ?, ?)`
	if q.DriverName() == DriverMySQL {
		query += ` ON DUPLICATE KEY UPDATE attempts = attempts + 1, last_error = VALUES(last_error), updated_at = VALUES(updated_at)`
	} else {
		query += ` ON CONFLICT (message_id) DO UPDATE SET attempts = message_failures.attempts + 1,
			last_error = excluded.last_error, updated_at = excluded.updated_at`
	}

	if _, err := q.ExecContext(ctx, q.Rebind(query), msg.ID, toUnix(msg.DeliveredAt), reason, toUnix(at)); err != nil {
		return 0, fmt.Errorf("failed to record failure for %s: %w", msg.ID, err)
	}

	var attempts int
	if err := q.QueryRowxContext(ctx, q.Rebind("SELECT attempts FROM message_failures WHERE message_id = ?"), msg.ID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read failure count for %s: %w", msg.ID, err)
	}
	return attempts, nil
}

// ClearFailure forgets the failure history of a message once it has been stored
func ClearFailure(ctx context.Context, q Queryer, messageID string) error {
	if _, err := q.ExecContext(ctx, q.Rebind("DELETE FROM message_failures WHERE message_id = ?"), messageID); err != nil {
		return fmt.Errorf("failed to clear failure for %s: %w", messageID, err)
	}
	return nil
}

type failureRow struct {
	MessageID   string `db:"message_id"`
	DeliveredAt int64  `db:"delivered_at"`
	Attempts    int    `db:"attempts"`
	LastError   string `db:"last_error"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r failureRow) toModel() models.MessageFailure {
	return models.MessageFailure{
		MessageID:   r.MessageID,
		DeliveredAt: fromUnix(r.DeliveredAt),
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		UpdatedAt:   fromUnix(r.UpdatedAt),
	}
}

const failureColumns = `message_id, delivered_at, attempts, last_error, updated_at`

// GetFailure returns the failure record for a message
func GetFailure(ctx context.Context, q Queryer, messageID string) (*models.MessageFailure, error) {
	var row failureRow
	err := q.QueryRowxContext(ctx, q.Rebind(`SELECT `+failureColumns+`
		FROM message_failures WHERE message_id = ?`), messageID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load failure for %s: %w", messageID, err)
	}
	failure := row.toModel()
	return &failure, nil
}

// ListFailures returns the messages waiting for a retry, oldest delivery first
func ListFailures(ctx context.Context, q Queryer) ([]models.MessageFailure, error) {
	var rows []failureRow
	if err := sqlxSelect(ctx, q, &rows, `SELECT `+failureColumns+`
		FROM message_failures ORDER BY delivered_at, message_id`); err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	failures := make([]models.MessageFailure, len(rows))
	for i, r := range rows {
		failures[i] = r.toModel()
	}
	return failures, nil
}

// CountFailures counts messages that failed at least once and are not yet stored
func CountFailures(ctx context.Context, q Queryer) (int, error) {
	var count int
	if err := q.QueryRowxContext(ctx, "SELECT COUNT(*) FROM message_failures").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}
