package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailcal/internal/models"
)

const occurrenceColumns = `o.id, o.uid, o.start_at, o.end_at, o.all_day, o.summary, o.summary_key,
	o.message_id, o.origin_delivered_at, o.synced`

type occurrenceRow struct {
	ID                int64          `db:"id"`
	UID               string         `db:"uid"`
	StartAt           int64          `db:"start_at"`
	EndAt             int64          `db:"end_at"`
	AllDay            bool           `db:"all_day"`
	Summary           string         `db:"summary"`
	SummaryKey        string         `db:"summary_key"`
	MessageID         sql.NullString `db:"message_id"`
	OriginDeliveredAt sql.NullInt64  `db:"origin_delivered_at"`
	Synced            bool           `db:"synced"`
}

func (r occurrenceRow) toModel() models.Occurrence {
	occ := models.Occurrence{
		ID:         r.ID,
		UID:        r.UID,
		Start:      fromUnix(r.StartAt),
		End:        fromUnix(r.EndAt),
		AllDay:     r.AllDay,
		Summary:    r.Summary,
		SummaryKey: r.SummaryKey,
		Synced:     r.Synced,
	}
	if r.MessageID.Valid {
		id := r.MessageID.String
		occ.MessageID = &id
	}
	if r.OriginDeliveredAt.Valid {
		at := fromUnix(r.OriginDeliveredAt.Int64)
		occ.OriginDeliveredAt = &at
	}
	return occ
}

// Revision is a stored occurrence together with the delivery timestamp of the message it came from
type Revision struct {
	Occurrence models.Occurrence
	Origin     *time.Time // nil when neither the row nor a stored message can tell
}

// FindExact returns the occurrence with exactly this (start, end, summary) triple, or nil
func FindExact(ctx context.Context, q Queryer, start, end time.Time, summary string) (*models.Occurrence, error) {
	var row occurrenceRow
	err := q.QueryRowxContext(ctx, q.Rebind(`SELECT `+occurrenceColumns+`
		FROM occurrences o WHERE o.start_at = ? AND o.end_at = ? AND o.summary = ?`),
		toUnix(start), toUnix(end), summary).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up occurrence: %w", err)
	}
	occ := row.toModel()
	return &occ, nil
}

// GetOccurrence loads one occurrence by id
func GetOccurrence(ctx context.Context, q Queryer, id int64) (*models.Occurrence, error) {
	var row occurrenceRow
	err := q.QueryRowxContext(ctx, q.Rebind(`SELECT `+occurrenceColumns+` FROM occurrences o WHERE o.id = ?`), id).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load occurrence %d: %w", id, err)
	}
	occ := row.toModel()
	return &occ, nil
}

// InsertOccurrence stores a new occurrence and fills in its id
func InsertOccurrence(ctx context.Context, q Queryer, occ *models.Occurrence) error {
	var messageID sql.NullString
	if occ.MessageID != nil {
		messageID = sql.NullString{String: *occ.MessageID, Valid: true}
	}
	var origin sql.NullInt64
	if occ.OriginDeliveredAt != nil {
		origin = sql.NullInt64{Int64: toUnix(*occ.OriginDeliveredAt), Valid: true}
	}

	id, err := insertReturningID(ctx, q, `INSERT INTO occurrences
		(uid, start_at, end_at, all_day, summary, summary_key, message_id, origin_delivered_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		occ.UID, toUnix(occ.Start), toUnix(occ.End), occ.AllDay, occ.Summary, occ.SummaryKey,
		messageID, origin, occ.Synced)
	if err != nil {
		return fmt.Errorf("failed to insert occurrence %q: %w", occ.Summary, err)
	}
	occ.ID = id
	return nil
}

// AttachMessage sets the originating message of an occurrence that has none yet
func AttachMessage(ctx context.Context, q Queryer, id int64, messageID string, origin time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`UPDATE occurrences SET message_id = ?, origin_delivered_at = ?
		WHERE id = ? AND message_id IS NULL`), messageID, toUnix(origin), id)
	if err != nil {
		return false, fmt.Errorf("failed to attach message to occurrence %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to attach message to occurrence %d: %w", id, err)
	}
	return n > 0, nil
}

// DeleteOccurrence removes an occurrence
func DeleteOccurrence(ctx context.Context, q Queryer, id int64) error {
	if _, err := q.ExecContext(ctx, q.Rebind("DELETE FROM occurrences WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete occurrence %d: %w", id, err)
	}
	return nil
}

// ListRevisions returns every stored occurrence sharing a summary key, each with its
// origin delivery timestamp: the row's own, else the referenced message's
func ListRevisions(ctx context.Context, q Queryer, summaryKey string) ([]Revision, error) {
	var rows []struct {
		occurrenceRow
		Resolved sql.NullInt64 `db:"resolved_delivered_at"`
	}
	err := sqlxSelect(ctx, q, &rows, `SELECT `+occurrenceColumns+`,
		COALESCE(o.origin_delivered_at, m.delivered_at) AS resolved_delivered_at
		FROM occurrences o LEFT JOIN messages m ON m.id = o.message_id
		WHERE o.summary_key = ? ORDER BY o.id`, summaryKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions of %q: %w", summaryKey, err)
	}

	revisions := make([]Revision, 0, len(rows))
	for _, row := range rows {
		rev := Revision{Occurrence: row.occurrenceRow.toModel()}
		if row.Resolved.Valid {
			at := fromUnix(row.Resolved.Int64)
			rev.Origin = &at
		}
		revisions = append(revisions, rev)
	}
	return revisions, nil
}

// RekeyOccurrences recomputes summary_key for every stored occurrence with key and
// updates the rows whose key changed. It returns how many rows were updated.
func RekeyOccurrences(ctx context.Context, q Queryer, key func(summary string) string) (int, error) {
	var rows []struct {
		ID         int64  `db:"id"`
		Summary    string `db:"summary"`
		SummaryKey string `db:"summary_key"`
	}
	if err := sqlxSelect(ctx, q, &rows, `SELECT id, summary, summary_key FROM occurrences ORDER BY id`); err != nil {
		return 0, fmt.Errorf("failed to list summary keys: %w", err)
	}

	updated := 0
	for _, row := range rows {
		want := key(row.Summary)
		if want == row.SummaryKey {
			continue
		}
		if _, err := q.ExecContext(ctx, q.Rebind("UPDATE occurrences SET summary_key = ? WHERE id = ?"), want, row.ID); err != nil {
			return updated, fmt.Errorf("failed to rekey occurrence %d: %w", row.ID, err)
		}
		updated++
	}
	return updated, nil
}

// ListUnsynced returns every occurrence not yet mirrored to the calendar
func ListUnsynced(ctx context.Context, q Queryer) ([]models.Occurrence, error) {
	return listOccurrences(ctx, q, `SELECT `+occurrenceColumns+` FROM occurrences o
		WHERE o.synced = ? ORDER BY o.start_at, o.id`, false)
}

// ListUnsyncedForMessage returns the unsynced occurrences that came from one message
func ListUnsyncedForMessage(ctx context.Context, q Queryer, messageID string) ([]models.Occurrence, error) {
	return listOccurrences(ctx, q, `SELECT `+occurrenceColumns+` FROM occurrences o
		WHERE o.synced = ? AND o.message_id = ? ORDER BY o.start_at, o.id`, false, messageID)
}

// ListOccurrences returns the timeline ordered by start; limit <= 0 returns everything
func ListOccurrences(ctx context.Context, q Queryer, limit int) ([]models.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + ` FROM occurrences o ORDER BY o.start_at, o.id`
	if limit > 0 {
		return listOccurrences(ctx, q, query+` LIMIT ?`, limit)
	}
	return listOccurrences(ctx, q, query)
}

// ListRecentOccurrences returns the most recently created occurrences, newest first
func ListRecentOccurrences(ctx context.Context, q Queryer, limit int) ([]models.Occurrence, error) {
	return listOccurrences(ctx, q, `SELECT `+occurrenceColumns+` FROM occurrences o ORDER BY o.id DESC LIMIT ?`, limit)
}

// MarkSynced flips synced from false to true. It never flips it back, and reports
// whether this call made the change.
func MarkSynced(ctx context.Context, q Queryer, id int64) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind("UPDATE occurrences SET synced = ? WHERE id = ? AND synced = ?"), true, id, false)
	if err != nil {
		return false, fmt.Errorf("failed to mark occurrence %d synced: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark occurrence %d synced: %w", id, err)
	}
	return n > 0, nil
}

// CountOccurrences returns the total number of occurrences and how many are unsynced
func CountOccurrences(ctx context.Context, q Queryer) (total, unsynced int, err error) {
	if err := q.QueryRowxContext(ctx, "SELECT COUNT(*) FROM occurrences").Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	if err := q.QueryRowxContext(ctx, q.Rebind("SELECT COUNT(*) FROM occurrences WHERE synced = ?"), false).Scan(&unsynced); err != nil {
		return 0, 0, fmt.Errorf("failed to count unsynced occurrences: %w", err)
	}
	return total, unsynced, nil
}

func listOccurrences(ctx context.Context, q Queryer, query string, args ...interface{}) ([]models.Occurrence, error) {
	var rows []occurrenceRow
	if err := sqlxSelect(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list occurrences: %w", err)
	}
	occurrences := make([]models.Occurrence, 0, len(rows))
	for _, row := range rows {
		occurrences = append(occurrences, row.toModel())
	}
	return occurrences, nil
}
