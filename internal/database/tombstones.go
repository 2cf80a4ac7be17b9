package database

import (
	"context"
	"fmt"
	"time"

	"mailcal/internal/models"
)

// QueueTombstone records that the calendar object with this uid must be removed remotely
func QueueTombstone(ctx context.Context, q Queryer, uid, summary string, at time.Time) error {
	query := `INSERT INTO occurrence_tombstones (uid, summary, created_at) VALUES (?, ?, ?)`
	if q.DriverName() == DriverMySQL {
		query = `INSERT IGNORE INTO occurrence_tombstones (uid, summary, created_at) VALUES (?, ?, ?)`
	} else {
		query += ` ON CONFLICT (uid) DO NOTHING`
	}
	if _, err := q.ExecContext(ctx, q.Rebind(query), uid, summary, toUnix(at)); err != nil {
		return fmt.Errorf("failed to queue tombstone %s: %w", uid, err)
	}
	return nil
}

// ListTombstones returns pending remote deletions, oldest first
func ListTombstones(ctx context.Context, q Queryer) ([]models.Tombstone, error) {
	var rows []struct {
		UID       string `db:"uid"`
		Summary   string `db:"summary"`
		CreatedAt int64  `db:"created_at"`
	}
	if err := sqlxSelect(ctx, q, &rows, "SELECT uid, summary, created_at FROM occurrence_tombstones ORDER BY created_at, uid"); err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	tombstones := make([]models.Tombstone, 0, len(rows))
	for _, row := range rows {
		tombstones = append(tombstones, models.Tombstone{UID: row.UID, Summary: row.Summary, CreatedAt: fromUnix(row.CreatedAt)})
	}
	return tombstones, nil
}

// ClearTombstone drops a tombstone once the remote object is gone, or when the uid is live again
func ClearTombstone(ctx context.Context, q Queryer, uid string) error {
	if _, err := q.ExecContext(ctx, q.Rebind("DELETE FROM occurrence_tombstones WHERE uid = ?"), uid); err != nil {
		return fmt.Errorf("failed to clear tombstone %s: %w", uid, err)
	}
	return nil
}

// CountTombstones counts pending remote deletions
func CountTombstones(ctx context.Context, q Queryer) (int, error) {
	var count int
	if err := q.QueryRowxContext(ctx, "SELECT COUNT(*) FROM occurrence_tombstones").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tombstones: %w", err)
	}
	return count, nil
}
