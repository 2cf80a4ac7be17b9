package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailcal/internal/models"
)

type runRow struct {
	ID         int64         `db:"id"`
	StartedAt  int64         `db:"started_at"`
	FinishedAt sql.NullInt64 `db:"finished_at"`
	Selected   int           `db:"selected"`
	Processed  int           `db:"processed"`
	Failed     int           `db:"failed"`
	Pushed     int           `db:"pushed"`
	Error      string        `db:"error"`
}

func (r runRow) toModel() models.CycleRun {
	run := models.CycleRun{
		ID:        r.ID,
		StartedAt: fromUnix(r.StartedAt),
		Selected:  r.Selected,
		Processed: r.Processed,
		Failed:    r.Failed,
		Pushed:    r.Pushed,
		Error:     r.Error,
	}
	if r.FinishedAt.Valid {
		at := fromUnix(r.FinishedAt.Int64)
		run.FinishedAt = &at
	}
	return run
}

// StartRun opens a run ledger entry and returns its id
func StartRun(ctx context.Context, q Queryer, startedAt time.Time) (int64, error) {
	id, err := insertReturningID(ctx, q, `INSERT INTO cycle_runs (started_at, error) VALUES (?, ?)`, toUnix(startedAt), "")
	if err != nil {
		return 0, fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// FinishRun stores the final counters of a run
func FinishRun(ctx context.Context, q Queryer, run models.CycleRun) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE cycle_runs SET finished_at = ?, selected = ?, processed = ?,
		failed = ?, pushed = ?, error = ? WHERE id = ?`),
		toUnix(finished), run.Selected, run.Processed, run.Failed, run.Pushed, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first
func ListRuns(ctx context.Context, q Queryer, limit int) ([]models.CycleRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	if err := sqlxSelect(ctx, q, &rows, `SELECT id, started_at, finished_at, selected, processed, failed, pushed, error
		FROM cycle_runs ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]models.CycleRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toModel())
	}
	return runs, nil
}

// LastSuccessfulRun returns the newest finished run that recorded no error
func LastSuccessfulRun(ctx context.Context, q Queryer) (*models.CycleRun, error) {
	var row runRow
	err := q.QueryRowxContext(ctx, q.Rebind(`SELECT id, started_at, finished_at, selected, processed, failed, pushed, error
		FROM cycle_runs WHERE finished_at IS NOT NULL AND error = ? ORDER BY id DESC LIMIT 1`), "").StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last successful run: %w", err)
	}
	run := row.toModel()
	return &run, nil
}
