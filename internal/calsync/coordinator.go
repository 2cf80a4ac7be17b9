// Package calsync mirrors the occurrence timeline to an external calendar.
//
// The store records which occurrences have been pushed. Pushing is idempotent on
// the remote side, so an occurrence that was pushed but not yet marked is simply
// pushed again on the next pass.
package calsync

import (
	"context"
	"fmt"

	"mailcal/internal/database"
	"mailcal/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Calendar is the remote calendar collaborator
type Calendar interface {
	Push(ctx context.Context, occ models.Occurrence) error
	Remove(ctx context.Context, uid string) error
}

// Result counts what one sync pass did
type Result struct {
	Pushed  int
	Failed  int
	Removed int
}

// Add accumulates another pass into r
func (r *Result) Add(other Result) {
	r.Pushed += other.Pushed
	r.Failed += other.Failed
	r.Removed += other.Removed
}

// Coordinator pushes unsynced occurrences and marks them synced
type Coordinator struct {
	db       *sqlx.DB
	calendar Calendar
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator. A nil calendar disables syncing; occurrences stay unsynced.
func NewCoordinator(db *sqlx.DB, calendar Calendar, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:       db,
		calendar: calendar,
		logger:   logger.With().Str("component", "calsync").Logger(),
	}
}

// Enabled reports whether a calendar is configured
func (c *Coordinator) Enabled() bool {
	return c.calendar != nil
}

// PushForMessage pushes the unsynced occurrences extracted from one message
func (c *Coordinator) PushForMessage(ctx context.Context, messageID string) (Result, error) {
	if !c.Enabled() {
		return Result{}, nil
	}
	occs, err := database.ListUnsyncedForMessage(ctx, c.db, messageID)
	if err != nil {
		return Result{}, err
	}
	return c.Push(ctx, occs), nil
}

// SyncPending removes tombstoned objects, then pushes every unsynced occurrence
func (c *Coordinator) SyncPending(ctx context.Context) (Result, error) {
	if !c.Enabled() {
		return Result{}, nil
	}

	var result Result

	removed, err := c.removeTombstones(ctx)
	result.Add(removed)
	if err != nil {
		return result, err
	}

	occs, err := database.ListUnsynced(ctx, c.db)
	if err != nil {
		return result, err
	}
	result.Add(c.Push(ctx, occs))

	return result, nil
}

// Push sends each occurrence to the calendar and marks it synced on success.
// A failed push leaves the occurrence unsynced for the next pass.
func (c *Coordinator) Push(ctx context.Context, occs []models.Occurrence) Result {
	var result Result
	if !c.Enabled() {
		return result
	}

	for _, occ := range occs {
		if err := c.calendar.Push(ctx, occ); err != nil {
			result.Failed++
			c.logger.Warn().Err(err).Int64("occurrence_id", occ.ID).Str("uid", occ.UID).Msg("Calendar push failed")
			continue
		}

		if _, err := database.MarkSynced(ctx, c.db, occ.ID); err != nil {
			// Pushed but not marked: the next pass pushes it again, which is harmless
			result.Failed++
			c.logger.Error().Err(err).Int64("occurrence_id", occ.ID).Msg("Failed to mark occurrence synced")
			continue
		}
		result.Pushed++
	}

	if len(occs) > 0 {
		c.logger.Info().Int("pushed", result.Pushed).Int("failed", result.Failed).Msg("Calendar push finished")
	}
	return result
}

func (c *Coordinator) removeTombstones(ctx context.Context) (Result, error) {
	var result Result

	tombstones, err := database.ListTombstones(ctx, c.db)
	if err != nil {
		return result, err
	}

	for _, ts := range tombstones {
		if err := c.calendar.Remove(ctx, ts.UID); err != nil {
			result.Failed++
			c.logger.Warn().Err(err).Str("uid", ts.UID).Str("summary", ts.Summary).Msg("Calendar remove failed")
			continue
		}
		if err := database.ClearTombstone(ctx, c.db, ts.UID); err != nil {
			return result, fmt.Errorf("failed to clear tombstone %s: %w", ts.UID, err)
		}
		result.Removed++
	}

	return result, nil
}
