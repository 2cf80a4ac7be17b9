package reconcile

import (
	"context"
	"fmt"
	"time"

	"mailcal/internal/database"
	"mailcal/internal/models"

	"github.com/rs/zerolog"
)

// Outcome is what reconciling one candidate did to the timeline
type Outcome string

const (
	OutcomeInserted   Outcome = "inserted"
	OutcomeUpdated    Outcome = "updated"
	OutcomeSuperseded Outcome = "superseded-and-inserted"
	OutcomeDropped    Outcome = "dropped-as-stale"
)

// Result describes one reconciled candidate
type Result struct {
	Outcome    Outcome
	Occurrence models.Occurrence   // The stored row, or the discarded candidate when dropped
	Removed    []models.Occurrence // Older revisions deleted on the way
}

// Engine merges extracted candidates into the occurrence store
type Engine struct {
	matcher Matcher
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a reconciliation engine. A nil matcher means exact summary matching.
func New(matcher Matcher, logger zerolog.Logger) *Engine {
	if matcher == nil {
		matcher = ExactMatcher{}
	}
	return &Engine{
		matcher: matcher,
		logger:  logger.With().Str("component", "reconcile").Str("matcher", matcher.Name()).Logger(),
		now:     time.Now,
	}
}

// Reconcile folds one candidate into the store. source is the message the candidate was
// extracted from; nil means the candidate carries no message reference.
// Only store errors are returned.
func (e *Engine) Reconcile(ctx context.Context, q database.Queryer, cand models.Candidate, source *models.Message) (Result, error) {
	start, end, summary := cand.Triple()

	existing, err := database.FindExact(ctx, q, start, end, summary)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		if source != nil && existing.MessageID == nil {
			origin := source.DeliveredAt.UTC().Truncate(time.Second)
			if _, err := database.AttachMessage(ctx, q, existing.ID, source.ID, origin); err != nil {
				return Result{}, err
			}
			existing.MessageID = &source.ID
			existing.OriginDeliveredAt = &origin
		}
		e.logger.Debug().Int64("occurrence_id", existing.ID).Str("summary", summary).Msg("Exact match, merged")
		return Result{Outcome: OutcomeUpdated, Occurrence: *existing}, nil
	}

	occ := models.Occurrence{
		UID:        models.OccurrenceUID(start, end, summary),
		Start:      start,
		End:        end,
		AllDay:     cand.AllDay,
		Summary:    summary,
		SummaryKey: e.matcher.Key(summary),
	}

	if source == nil {
		if err := e.insert(ctx, q, &occ); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeInserted, Occurrence: occ}, nil
	}

	origin := source.DeliveredAt.UTC().Truncate(time.Second)
	occ.MessageID = &source.ID
	occ.OriginDeliveredAt = &origin

	revisions, err := database.ListRevisions(ctx, q, occ.SummaryKey)
	if err != nil {
		return Result{}, err
	}

	var removed []models.Occurrence
	newerOrEqual := 0
	for _, rev := range revisions {
		if rev.Origin == nil {
			// Unknown age: neither superseded nor blocking
			continue
		}
		if rev.Origin.Before(origin) {
			if err := e.remove(ctx, q, rev.Occurrence); err != nil {
				return Result{}, err
			}
			removed = append(removed, rev.Occurrence)
			continue
		}
		newerOrEqual++
	}

	if cand.MatchedID != nil {
		e.logger.Debug().
			Int64("matched_id", *cand.MatchedID).
			Int("removed", len(removed)).
			Str("summary", summary).
			Msg("Extractor suggested a revision")
	}

	if newerOrEqual > 0 {
		e.logger.Info().
			Str("summary", summary).
			Str("message_id", source.ID).
			Int("newer_revisions", newerOrEqual).
			Msg("Dropped stale occurrence")
		return Result{Outcome: OutcomeDropped, Occurrence: occ, Removed: removed}, nil
	}

	if err := e.insert(ctx, q, &occ); err != nil {
		return Result{}, err
	}

	outcome := OutcomeInserted
	if len(removed) > 0 {
		outcome = OutcomeSuperseded
		e.logger.Info().
			Str("summary", summary).
			Str("message_id", source.ID).
			Int("superseded", len(removed)).
			Msg("Occurrence superseded")
	}
	return Result{Outcome: outcome, Occurrence: occ, Removed: removed}, nil
}

// ReconcileBatch reconciles candidates in order; each one sees the effects of those before it.
// The first store error aborts the batch.
func (e *Engine) ReconcileBatch(ctx context.Context, q database.Queryer, cands []models.Candidate, source *models.Message) ([]Result, error) {
	results := make([]Result, 0, len(cands))
	for i, cand := range cands {
		res, err := e.Reconcile(ctx, q, cand, source)
		if err != nil {
			return results, fmt.Errorf("candidate %d (%q): %w", i, cand.Summary, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) insert(ctx context.Context, q database.Queryer, occ *models.Occurrence) error {
	if err := database.InsertOccurrence(ctx, q, occ); err != nil {
		return err
	}
	// The uid is live again, so a pending remote deletion must not fire
	if err := database.ClearTombstone(ctx, q, occ.UID); err != nil {
		return err
	}
	e.logger.Debug().Int64("occurrence_id", occ.ID).Str("summary", occ.Summary).Time("start", occ.Start).Msg("Occurrence inserted")
	return nil
}

func (e *Engine) remove(ctx context.Context, q database.Queryer, occ models.Occurrence) error {
	if err := database.DeleteOccurrence(ctx, q, occ.ID); err != nil {
		return err
	}
	if occ.Synced {
		if err := database.QueueTombstone(ctx, q, occ.UID, occ.Summary, e.now()); err != nil {
			return err
		}
	}
	return nil
}

// Rekey brings stored summary keys in line with the engine's matcher, so a changed
// match policy applies to occurrences reconciled under the previous one.
func (e *Engine) Rekey(ctx context.Context, q database.Queryer) (int, error) {
	n, err := database.RekeyOccurrences(ctx, q, e.matcher.Key)
	if err != nil {
		return n, err
	}
	if n > 0 {
		e.logger.Info().Int("occurrences", n).Msg("Summary keys rebuilt")
	}
	return n, nil
}

// Count tallies results by outcome
func Count(results []Result) map[Outcome]int {
	counts := make(map[Outcome]int, 4)
	for _, r := range results {
		counts[r.Outcome]++
	}
	return counts
}
