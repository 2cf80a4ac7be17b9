// Package ingest decides which retrieved messages still need processing.
//
// The store's latest delivered_at is the watermark: anything delivered after it
// is new. Messages are only stored once they have been fully processed, so a
// message that failed stays behind the watermark and is offered again. During a
// full backfill a failed message that a later success has already overtaken is
// found through its failure record instead; in latest-only mode it is forfeited.
package ingest

import (
	"context"
	"fmt"
	"time"

	"mailcal/internal/database"
	"mailcal/internal/mail"
	"mailcal/internal/models"
)

// Resolution of stored delivery timestamps
const timeUnit = time.Second

// SelectUnprocessed returns the messages that still need processing, oldest first.
// With fullBackfill false only the most recent eligible message is returned; the
// very first run (empty store) still considers every retrievable message before truncating.
// Nothing is written.
func SelectUnprocessed(ctx context.Context, q database.Queryer, src mail.Source, fullBackfill bool) ([]models.Message, error) {
	watermark, err := database.Watermark(ctx, q)
	if err != nil {
		return nil, err
	}

	var since *time.Time
	if watermark != nil {
		next := watermark.Add(timeUnit)
		since = &next
	}

	retry, fetchFrom := map[string]bool(nil), since
	if fullBackfill {
		retry, fetchFrom, err = pendingRetries(ctx, q, since)
		if err != nil {
			return nil, err
		}
	}

	fetched, err := src.FetchSince(ctx, fetchFrom)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	eligible := make([]models.Message, 0, len(fetched))
	for _, msg := range fetched {
		if since != nil && msg.DeliveredAt.Truncate(timeUnit).Before(*since) && !retry[msg.ID] {
			continue
		}
		eligible = append(eligible, msg)
	}

	mail.SortByDelivery(eligible)

	if !fullBackfill && len(eligible) > 1 {
		eligible = eligible[len(eligible)-1:]
	}

	return eligible, nil
}

// pendingRetries returns the ids of failed messages behind the watermark and how far
// back the source must be asked to reach them.
func pendingRetries(ctx context.Context, q database.Queryer, since *time.Time) (map[string]bool, *time.Time, error) {
	if since == nil {
		return nil, nil, nil
	}

	failures, err := database.ListFailures(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	from := *since
	retry := make(map[string]bool, len(failures))
	for _, f := range failures {
		if !f.DeliveredAt.Before(*since) {
			continue
		}
		retry[f.MessageID] = true
		if f.DeliveredAt.Before(from) {
			from = f.DeliveredAt
		}
	}
	return retry, &from, nil
}
