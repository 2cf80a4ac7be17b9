package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailcal/internal/database"
	"mailcal/internal/database/databasetest"
	"mailcal/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a fixed mailbox and records the since bound it was asked for
type fakeSource struct {
	messages  []models.Message
	err       error
	calls     int
	lastSince *time.Time
}

func (f *fakeSource) FetchSince(_ context.Context, since *time.Time) ([]models.Message, error) {
	f.calls++
	f.lastSince = since
	if f.err != nil {
		return nil, f.err
	}
	// Deliberately ignores since; the cursor must not rely on the source filtering exactly
	out := make([]models.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, delivered time.Time) models.Message {
	return models.Message{
		ID:          id,
		Subject:     "Newsletter " + id,
		Sender:      "office@school.example",
		DeliveredAt: delivered,
		RetrievedAt: base,
		Body:        "body",
		ContentKind: models.ContentPlain,
		Status:      models.StatusProcessed,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSelectUnprocessed_EmptyStoreBackfillsEverything(t *testing.T) {
	db := databasetest.New(t)
	src := &fakeSource{messages: []models.Message{
		msg("c", base.Add(2*time.Hour)),
		msg("a", base),
		msg("b", base.Add(time.Hour)),
	}}

	got, err := SelectUnprocessed(context.Background(), db, src, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.Nil(t, src.lastSince)
}

func TestSelectUnprocessed_SingleLatestWithoutBackfill(t *testing.T) {
	db := databasetest.New(t)
	src := &fakeSource{messages: []models.Message{
		msg("a", base),
		msg("c", base.Add(2*time.Hour)),
		msg("b", base.Add(time.Hour)),
	}}

	got, err := SelectUnprocessed(context.Background(), db, src, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, ids(got))
}

func TestSelectUnprocessed_WatermarkBoundary(t *testing.T) {
	ctx := context.Background()
	db := databasetest.New(t)

	watermark := base.Add(time.Hour)
	require.NoError(t, database.SaveMessage(ctx, db, msg("stored", watermark)))

	src := &fakeSource{messages: []models.Message{
		msg("before", watermark.Add(-5*time.Second)),
		msg("same-second", watermark),
		msg("sub-second", watermark.Add(500*time.Millisecond)),
		msg("next-second", watermark.Add(time.Second)),
		msg("later", watermark.Add(time.Hour)),
	}}

	got, err := SelectUnprocessed(ctx, db, src, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"next-second", "later"}, ids(got))
	require.NotNil(t, src.lastSince)
	assert.True(t, src.lastSince.Equal(watermark.Add(time.Second)))
}

func TestSelectUnprocessed_NothingNew(t *testing.T) {
	ctx := context.Background()
	db := databasetest.New(t)
	require.NoError(t, database.SaveMessage(ctx, db, msg("stored", base)))

	src := &fakeSource{messages: []models.Message{msg("stored", base)}}

	got, err := SelectUnprocessed(ctx, db, src, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSelectUnprocessed_FailedMessageIsOfferedAgain(t *testing.T) {
	ctx := context.Background()
	db := databasetest.New(t)
	require.NoError(t, database.SaveMessage(ctx, db, msg("done", base)))

	// "failed" was never stored, so the watermark has not moved past it
	src := &fakeSource{messages: []models.Message{msg("failed", base.Add(time.Minute))}}

	for i := 0; i < 2; i++ {
		got, err := SelectUnprocessed(ctx, db, src, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"failed"}, ids(got))
	}
}

func TestSelectUnprocessed_OvertakenFailureIsOfferedAgain(t *testing.T) {
	ctx := context.Background()
	db := databasetest.New(t)

	failed := msg("failed", base.Add(time.Minute))
	_, err := database.RecordFailure(ctx, db, failed, "extraction timed out", base)
	require.NoError(t, err)
	// A later message succeeded, moving the watermark past the failed one
	require.NoError(t, database.SaveMessage(ctx, db, msg("done", base.Add(2*time.Minute))))

	src := &fakeSource{messages: []models.Message{
		msg("older", base),
		failed,
		msg("done", base.Add(2*time.Minute)),
		msg("new", base.Add(3*time.Minute)),
	}}

	got, err := SelectUnprocessed(ctx, db, src, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"failed", "new"}, ids(got))
	require.NotNil(t, src.lastSince)
	assert.True(t, src.lastSince.Equal(failed.DeliveredAt))
}

func TestSelectUnprocessed_LatestOnlyIgnoresFailuresBehindWatermark(t *testing.T) {
	ctx := context.Background()
	db := databasetest.New(t)

	failed := msg("failed", base)
	_, err := database.RecordFailure(ctx, db, failed, "extraction timed out", base)
	require.NoError(t, err)
	watermark := base.Add(time.Hour)
	require.NoError(t, database.SaveMessage(ctx, db, msg("done", watermark)))

	src := &fakeSource{messages: []models.Message{failed, msg("done", watermark)}}

	got, err := SelectUnprocessed(ctx, db, src, false)
	require.NoError(t, err)

	assert.Empty(t, got)
	require.NotNil(t, src.lastSince)
	assert.True(t, src.lastSince.Equal(watermark.Add(time.Second)))
}

func TestSelectUnprocessed_DoesNotWrite(t *testing.T) {
	ctx := context.Background()
	db := databasetest.New(t)
	src := &fakeSource{messages: []models.Message{msg("a", base)}}

	_, err := SelectUnprocessed(ctx, db, src, true)
	require.NoError(t, err)

	count, err := database.CountMessages(ctx, db, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSelectUnprocessed_SourceError(t *testing.T) {
	db := databasetest.New(t)
	src := &fakeSource{err: errors.New("connection reset")}

	got, err := SelectUnprocessed(context.Background(), db, src, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch messages")
	assert.Nil(t, got)
}
