package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mailcal/internal/cache"
	"mailcal/internal/database"
	"mailcal/internal/database/databasetest"
	"mailcal/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

func seedTimeline(t *testing.T, db *sqlx.DB) {
	t.Helper()
	ctx := context.Background()

	msg := models.Message{
		ID:          "m1",
		Subject:     "Week plan",
		DeliveredAt: day,
		RetrievedAt: day.Add(time.Minute),
		Body:        "Swimming on Tuesday",
		ContentKind: models.ContentPlain,
	}
	require.NoError(t, database.SaveMessage(ctx, db, msg))

	for i, summary := range []string{"Swimming", "Parents evening", "Field trip"} {
		start := day.Add(time.Duration(3-i) * 24 * time.Hour)
		end := start.Add(time.Hour)
		occ := models.Occurrence{
			UID:        models.OccurrenceUID(start, end, summary),
			Start:      start,
			End:        end,
			Summary:    summary,
			SummaryKey: summary,
			MessageID:  &msg.ID,
		}
		require.NoError(t, database.InsertOccurrence(ctx, db, &occ))
		if i == 0 {
			_, err := database.MarkSynced(ctx, db, occ.ID)
			require.NoError(t, err)
		}
	}

	id, err := database.StartRun(ctx, db, day)
	require.NoError(t, err)
	finished := day.Add(time.Minute)
	require.NoError(t, database.FinishRun(ctx, db, models.CycleRun{ID: id, FinishedAt: &finished, Selected: 1, Processed: 1}))

	failing := models.Message{ID: "m2", DeliveredAt: day.Add(time.Hour)}
	_, err = database.RecordFailure(ctx, db, failing, "extraction timed out", day)
	require.NoError(t, err)
	require.NoError(t, database.QueueTombstone(ctx, db, "old-uid", "Swimming", day))
}

func serve(t *testing.T, h echo.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(req, rec)))
	return rec
}

func TestOccurrencesHandler(t *testing.T) {
	db := databasetest.New(t)
	seedTimeline(t, db)

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantOrder []string
	}{
		{name: "ordered by start", target: "/api/occurrences", wantCode: http.StatusOK, wantOrder: []string{"Field trip", "Parents evening", "Swimming"}},
		{name: "limit", target: "/api/occurrences?limit=1", wantCode: http.StatusOK, wantOrder: []string{"Field trip"}},
		{name: "unsynced only", target: "/api/occurrences?unsynced=true", wantCode: http.StatusOK, wantOrder: []string{"Field trip", "Parents evening"}},
		{name: "bad limit", target: "/api/occurrences?limit=zero", wantCode: http.StatusBadRequest},
		{name: "negative limit", target: "/api/occurrences?limit=-4", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, OccurrencesHandler(db, cache.New[models.OccurrencesResponse](time.Minute)), tt.target)
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusOK {
				return
			}

			var resp models.OccurrencesResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, len(tt.wantOrder), resp.Count)
			var got []string
			for _, occ := range resp.Occurrences {
				got = append(got, occ.Summary)
			}
			assert.Equal(t, tt.wantOrder, got)
		})
	}
}

func TestOccurrencesHandler_EmptyStoreReturnsEmptyList(t *testing.T) {
	db := databasetest.New(t)

	rec := serve(t, OccurrencesHandler(db, cache.New[models.OccurrencesResponse](time.Minute)), "/api/occurrences")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"occurrences":[],"count":0}`, rec.Body.String())
}

func TestOccurrencesHandler_ServesFromCache(t *testing.T) {
	db := databasetest.New(t)
	c := cache.New[models.OccurrencesResponse](time.Minute)

	rec := serve(t, OccurrencesHandler(db, c), "/api/occurrences")
	require.Equal(t, http.StatusOK, rec.Code)

	seedTimeline(t, db)

	var resp models.OccurrencesResponse
	rec = serve(t, OccurrencesHandler(db, c), "/api/occurrences")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)

	c.Clear()
	rec = serve(t, OccurrencesHandler(db, c), "/api/occurrences")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
}

func TestRunsHandler(t *testing.T) {
	db := databasetest.New(t)
	seedTimeline(t, db)

	rec := serve(t, RunsHandler(db, cache.New[models.RunsResponse](time.Minute)), "/api/runs?limit=500")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.RunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, 1, resp.Runs[0].Processed)
	require.NotNil(t, resp.Runs[0].FinishedAt)
}

func TestStatusHandler(t *testing.T) {
	db := databasetest.New(t)
	seedTimeline(t, db)

	rec := serve(t, StatusHandler(db, cache.New[models.StatusResponse](time.Minute)), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Watermark)
	assert.True(t, day.Equal(*resp.Watermark))
	assert.Equal(t, 1, resp.Messages)
	assert.Zero(t, resp.DeadLetters)
	assert.Equal(t, 1, resp.PendingRetry)
	assert.Equal(t, 3, resp.Occurrences)
	assert.Equal(t, 2, resp.Unsynced)
	assert.Equal(t, 1, resp.Tombstones)
	require.NotNil(t, resp.LastRun)
	require.NotNil(t, resp.LastSuccessAt)
	assert.True(t, day.Add(time.Minute).Equal(*resp.LastSuccessAt))
}

func TestStatusHandler_EmptyStore(t *testing.T) {
	db := databasetest.New(t)

	rec := serve(t, StatusHandler(db, cache.New[models.StatusResponse](time.Minute)), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Watermark)
	assert.Nil(t, resp.LastRun)
	assert.Nil(t, resp.LastSuccessAt)
	assert.Zero(t, resp.Messages)
}

func TestStatusHandler_StoreError(t *testing.T) {
	db := databasetest.New(t)
	require.NoError(t, db.Close())

	rec := serve(t, StatusHandler(db, cache.New[models.StatusResponse](time.Minute)), "/api/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to load status"}`, rec.Body.String())
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: "", want: 20},
		{raw: "5", want: 5},
		{raw: "999", want: 200},
		{raw: "0", wantErr: true},
		{raw: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseLimit(tt.raw, 20, 200)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
